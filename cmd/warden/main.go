package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/pkg/allowlist"
	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/gateway"
	"github.com/wardenhq/warden/pkg/identity"
	"github.com/wardenhq/warden/pkg/middleware"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/orgs"
	"github.com/wardenhq/warden/pkg/registry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	handlerLogger := logrus.New()
	handlerLogger.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.OTelEnabled {
		providers, err := observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize OpenTelemetry, continuing without it")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				observability.ShutdownOTel(shutdownCtx, providers, logger) //nolint:errcheck
			}()
		}
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Error("failed to ping database")
		os.Exit(1)
	}

	if err := authz.RunMigrations(ctx, db); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Error("invalid redis URL")
		os.Exit(1)
	}
	if cfg.Redis.Password != "" {
		redisOpts.Password = cfg.Redis.Password
	}
	redisOpts.DB = cfg.Redis.DB
	redisOpts.MaxRetries = cfg.Redis.MaxRetries
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	generations := allowlist.NewGenerations(redisClient)
	auditor := audit.NewWriter(metrics)

	store := authz.NewSQLStore(db, auditor, generations)
	if err := store.SeedSystemRoles(ctx); err != nil {
		logger.WithError(err).Error("failed to seed system roles")
		os.Exit(1)
	}

	resolver := authz.NewResolver(store, logger, metrics)

	orgService := orgs.NewService(db, auditor, generations)
	registryService := registry.NewService(db, auditor, generations)

	snapshotCache, err := allowlist.NewCache(
		allowlist.NewBuilder(store),
		generations,
		cfg.Allowlist.CacheSize,
		metrics,
	)
	if err != nil {
		logger.WithError(err).Error("failed to create snapshot cache")
		os.Exit(1)
	}

	verifier, err := identity.NewOIDCVerifier(ctx, cfg.Identity.IssuerURL, cfg.Identity.ClientID)
	if err != nil {
		logger.WithError(err).Error("failed to initialize OIDC verifier")
		os.Exit(1)
	}

	auditStore := audit.NewStore(db)
	auditGate := func(ctx context.Context, principalID string, organizationID int64) bool {
		decision, _ := resolver.Resolve(ctx, authz.Query{
			PrincipalID:    principalID,
			OrganizationID: organizationID,
			Resource:       authz.ResourceAny,
			Action:         authz.ActionManage,
		})
		return decision.Allow
	}

	forwarder := gateway.NewForwarder(cfg.Gateway, logger, metrics)

	router := mux.NewRouter()
	router.Use(
		middleware.Recover(logger),
		middleware.RequestID,
		identity.Middleware(verifier),
		middleware.RateLimit(redisClient),
		middleware.Logging(logger, metrics),
	)

	authz.NewHandlers(resolver, store, handlerLogger).RegisterRoutes(router)
	orgs.NewHandlers(orgService, resolver, handlerLogger).RegisterRoutes(router)
	registry.NewHandlers(registryService, resolver, handlerLogger).RegisterRoutes(router)
	allowlist.NewHandlers(snapshotCache, handlerLogger).RegisterRoutes(router)
	audit.NewHandlers(auditStore, auditGate, handlerLogger).RegisterRoutes(router)
	gateway.NewHandlers(forwarder, resolver, registryService, handlerLogger).RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthChecker := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthChecker.Liveness)
	healthMux.HandleFunc("/readyz", healthChecker.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	scheduler := cron.New()
	cleaner := newCleaner(ctx, db, cfg, logger)
	if _, err := scheduler.AddFunc(cfg.Audit.CleanupSchedule, func() {
		if _, err := cleaner.Run(context.Background()); err != nil {
			logger.WithError(err).Error("audit retention pass failed")
		}
	}); err != nil {
		logger.WithError(err).Error("failed to schedule audit retention")
		os.Exit(1)
	}
	scheduler.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-scheduler.Stop().Done()
		apiServer.Shutdown(shutdownCtx)    //nolint:errcheck
		healthServer.Shutdown(shutdownCtx) //nolint:errcheck
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	logger.Info("stopped")
}

// newCleaner builds the retention cleaner, with S3 archiving when
// configured.
func newCleaner(ctx context.Context, db *sql.DB, cfg *config.Config, logger *observability.Logger) *audit.Cleaner {
	policy := audit.RetentionPolicy{
		RetentionDays:  cfg.Audit.RetentionDays,
		ArchiveEnabled: cfg.Audit.ArchiveEnabled,
		ArchiveFormat:  cfg.Audit.ArchiveFormat,
	}

	var archiver audit.Archiver
	if cfg.Audit.ArchiveEnabled {
		s3Archiver, err := audit.NewS3Archiver(ctx, cfg.Audit.S3)
		if err != nil {
			logger.WithError(err).Error("failed to initialize S3 archiver, retention will not archive")
			policy.ArchiveEnabled = false
		} else {
			archiver = s3Archiver
		}
	}

	return audit.NewCleaner(db, archiver, policy, logger)
}
