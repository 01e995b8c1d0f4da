package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/identity"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/registry"
)

// allowAllStore answers every resolver lookup with an active owner
// membership and an active instance.
type allowAllStore struct {
	deny bool
}

func (s *allowAllStore) GetMembership(ctx context.Context, organizationID int64, principalID string) (*authz.MembershipInfo, error) {
	if s.deny {
		return nil, authz.ErrNotFound
	}
	return &authz.MembershipInfo{
		PrincipalID:    principalID,
		OrganizationID: organizationID,
		RoleID:         1,
		Status:         authz.StatusActive,
	}, nil
}

func (s *allowAllStore) GetRole(ctx context.Context, roleID int64) (*authz.Role, error) {
	return &authz.Role{
		ID:   roleID,
		Slug: authz.RoleOwner,
		Rules: authz.RuleSet{
			{Resource: authz.ResourceAny, Action: authz.ActionAny},
		},
	}, nil
}

func (s *allowAllStore) GetInstance(ctx context.Context, organizationID int64, resource authz.Resource, slug string) (*authz.Instance, error) {
	return &authz.Instance{
		ID:             5,
		OrganizationID: organizationID,
		Resource:       resource,
		Slug:           slug,
		IsActive:       true,
	}, nil
}

func (s *allowAllStore) ListOverrides(ctx context.Context, resource authz.Resource, instanceID int64) ([]authz.Override, error) {
	return nil, nil
}

type noopInvalidator struct{}

func (noopInvalidator) BumpPrincipal(ctx context.Context, organizationID int64, principalID string) error {
	return nil
}

func (noopInvalidator) BumpOrganization(ctx context.Context, organizationID int64) error {
	return nil
}

func newTestHandlers(t *testing.T, store authz.ResolverStore) (*Handlers, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := authz.NewResolver(store, logger, metrics)
	reg := registry.NewService(db, audit.NewWriter(nil), noopInvalidator{})

	forwarder := NewForwarder(Config{
		MaxTries:        1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		RequestTimeout:  time.Second,
	}, logger, metrics)

	plain := logrus.New()
	plain.SetOutput(io.Discard)

	return NewHandlers(forwarder, resolver, reg, plain), mock
}

func invokeRequest(principal *identity.Principal, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/orgs/1/agents/support-bot/invoke", strings.NewReader(body))
	if principal != nil {
		req = req.WithContext(identity.WithPrincipal(req.Context(), principal))
	}
	return req
}

func expectRegistryGet(mock sqlmock.Sqlmock, config string) {
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "name", "slug", "config", "is_active", "visibility", "created_at", "updated_at",
	}).AddRow(5, 1, "Support Bot", "support-bot", []byte(config), true, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM agents").WithArgs(int64(1), "support-bot").WillReturnRows(rows)
}

func TestInvokeRequiresAuthentication(t *testing.T) {
	h, _ := newTestHandlers(t, &allowAllStore{})
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, invokeRequest(nil, "{}"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvokeDenied(t *testing.T) {
	h, _ := newTestHandlers(t, &allowAllStore{deny: true})
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, invokeRequest(&identity.Principal{ID: "user-1"}, "{}"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvokeForwards(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"answer":42}`))
	}))
	defer upstream.Close()

	h, mock := newTestHandlers(t, &allowAllStore{})
	expectRegistryGet(mock, `{"endpoint":"`+upstream.URL+`"}`)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := invokeRequest(&identity.Principal{ID: "user-1"}, `{"prompt":"hi"}`)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"answer":42}`, rec.Body.String())
	assert.Equal(t, `{"prompt":"hi"}`, string(gotBody))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvokeMissingEndpoint(t *testing.T) {
	h, mock := newTestHandlers(t, &allowAllStore{})
	expectRegistryGet(mock, `{}`)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, invokeRequest(&identity.Principal{ID: "user-1"}, "{}"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestInvokeUpstreamUnavailable(t *testing.T) {
	h, mock := newTestHandlers(t, &allowAllStore{})
	expectRegistryGet(mock, `{"endpoint":"http://127.0.0.1:1/dead"}`)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, invokeRequest(&identity.Principal{ID: "user-1"}, "{}"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
