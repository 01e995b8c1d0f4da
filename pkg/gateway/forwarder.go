package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wardenhq/warden/pkg/observability"
)

// Config tunes the upstream retry contract.
type Config struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RequestTimeout  time.Duration
}

// DefaultConfig returns the retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxTries:        4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
}

// Forwarder relays an approved request to an upstream agent or data
// source endpoint. Transient upstream failures (timeouts, 429, 502, 503,
// 504) are retried with exponential backoff and jitter up to the attempt
// ceiling; anything else passes through on the first response.
type Forwarder struct {
	client  *http.Client
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewForwarder creates a forwarder.
func NewForwarder(config Config, logger *observability.Logger, metrics *observability.Metrics) *Forwarder {
	if config.MaxTries == 0 {
		config = DefaultConfig()
	}
	return &Forwarder{
		client:  &http.Client{Timeout: config.RequestTimeout},
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Response is the upstream's answer, buffered so retries can discard
// failed attempts.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

var errRetryable = errors.New("retryable upstream failure")

// Forward sends the payload to the endpoint and returns the first
// non-retryable response. The error is non-nil only when every attempt
// failed.
func (f *Forwarder) Forward(ctx context.Context, method, endpoint string, header http.Header, body []byte) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.config.InitialInterval
	bo.MaxInterval = f.config.MaxInterval

	attempt := 0
	operation := func() (*Response, error) {
		attempt++
		if attempt > 1 {
			f.metrics.GatewayRetriesTotal.Inc()
		}
		resp, err := f.attempt(ctx, method, endpoint, header, body)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: %v", errRetryable, err)
			}
			return nil, backoff.Permanent(err)
		}
		if retryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: upstream returned %d", errRetryable, resp.StatusCode)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(f.config.MaxTries),
	)
	if err != nil {
		f.metrics.GatewayForwardsTotal.WithLabelValues("failure").Inc()
		f.logger.WithError(err).WithFields(map[string]any{
			"endpoint": endpoint,
			"attempts": attempt,
		}).Error("upstream forward failed")
		return nil, err
	}

	f.metrics.GatewayForwardsTotal.WithLabelValues("success").Inc()
	return resp, nil
}

func (f *Forwarder) attempt(ctx context.Context, method, endpoint string, header http.Header, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

const maxResponseBytes = 8 << 20

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
