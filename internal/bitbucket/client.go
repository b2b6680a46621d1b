package bitbucket

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcepulse/activity-engine/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrUnauthorized marks a 401/403 from the upstream API. Authentication
// failures are never retried; callers surface them so the consuming layer
// can prompt re-authentication.
var ErrUnauthorized = errors.New("upstream authentication failed")

// RetryConfig configures upstream request retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps upstream HTTP requests with retry, request pacing, and
// basic-auth credentials.
type Client struct {
	doer     HTTPDoer
	retry    RetryConfig
	limiter  *rate.Limiter
	username string
	password string

	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// ClientConfig configures the request client.
type ClientConfig struct {
	Retry RetryConfig
	// RequestsPerSecond bounds the request rate against the upstream
	// API. Zero disables pacing.
	RequestsPerSecond float64
	Username          string
	AppPassword       string
}

// NewClient creates an upstream API client wrapper.
func NewClient(doer HTTPDoer, cfg ClientConfig) *Client {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		doer:     doer,
		retry:    cfg.Retry,
		limiter:  limiter,
		username: cfg.Username,
		password: cfg.AppPassword,
		Sleep:    time.Sleep,
	}
}

// Do executes a request with pacing, retry on transient failures, and
// authentication error detection. A 401/403 response returns
// ErrUnauthorized immediately.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("activity-engine/internal/bitbucket").Start(
			ctx,
			"bitbucket.client.do",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("bitbucket.max_attempts", c.retry.MaxAttempts),
			),
		)
		defer span.End()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		nextReq := req.Clone(ctx)
		if c.username != "" {
			nextReq.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.doer.Do(nextReq)
		if err != nil {
			lastErr = err
			if span != nil {
				span.RecordError(err)
			}
			if attempt == c.retry.MaxAttempts {
				break
			}
			c.Sleep(backoffForAttempt(c.retry, attempt))
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if span != nil {
				span.SetStatus(codes.Error, "unauthorized")
			}
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}

		if isTransientStatus(resp.StatusCode) && attempt < c.retry.MaxAttempts {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			c.Sleep(backoffForAttempt(c.retry, attempt))
			continue
		}

		if span != nil {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			span.SetStatus(codes.Ok, "request completed")
		}
		return resp, nil
	}

	if span != nil {
		span.SetStatus(codes.Error, "request attempts exhausted")
	}
	return nil, fmt.Errorf("request attempts exhausted: %w", lastErr)
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			return retry.MaxBackoff
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
