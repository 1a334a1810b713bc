// Package clients holds the HTTP clients services use to reach each other.
// Every call is bounded by the caller's context and guarded by a circuit
// breaker; transport failures surface as apperr.ErrDependencyUnavailable.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"carrental/internal/apperr"
	"carrental/internal/config"
)

// errServer marks a 5xx response so the breaker counts it as a failure.
type errServer struct {
	status int
	body   apperr.Body
}

func (e *errServer) Error() string {
	return fmt.Sprintf("server responded %d", e.status)
}

type base struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newBase(name, baseURL string, hc *http.Client, cfg config.BreakerConfig) base {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	return base{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// Well-formed 4xx answers mean the dependency is healthy.
			IsSuccessful: func(err error) bool {
				var e *apperr.Error
				return err == nil || errors.As(err, &e)
			},
		}),
	}
}

// do sends a JSON request and decodes a 2xx response into out. Non-2xx
// responses are rebuilt into typed errors.
func (b *base) do(ctx context.Context, method, path string, in, out any) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.roundTrip(ctx, method, path, in, out)
	})
	if err == nil {
		return nil
	}
	var srv *errServer
	var typed *apperr.Error
	switch {
	case errors.As(err, &srv):
		return apperr.Unavailable(b.name, apperr.FromResponse(srv.status, srv.body, b.name))
	case errors.As(err, &typed):
		return err
	default:
		// open breaker, timeouts, refused connections
		return apperr.Unavailable(b.name, err)
	}
}

func (b *base) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", b.name, err)
		}
		return nil
	}

	var errBody apperr.Body
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errBody)
	if resp.StatusCode >= 500 {
		return &errServer{status: resp.StatusCode, body: errBody}
	}
	return apperr.FromResponse(resp.StatusCode, errBody, b.entity())
}

func (b *base) entity() string {
	return strings.TrimSuffix(b.name, "s")
}
