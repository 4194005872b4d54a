// Package forge is the typed façade over the code forge's REST API. Every
// mutating call consults the rate limiter first, authenticates with an
// identity from the account manager, records the attempt, and feeds the
// forge's rate-limit headers back into the limiter's budget view.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/agent-forge/agent-forge/pkg/accounts"
	"github.com/agent-forge/agent-forge/pkg/bus"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/ratelimit"
)

// commentMarkerFormat is the hidden sentinel appended to generated comments
// so re-runs can detect an already-posted comment.
const commentMarkerFormat = "\n\n<!-- agent-forge:%s -->"

// Client is the forge REST client. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	accounts   *accounts.Manager
	metrics    *metrics.Metrics
	bus        *bus.Bus
	breaker    *gobreaker.CircuitBreaker
	readPacer  *rate.Limiter
	maxRetries int
}

// NewClient wires the client to its collaborators. metrics and monitor may
// be nil in tests.
func NewClient(cfg *config.ForgeConfig, limiter *ratelimit.Limiter, acct *accounts.Manager, m *metrics.Metrics, monitor *bus.Bus) *Client {
	readsPerSec := cfg.ReadsPerSecond
	if readsPerSec <= 0 {
		readsPerSec = 2
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    limiter,
		accounts:   acct,
		metrics:    m,
		bus:        monitor,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "forge",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		readPacer:  rate.NewLimiter(rate.Limit(readsPerSec), 1),
		maxRetries: cfg.MaxRetries,
	}
}

// write performs one guarded mutating call. target identifies the object
// acted on (for dedup windows); content is the user-visible payload.
func (c *Client) write(ctx context.Context, identity string, capability accounts.Capability, kind models.OpKind, target, content, method, path string, body, out any) error {
	if !c.accounts.Can(identity, capability) {
		return fmt.Errorf("%w: identity %q lacks capability %q", models.ErrInvalidInstruction, identity, capability)
	}

	if d := c.limiter.Check(kind, target, content); !d.Allowed {
		c.limiter.RecordDenial(kind)
		c.observe(kind, target, false, d.Reason)
		return &models.RateLimitError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}

	err := c.do(ctx, identity, method, path, body, out)
	c.limiter.Record(kind, target, content, err == nil)
	c.observe(kind, target, err == nil, "")
	return err
}

// read performs one paced read call. Reads only consult the budget safety
// threshold, not the per-kind windows.
func (c *Client) read(ctx context.Context, identity, path string, out any) error {
	if err := c.readPacer.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}
	if d := c.limiter.Check(models.OpAPIRead, path, ""); !d.Allowed {
		return &models.RateLimitError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}
	return c.do(ctx, identity, http.MethodGet, path, nil, out)
}

// do issues the HTTP request with retries for transient failures, behind the
// circuit breaker. Non-2xx statuses below 500 surface immediately.
func (c *Client) do(ctx context.Context, identity, method, path string, body, out any) error {
	id, err := c.accounts.Resolve(identity)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrFatal, err)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", models.ErrFatal, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryBackoff(attempt)); err != nil {
				return err
			}
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.attempt(ctx, id.Credential(), method, path, payload, out)
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: circuit open for forge", models.ErrForgeUnavailable)
		case errors.Is(err, models.ErrForgeUnavailable):
			lastErr = err // transient; retry
		default:
			return err
		}
	}
	return lastErr
}

// attempt is a single HTTP round trip. Transient failures are wrapped in
// ErrForgeUnavailable so do() retries them; everything else is terminal.
func (c *Client) attempt(ctx context.Context, credential, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", models.ErrFatal, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+credential)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %v", models.ErrForgeUnavailable, err)
	}
	defer resp.Body.Close()

	c.updateBudget(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", models.ErrForgeUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%w: decoding response: %v", models.ErrForgeUnavailable, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s %s: HTTP %d", models.ErrConflict, method, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: HTTP %d", models.ErrForgeUnavailable, method, path, resp.StatusCode)
	default:
		return fmt.Errorf("forge rejected %s %s: HTTP %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}
}

// updateBudget parses the standard rate-limit headers into the limiter's
// budget view. Missing headers leave the view unchanged.
func (c *Client) updateBudget(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	reset := time.Time{}
	if rs := resp.Header.Get("X-RateLimit-Reset"); rs != "" {
		if epoch, err := strconv.ParseInt(rs, 10, 64); err == nil {
			reset = time.Unix(epoch, 0)
		}
	}
	c.limiter.SetBudget(n, reset)
}

func (c *Client) observe(kind models.OpKind, target string, allowed bool, denyReason string) {
	if c.metrics != nil {
		outcome := "ok"
		if !allowed {
			outcome = "denied"
			c.metrics.RateLimitDenials.WithLabelValues(string(kind)).Inc()
		}
		c.metrics.ForgeOps.WithLabelValues(string(kind), outcome).Inc()
	}
	if c.bus != nil {
		c.bus.Publish(bus.EventRateLimit, bus.RateLimitPayload{
			Kind: string(kind), Target: target, Allowed: allowed, Reason: denyReason,
		})
	}
}

func retryBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * 2 * time.Second
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
