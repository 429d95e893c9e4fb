// Package httputil sends outbound HTTP requests with bounded retry.
package httputil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy controls retry behavior.
type Policy struct {
	Attempts int
	// BaseDelay doubles per retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the delay to randomize, 0..1.
	Jitter float64
}

// DefaultPolicy suits short notification posts.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Jitter:    0.25,
	}
}

// StatusError is the last retryable status seen when attempts run out.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Do sends the request produced by build, which runs once per attempt so the
// body can be replayed. Network errors, 429 and 5xx are retried; any other
// response is returned with its body unread.
func Do(ctx context.Context, client *http.Client, build func(context.Context) (*http.Request, error), p Policy) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		var wait time.Duration
		resp, err := client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &StatusError{StatusCode: resp.StatusCode}
			wait = parseRetryAfter(resp.Header.Get("Retry-After"))
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		default:
			return resp, nil
		}

		if attempt == p.Attempts-1 {
			break
		}
		if wait <= 0 || wait > p.MaxDelay {
			wait = p.backoff(attempt)
		}
		slog.Warn("httputil: retrying request",
			"url", req.URL.Redacted(),
			"attempt", attempt+1,
			"max", p.Attempts,
			"delay", wait,
			"err", lastErr,
		)
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", p.Attempts, lastErr)
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	delay += delay * p.Jitter * (rand.Float64()*2 - 1)
	if delay <= 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// parseRetryAfter reads delta-seconds or an HTTP-date. Zero means absent or
// unusable.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
