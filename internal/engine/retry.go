package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryConfig is an exponential backoff schedule.
type RetryConfig struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultRetryConfig is used for in-call retries of outbound HTTP.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     10 * time.Second,
	Multiplier:  2.0,
}

// Backoff returns the wait before retry number attempt (0-based), capped at MaxWait.
func Backoff(rc RetryConfig, attempt int) time.Duration {
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	wait := time.Duration(float64(rc.InitialWait) * math.Pow(mult, float64(attempt)))
	if rc.MaxWait > 0 && (wait > rc.MaxWait || wait < 0) {
		wait = rc.MaxWait
	}
	return wait
}

// RetryDo calls fn until it succeeds, fails with a non-transient error, or
// MaxRetries retries are spent. Task-level retries belong to the orchestrator;
// this only smooths over blips inside one external call.
func RetryDo[T any](ctx context.Context, rc RetryConfig, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}
		var out T
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) || attempt >= rc.MaxRetries {
			return zero, err
		}

		wait := Backoff(rc, attempt)
		slog.Debug("retrying", slog.String("op", op), slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.Any("error", err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// RetryHTTP wraps RetryDo for raw requests: retryable statuses become
// transient errors and are retried, every other response is returned as is.
func RetryHTTP(ctx context.Context, rc RetryConfig, op string, fn func(context.Context) (*http.Response, error)) (*http.Response, error) {
	return RetryDo(ctx, rc, op, func(ctx context.Context) (*http.Response, error) {
		resp, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if retryableStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			return nil, StatusError(op, resp.StatusCode)
		}
		return resp, nil
	})
}
