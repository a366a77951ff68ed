package service

import (
	"context"
	"time"

	"github.com/smallbiznis/atelier/internal/config"
	requestdomain "github.com/smallbiznis/atelier/internal/request/domain"
)

// WithRetry re-runs op while it fails with a retryable error (version
// conflict, bounded-lock expiry), up to the configured budget with linear
// backoff. Transitions themselves stay single-shot; retry policy lives here
// so callers opt in explicitly.
func WithRetry(ctx context.Context, cfg config.EngineConfig, op func(ctx context.Context) (*requestdomain.Request, error)) (*requestdomain.Request, error) {
	limit := cfg.TransitionRetryLimit
	if limit < 0 {
		limit = 0
	}
	backoff := cfg.TransitionRetryBackoff

	var (
		request *requestdomain.Request
		err     error
	)
	for attempt := 0; ; attempt++ {
		request, err = op(ctx)
		if err == nil || !requestdomain.IsRetryable(err) || attempt >= limit {
			return request, err
		}
		select {
		case <-ctx.Done():
			return request, ctx.Err()
		case <-time.After(backoff * time.Duration(attempt+1)):
		}
	}
}
