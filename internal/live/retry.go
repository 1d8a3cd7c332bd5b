package live

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"campusride/internal/apperr"
	"campusride/internal/observability"
)

type RetryConfig struct {
	Initial time.Duration
	Max     time.Duration
}

var DefaultRetry = RetryConfig{Initial: 200 * time.Millisecond, Max: 10 * time.Second}

// Attach is one subscription attempt. It blocks until the underlying feed
// breaks or ctx is cancelled. attempt is 0 for the first call.
type Attach func(ctx context.Context, attempt int) error

// Run drives attach in a goroutine until h is cancelled. Unavailable errors
// re-attach with exponential backoff; any other error ends the subscription.
func Run(h *Handle, source string, log *zap.Logger, cfg RetryConfig, attach Attach) {
	if log == nil {
		log = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max

	go func() {
		defer h.Finish()
		ctx := h.Context()
		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				h.generations.Add(1)
			}
			started := time.Now()
			err := attach(ctx, attempt)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			if !apperr.IsRetryable(err) {
				log.Warn("subscription ended", zap.String("source", source), zap.Error(err))
				return
			}
			if time.Since(started) > cfg.Max {
				b.Reset()
			}
			wait := b.NextBackOff()
			log.Info("subscription unavailable, retrying",
				zap.String("source", source), zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
			observability.SubscriptionRestarts.WithLabelValues(source).Inc()

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}
