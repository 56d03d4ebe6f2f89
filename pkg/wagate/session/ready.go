// Package session – ready.go is the retry executor wrapped around outward
// operations. Transient helper-verification failures are retried a bounded
// number of times; everything else propagates immediately.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the retry executor.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `yaml:"max_attempts"`
	// Delay is the pause between tries.
	Delay time.Duration `yaml:"delay"`
}

// DefaultRetryConfig matches the probe spacing used after the ready event.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Delay: 3 * time.Second}
}

// RetryTransient runs op, retrying only errors classified as transient
// (helper verification). A transient failure clears the session's verified
// flag before the next try. Non-transient errors stop the loop immediately.
func (s *Session) RetryTransient(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Delay), uint64(cfg.MaxAttempts-1)),
		ctx,
	)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		s.clearVerified()
		s.logger.Warn("transient failure, retrying operation",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}, policy)
}
