// Package retry provides the reusable retry wrapper and the error taxonomy
// shared by every broker gateway call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned while the broker circuit breaker is open.
// It is treated as transient: the work is deferred to the next cycle,
// never retried in-place.
var ErrCircuitOpen = errors.New("circuit breaker open")

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure that must not be retried, e.g. a broker
// rejection of an order.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable classifies an error for the retry loop. Explicit markers win;
// unmarked errors fall back to network-failure pattern matching.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		// Fail fast: deferred to the next cycle rather than retried here.
		return false
	}
	return looksTransient(err)
}

func looksTransient(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig matches the execution engine defaults.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Do runs fn up to cfg.MaxRetries+1 times with exponential backoff and
// jitter, recording each attempt. It stops early on context cancellation,
// on permanent errors, and on an open circuit breaker.
func Do(ctx context.Context, cfg Config, logger *logrus.Logger, op string, fn func() error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	b := &backoff.Backoff{
		Min:    cfg.InitialBackoff,
		Max:    cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				logger.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).
					Info("succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxRetries {
			break
		}

		delay := b.Duration()
		logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"max":     cfg.MaxRetries + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Warn("transient failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return lastErr
}
