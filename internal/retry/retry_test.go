package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", Transient(errors.New("boom")), true},
		{"explicit permanent", Permanent(errors.New("boom")), false},
		{"permanent wins over transient text", Permanent(errors.New("connection timeout")), false},
		{"circuit open fails fast", ErrCircuitOpen, false},
		{"wrapped circuit open", errors.Join(errors.New("op"), ErrCircuitOpen), false},
		{"timeout pattern", errors.New("request failed: context deadline timeout"), true},
		{"rate limit pattern", errors.New("API error 429: too many requests"), true},
		{"server error pattern", errors.New("API error 503: service unavailable"), true},
		{"plain rejection", errors.New("insufficient buying power"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), quietLogger(), "test op", func() error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	cause := errors.New("rejected")
	err := Do(context.Background(), fastConfig(), quietLogger(), "test op", func() error {
		attempts++
		return Permanent(cause)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), quietLogger(), "test op", func() error {
		attempts++
		return Transient(errors.New("always down"))
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "initial attempt plus MaxRetries")
}

func TestDo_CircuitOpenNotRetriedInPlace(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), quietLogger(), "test op", func() error {
		attempts++
		return ErrCircuitOpen
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 1, attempts)
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, fastConfig(), quietLogger(), "test op", func() error {
		attempts++
		return Transient(errors.New("flaky"))
	})
	require.Error(t, err)
	assert.Zero(t, attempts)
}

func TestTransientAndPermanentUnwrap(t *testing.T) {
	cause := errors.New("root")
	assert.True(t, errors.Is(Transient(cause), cause))
	assert.True(t, errors.Is(Permanent(cause), cause))
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}
