package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}
	err := p.Do(context.Background(), func(error) bool { return true }, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}
	err := p.Do(context.Background(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAtNonRetryable(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}
	sentinel := errors.New("logical")
	err := p.Do(context.Background(), func(error) bool { return false }, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoNeverExceedsAttemptsPlusOne(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}
	err := p.Do(context.Background(), func(error) bool { return true }, func() error {
		calls++
		return errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Default
	calls := 0
	err := p.Do(ctx, func(error) bool { return true }, func() error {
		calls++
		return errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, calls)
}
