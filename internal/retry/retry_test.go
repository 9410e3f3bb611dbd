package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int
	p := fast(3)
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(2), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("404")
	calls := 0
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fast(3), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDelayCapped(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 3*time.Second, p.delay(5))
}
