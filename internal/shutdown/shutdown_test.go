package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeremKalyoncu/medresolve/internal/testutil"
)

func TestHooksRunInReverseOrderOnce(t *testing.T) {
	gs := NewGracefulShutdown(testutil.Logger(), time.Second)

	var order []string
	gs.Register("store", func(context.Context) error {
		order = append(order, "store")
		return nil
	})
	gs.Register("queue", func(context.Context) error {
		order = append(order, "queue")
		return errors.New("already closed")
	})
	gs.Register("http", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		order = append(order, "http")
		return nil
	})

	err := gs.Shutdown()
	require.Error(t, err)
	assert.ErrorContains(t, err, "queue: already closed")
	assert.Equal(t, []string{"http", "queue", "store"}, order)

	// A second call returns the same outcome without rerunning hooks
	assert.Equal(t, err, gs.Shutdown())
	assert.Len(t, order, 3)
}

func TestWaitReturnsWhenContextEnds(t *testing.T) {
	gs := NewGracefulShutdown(testutil.Logger(), 0)
	ran := false
	gs.Register("noop", func(context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, gs.Wait(ctx))
	assert.True(t, ran)
}
