package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(nil, time.Second)

	var order []string
	for _, name := range []string{"database", "redis", "http"} {
		name := name
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	sm.Register("ignored", nil)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "redis", "database"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	ran := false
	sm.Register("first", func(context.Context) error { ran = true; return nil })
	sm.Register("second", func(context.Context) error { return errors.New("flush failed") })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second: flush failed")
	assert.True(t, ran, "later steps still run after a failure")
}

func TestShutdownManager_OnlyOnce(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	calls := 0
	sm.Register("once", func(context.Context) error { calls++; return nil })

	require.NoError(t, sm.Shutdown(context.Background()))
	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestShutdownManager_DeadlineSkipsRemaining(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), 20*time.Millisecond)
	skipped := true
	sm.Register("late", func(context.Context) error { skipped = false; return nil })
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "late: shutdown deadline exceeded")
	assert.True(t, skipped)
}

func TestShutdownManager_IgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sm := NewShutdownManager(NopLogger(), time.Second)
	sm.Register("close", func(ctx context.Context) error { return ctx.Err() })
	assert.NoError(t, sm.Shutdown(ctx))
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	assert.Equal(t, defaultShutdownTimeout, NewShutdownManager(nil, 0).timeout)
}
