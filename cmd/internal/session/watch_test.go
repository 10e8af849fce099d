package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatch_DetectsEvictionAtFirstPollAfterCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(), testConfig(2))

	_, err := svc.Login(ctx, "u", "watched")
	require.NoError(t, err)

	var evicted atomic.Bool
	var pollsAfterEvict atomic.Int32
	var polls atomic.Int32

	check := HeartbeatCheck(svc, "u", "watched")
	counted := func(ctx context.Context) (bool, error) {
		after := evicted.Load()
		active, err := check(ctx)
		if after {
			pollsAfterEvict.Add(1)
		}
		if polls.Add(1) == 3 {
			_, evErr := svc.Evict(ctx, "u", "watched")
			require.NoError(t, evErr)
			evicted.Store(true)
		}
		return active, err
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, Watch(wctx, 5*time.Millisecond, counted, nil))

	// Polls 1-3 saw an active session; the eviction committed during poll 3,
	// and poll 4 (the next interval) reported it.
	require.Equal(t, int32(4), polls.Load())
	require.Equal(t, int32(1), pollsAfterEvict.Load())
}

func TestWatch_KeepsPollingThroughErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var errs atomic.Int32
	check := func(context.Context) (bool, error) {
		switch calls.Add(1) {
		case 1, 2:
			return true, errors.New("temporarily unavailable")
		case 3:
			return true, nil
		default:
			return false, nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Watch(ctx, time.Millisecond, check, func(error) { errs.Add(1) })
	require.NoError(t, err)
	require.Equal(t, int32(4), calls.Load())
	require.Equal(t, int32(2), errs.Load())
}

func TestWatch_ReturnsContextError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Watch(ctx, time.Millisecond, func(context.Context) (bool, error) { return true, nil }, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
