package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// backends returns one fresh store per supported in-process backend.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt":   func(t *testing.T) Store { return newTestBoltStore(t) },
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, mk(t))
		})
	}
}

func TestScenario_DeviceLimitLifecycle(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		notes := &recordingNotifier{}
		svc, _ := newTestService(t, store, testConfig(3), WithNotifier(notes))
		const user = "user-1"

		// 1. A, B, C are admitted in order.
		for i, dev := range []string{"A", "B", "C"} {
			res, err := svc.Login(ctx, user, dev)
			require.NoError(t, err)
			require.Equal(t, OutcomeAdmitted, res.Outcome)
			require.False(t, res.Resumed)
			require.Equal(t, i+1, res.ActiveCount)
		}
		n, err := svc.ActiveCount(ctx, user)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		// 2. D is refused with the active list, oldest first.
		res, err := svc.Login(ctx, user, "D")
		require.NoError(t, err)
		require.Equal(t, OutcomeLimitExceeded, res.Outcome)
		require.Equal(t, []string{"A", "B", "C"}, deviceIDs(res.ActiveSessions))
		require.Equal(t, 3, res.Limit)

		// 3. Evicting A frees a slot for D.
		ev, err := svc.Evict(ctx, user, "A")
		require.NoError(t, err)
		require.Equal(t, EvictOutcomeEvicted, ev.Outcome)
		require.Equal(t, StatusEvicted, ev.Session.Status)

		res, err = svc.Login(ctx, user, "D")
		require.NoError(t, err)
		require.Equal(t, OutcomeAdmitted, res.Outcome)
		require.Equal(t, []string{"B", "C", "D"}, deviceIDs(res.ActiveSessions))
		n, err = svc.ActiveCount(ctx, user)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		// 4. A learns it was signed out.
		hb, err := svc.Heartbeat(ctx, user, "A")
		require.NoError(t, err)
		require.False(t, hb.StillActive())
		require.Equal(t, StatusEvicted, hb.Status)

		// 5. A cannot come back with its old device id, even with a free slot.
		_, err = svc.Evict(ctx, user, "B")
		require.NoError(t, err)
		res, err = svc.Login(ctx, user, "A")
		require.NoError(t, err)
		require.Equal(t, OutcomeAlreadyTerminated, res.Outcome)
		require.Equal(t, StatusEvicted, res.Session.Status)
		n, err = svc.ActiveCount(ctx, user)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		// 6. RevokeAll ends everything that is active.
		res, err = svc.Login(ctx, user, "E")
		require.NoError(t, err)
		require.Equal(t, OutcomeAdmitted, res.Outcome)

		count, err := svc.RevokeAll(ctx, user)
		require.NoError(t, err)
		require.Equal(t, 3, count)
		n, err = svc.ActiveCount(ctx, user)
		require.NoError(t, err)
		require.Zero(t, n)
		for _, dev := range []string{"C", "D", "E"} {
			hb, err := svc.Heartbeat(ctx, user, dev)
			require.NoError(t, err)
			require.False(t, hb.StillActive(), dev)
		}

		// Every termination was announced once, after commit.
		var ended []string
		for _, ev := range notes.Events() {
			ended = append(ended, ev.DeviceID+":"+string(ev.Reason))
		}
		require.ElementsMatch(t, []string{
			"A:evicted", "B:evicted",
			"C:revoke_all", "D:revoke_all", "E:revoke_all",
		}, ended)
	})
}

func TestLogin_ConcurrentLastSlot(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc, _ := newTestService(t, store, testConfig(3))
		const user = "user-race"

		for _, dev := range []string{"A", "B"} {
			_, err := svc.Login(ctx, user, dev)
			require.NoError(t, err)
		}

		for round := 0; round < 20; round++ {
			e, f := fmt.Sprintf("E%d", round), fmt.Sprintf("F%d", round)

			var wg sync.WaitGroup
			results := make([]LoginResult, 2)
			errs := make([]error, 2)
			start := make(chan struct{})
			for i, dev := range []string{e, f} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					results[i], errs[i] = svc.Login(ctx, user, dev)
				}()
			}
			close(start)
			wg.Wait()

			require.NoError(t, errs[0])
			require.NoError(t, errs[1])
			outcomes := []Outcome{results[0].Outcome, results[1].Outcome}
			require.ElementsMatch(t, []Outcome{OutcomeAdmitted, OutcomeLimitExceeded}, outcomes)

			n, err := svc.ActiveCount(ctx, user)
			require.NoError(t, err)
			require.Equal(t, 3, n)

			// Free the slot again for the next round.
			winner := e
			if results[1].Outcome == OutcomeAdmitted {
				winner = f
			}
			_, err = svc.Evict(ctx, user, winner)
			require.NoError(t, err)
		}
	})
}

func TestLogin_StormNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const limit = 4
		svc, _ := newTestService(t, store, testConfig(limit))
		const user = "user-storm"

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
			maxSeen  int
		)
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.Login(ctx, user, fmt.Sprintf("dev-%02d", i))
				if err != nil {
					t.Errorf("Login: %v", err)
					return
				}
				n, err := svc.ActiveCount(ctx, user)
				if err != nil {
					t.Errorf("ActiveCount: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Outcome == OutcomeAdmitted {
					admitted++
				}
				if res.ActiveCount > maxSeen {
					maxSeen = res.ActiveCount
				}
				if n > maxSeen {
					maxSeen = n
				}
			}()
		}
		wg.Wait()

		require.Equal(t, limit, admitted)
		require.LessOrEqual(t, maxSeen, limit)
		n, err := svc.ActiveCount(ctx, user)
		require.NoError(t, err)
		require.Equal(t, limit, n)
	})
}

func TestLogin_DifferentUsersAreIndependent(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc, _ := newTestService(t, store, testConfig(1))

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.Login(ctx, fmt.Sprintf("user-%d", i), "phone")
				if err != nil || res.Outcome != OutcomeAdmitted {
					t.Errorf("user-%d: outcome=%v err=%v", i, res.Outcome, err)
				}
			}()
		}
		wg.Wait()
	})
}

func TestLogin_RepeatFromActiveDeviceIsIdempotent(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc, _ := newTestService(t, store, testConfig(2))

		first, err := svc.Login(ctx, "u", "laptop")
		require.NoError(t, err)
		_, err = svc.Login(ctx, "u", "phone")
		require.NoError(t, err)

		again, err := svc.Login(ctx, "u", "laptop")
		require.NoError(t, err)
		require.Equal(t, OutcomeAdmitted, again.Outcome)
		require.True(t, again.Resumed)
		require.Equal(t, first.Session.ID, again.Session.ID)
		require.Equal(t, first.Session.CreatedAt, again.Session.CreatedAt)
		require.True(t, again.Session.LastSeenAt.After(first.Session.LastSeenAt))
		require.Equal(t, 2, again.ActiveCount)
	})
}

func TestLogin_PerUserOverride(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(1)
	cfg.LimitOverrides = map[string]int{"family": 3}
	svc, _ := newTestService(t, NewMemoryStore(), cfg)

	for _, dev := range []string{"a", "b", "c"} {
		res, err := svc.Login(ctx, "family", dev)
		require.NoError(t, err)
		require.Equal(t, OutcomeAdmitted, res.Outcome)
	}
	res, err := svc.Login(ctx, "family", "d")
	require.NoError(t, err)
	require.Equal(t, OutcomeLimitExceeded, res.Outcome)

	_, err = svc.Login(ctx, "solo", "a")
	require.NoError(t, err)
	res, err = svc.Login(ctx, "solo", "b")
	require.NoError(t, err)
	require.Equal(t, OutcomeLimitExceeded, res.Outcome)
}

func TestEvict_Idempotent(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc, _ := newTestService(t, store, testConfig(3))

		_, err := svc.Login(ctx, "u", "tablet")
		require.NoError(t, err)

		first, err := svc.Evict(ctx, "u", "tablet")
		require.NoError(t, err)
		require.Equal(t, EvictOutcomeEvicted, first.Outcome)

		second, err := svc.Evict(ctx, "u", "tablet")
		require.NoError(t, err)
		require.Equal(t, EvictOutcomeNotFound, second.Outcome)

		missing, err := svc.Evict(ctx, "u", "never-seen")
		require.NoError(t, err)
		require.Equal(t, EvictOutcomeNotFound, missing.Outcome)
	})
}

func TestLogout_RevokesAndNeverFails(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		notes := &recordingNotifier{}
		svc, _ := newTestService(t, store, testConfig(1), WithNotifier(notes))

		_, err := svc.Login(ctx, "u", "desk")
		require.NoError(t, err)
		require.NoError(t, svc.Logout(ctx, "u", "desk"))
		require.NoError(t, svc.Logout(ctx, "u", "desk"))
		require.NoError(t, svc.Logout(ctx, "u", "ghost"))

		hb, err := svc.Heartbeat(ctx, "u", "desk")
		require.NoError(t, err)
		require.False(t, hb.StillActive())
		require.Equal(t, StatusRevoked, hb.Status)

		res, err := svc.Login(ctx, "u", "desk")
		require.NoError(t, err)
		require.Equal(t, OutcomeAlreadyTerminated, res.Outcome)
		require.Equal(t, StatusRevoked, res.Session.Status)

		// The slot is free for a new device.
		res, err = svc.Login(ctx, "u", "desk-2")
		require.NoError(t, err)
		require.Equal(t, OutcomeAdmitted, res.Outcome)

		events := notes.Events()
		require.Len(t, events, 1)
		require.Equal(t, ReasonLogout, events[0].Reason)
		require.Equal(t, StatusRevoked, events[0].Status)
	})
}

func TestHeartbeat_TracksLastSeen(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc, clock := newTestService(t, store, testConfig(1))

		res, err := svc.Login(ctx, "u", "d")
		require.NoError(t, err)

		clock.Advance(time.Minute)
		hb, err := svc.Heartbeat(ctx, "u", "d")
		require.NoError(t, err)
		require.True(t, hb.StillActive())

		rows, err := svc.ListActive(ctx, "u")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.True(t, rows[0].LastSeenAt.After(res.Session.LastSeenAt.Add(59*time.Second)))

		hb, err = svc.Heartbeat(ctx, "u", "unknown")
		require.NoError(t, err)
		require.False(t, hb.StillActive())
		require.Empty(t, hb.Status)
	})
}

func TestHeartbeat_ConcurrentWithEvictionNeverReportsStale(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc, _ := newTestService(t, store, testConfig(2))

		_, err := svc.Login(ctx, "u", "victim")
		require.NoError(t, err)

		var wg sync.WaitGroup
		stop := make(chan struct{})
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					if _, err := svc.Heartbeat(ctx, "u", "victim"); err != nil {
						t.Errorf("Heartbeat: %v", err)
						return
					}
				}
			}()
		}

		ev, err := svc.Evict(ctx, "u", "victim")
		require.NoError(t, err)
		require.Equal(t, EvictOutcomeEvicted, ev.Outcome)

		// Any heartbeat that starts after the eviction returned must see it.
		for i := 0; i < 50; i++ {
			hb, err := svc.Heartbeat(ctx, "u", "victim")
			require.NoError(t, err)
			require.False(t, hb.StillActive())
		}
		close(stop)
		wg.Wait()
	})
}

func TestRevokeAll_BlocksInterleavedAdmission(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(), testConfig(3))

	for _, dev := range []string{"a", "b", "c"} {
		_, err := svc.Login(ctx, "u", dev)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var revoked int
	var late LoginResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := svc.RevokeAll(ctx, "u")
		if err != nil {
			t.Errorf("RevokeAll: %v", err)
		}
		revoked = n
	}()
	go func() {
		defer wg.Done()
		res, err := svc.Login(ctx, "u", "late")
		if err != nil {
			t.Errorf("Login: %v", err)
		}
		late = res
	}()
	wg.Wait()

	n, err := svc.ActiveCount(ctx, "u")
	require.NoError(t, err)

	// Either the login ran first (refused, all three revoked) or after (admitted, survives).
	switch late.Outcome {
	case OutcomeLimitExceeded:
		require.Equal(t, 3, revoked)
		require.Zero(t, n)
	case OutcomeAdmitted:
		require.Equal(t, 3, revoked)
		require.Equal(t, 1, n)
	default:
		t.Fatalf("unexpected outcome %v", late.Outcome)
	}
}

func TestService_InvalidInputRejectedBeforeStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t, failingStore{err: errors.New("must not be called")}, testConfig(3))

	cases := []struct {
		name string
		call func() error
	}{
		{"login empty device", func() error { _, err := svc.Login(ctx, "u", " "); return err }},
		{"login empty user", func() error { _, err := svc.Login(ctx, "", "d"); return err }},
		{"login control char", func() error { _, err := svc.Login(ctx, "u", "d\x01x"); return err }},
		{"evict empty device", func() error { _, err := svc.Evict(ctx, "u", ""); return err }},
		{"revoke all empty user", func() error { _, err := svc.RevokeAll(ctx, ""); return err }},
		{"logout empty device", func() error { return svc.Logout(ctx, "u", "") }},
		{"heartbeat empty device", func() error { _, err := svc.Heartbeat(ctx, "u", ""); return err }},
		{"active count empty user", func() error { _, err := svc.ActiveCount(ctx, "\t"); return err }},
		{"login too long", func() error { _, err := svc.Login(ctx, "u", strings.Repeat("x", 257)); return err }},
	}
	for _, tc := range cases {
		err := tc.call()
		require.Error(t, err, tc.name)
		require.True(t, IsInvalidInput(err), tc.name)
		require.False(t, IsStoreUnavailable(err), tc.name)
		var oe *OpError
		require.ErrorAs(t, err, &oe, tc.name)
	}
}

func TestService_StoreFailureIsRetryableAndAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cause := errors.New("connection refused")
	svc, _ := newTestService(t, failingStore{err: cause}, testConfig(3))

	_, err := svc.Login(ctx, "u", "d")
	require.True(t, IsStoreUnavailable(err))
	require.ErrorIs(t, err, cause)

	_, err = svc.Heartbeat(ctx, "u", "d")
	require.True(t, IsStoreUnavailable(err))

	_, err = svc.RevokeAll(ctx, "u")
	require.True(t, IsStoreUnavailable(err))
}

func TestService_CancelledUnitCommitsNothing(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store Store) {
		svc, _ := newTestService(t, store, testConfig(3))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := svc.Login(ctx, "u", "d")
		require.True(t, IsStoreUnavailable(err))
		require.ErrorIs(t, err, context.Canceled)

		n, err := svc.ActiveCount(context.Background(), "u")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestService_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(), testConfig(1), WithMetrics(m))

	_, err = svc.Login(ctx, "u", "a")
	require.NoError(t, err)
	_, err = svc.Login(ctx, "u", "b")
	require.NoError(t, err)
	_, err = svc.Evict(ctx, "u", "a")
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, "u", "a")
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("limit_exceeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.endings.WithLabelValues("evicted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.heartbeats.WithLabelValues("signed_out")))

	_, err = NewMetrics(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestNewService_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(0)
	_, err := NewService(cfg, NewMemoryStore())
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewService(testConfig(1), nil)
	require.Error(t, err)
}

type failingStore struct{ err error }

func (f failingStore) Update(context.Context, string, func(Tx) error) error { return f.err }
func (f failingStore) View(context.Context, string, func(Tx) error) error   { return f.err }
func (f failingStore) IdleUsers(context.Context, time.Time, int) ([]string, error) {
	return nil, f.err
}
func (f failingStore) Ping(context.Context) error { return f.err }
func (f failingStore) Close() error               { return nil }
