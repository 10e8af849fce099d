package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Every read advances the clock so created_at ordering is strict.
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) SessionEnded(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(maxDevices int) Config {
	cfg := DefaultConfig()
	cfg.MaxDevices = maxDevices
	return cfg
}

func newTestService(t *testing.T, store Store, cfg Config, opts ...Option) (*Service, *testClock) {
	t.Helper()
	clock := newTestClock()
	base := []Option{WithClock(clock.Now), WithLogger(discardLogger())}
	svc, err := NewService(cfg, store, append(base, opts...)...)
	require.NoError(t, err)
	return svc, clock
}

func deviceIDs(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.DeviceID)
	}
	return out
}
