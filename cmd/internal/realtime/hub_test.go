package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"devicecap/cmd/internal/session"
	v1 "devicecap/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_SessionEndedTargetsDevice(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	h := NewHub(discardLogger(), m)

	a := NewClient("c1", "u1", "A", 4)
	a2 := NewClient("c2", "u1", "A", 4)
	b := NewClient("c3", "u1", "B", 4)
	other := NewClient("c4", "u2", "A", 4)
	for _, c := range []*Client{a, a2, b, other} {
		h.Register(c)
	}
	assert.Equal(t, 2, h.Connections("u1", "A"))
	assert.InDelta(t, 4, testutil.ToFloat64(m.connections), 0)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.SessionEnded(context.Background(), session.Event{
		UserID:   "u1",
		DeviceID: "A",
		Status:   session.StatusEvicted,
		Reason:   session.ReasonEvicted,
		At:       at,
	})

	for _, c := range []*Client{a, a2} {
		require.Len(t, c.Send, 1)
		env := <-c.Send
		require.NoError(t, env.Validate())
		assert.Equal(t, v1.TypeSessionRevoked, env.Type)

		var p v1.SessionRevokedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, "A", p.DeviceID)
		assert.Equal(t, "evicted", p.Status)
		assert.Equal(t, "evicted", p.Reason)
		assert.True(t, at.Equal(p.At))
	}
	assert.Empty(t, b.Send)
	assert.Empty(t, other.Send)
	assert.InDelta(t, 2, testutil.ToFloat64(m.pushes.WithLabelValues("delivered")), 0)

	h.Unregister(a)
	h.Unregister(a)
	assert.Equal(t, 1, h.Connections("u1", "A"))
	assert.InDelta(t, 3, testutil.ToFloat64(m.connections), 0)
}

func TestHub_FullQueueClosesClient(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger(), nil)
	c := NewClient("c1", "u1", "A", 1)
	h.Register(c)
	require.True(t, c.offer(v1.Envelope{V: v1.Version, Type: v1.TypeHelloAck}))

	h.SessionEnded(context.Background(), session.Event{UserID: "u1", DeviceID: "A", Status: session.StatusRevoked})

	select {
	case <-c.Done():
	default:
		t.Fatal("client with a full queue must be closed")
	}
	assert.False(t, c.offer(v1.Envelope{}))
}

func TestHub_NoConnectionsIsNoop(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	h.SessionEnded(context.Background(), session.Event{UserID: "u1", DeviceID: "A"})
	assert.Zero(t, h.Connections("u1", "A"))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Unix(1000, 0)

	for i := range 3 {
		assert.True(t, rl.Allow(base.Add(time.Duration(i)*time.Millisecond)), "event %d", i)
	}
	assert.False(t, rl.Allow(base.Add(500*time.Millisecond)))
	assert.True(t, rl.Allow(base.Add(time.Second)))
	assert.False(t, rl.Allow(base.Add(time.Second)))
	assert.True(t, rl.Allow(base.Add(time.Second+time.Millisecond)))
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "localhost", originHostOnly("http://LOCALHOST:3000"))
	assert.Equal(t, "example.com", originHostOnly("example.com:443"))
	assert.Equal(t, []string{"127.0.0.1", "localhost"},
		deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost", "http://127.0.0.1", "https://localhost:8443", "*"}))

	g := &WSGateway{cfg: GatewayConfig{OriginRequired: true, AllowedOrigins: []string{"http://localhost"}}}
	for origin, ok := range map[string]bool{
		"":                        false,
		"http://localhost:5173":   true,
		"https://evil.example":    false,
		"http://localhost.evil.x": false,
	} {
		r := &http.Request{Header: http.Header{}}
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, ok, g.enforceOrigin(r) == nil, "origin %q", origin)
	}
}
