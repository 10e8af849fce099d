package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"devicecap/cmd/internal/session"
	v1 "devicecap/contracts/realtime/v1"
)

type deviceKey struct {
	userID   string
	deviceID string
}

// Hub tracks live push connections per (user, device) and implements
// session.Notifier so committed endings reach the device immediately.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	clients map[deviceKey]map[string]*Client
}

var _ session.Notifier = (*Hub)(nil)

// NewHub constructs a Hub. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		clients: make(map[deviceKey]map[string]*Client),
	}
}

// Register adds c to the hub.
func (h *Hub) Register(c *Client) {
	k := deviceKey{userID: c.UserID, deviceID: c.DeviceID}

	h.mu.Lock()
	conns, ok := h.clients[k]
	if !ok {
		conns = make(map[string]*Client)
		h.clients[k] = conns
	}
	conns[c.ConnID] = c
	h.mu.Unlock()

	h.metrics.connected(1)
}

// Unregister removes c. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	k := deviceKey{userID: c.UserID, deviceID: c.DeviceID}

	h.mu.Lock()
	conns := h.clients[k]
	_, ok := conns[c.ConnID]
	if ok {
		delete(conns, c.ConnID)
		if len(conns) == 0 {
			delete(h.clients, k)
		}
	}
	h.mu.Unlock()

	if ok {
		h.metrics.connected(-1)
	}
}

// Connections returns the number of live connections for the device.
func (h *Hub) Connections(userID, deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deviceKey{userID: userID, deviceID: deviceID}])
}

// SessionEnded pushes session_revoked to every connection of the device.
// A client whose queue is full is closed instead; it will find out on its
// next heartbeat.
func (h *Hub) SessionEnded(_ context.Context, ev session.Event) {
	h.mu.RLock()
	conns := h.clients[deviceKey{userID: ev.UserID, deviceID: ev.DeviceID}]
	targets := make([]*Client, 0, len(conns))
	for _, c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	env := revokedEnvelope(ev.DeviceID, string(ev.Status), string(ev.Reason), ev.At)
	for _, c := range targets {
		if c.offer(env) {
			h.metrics.pushed("delivered")
			continue
		}
		h.metrics.pushed("dropped")
		h.log.Info("ws.push.drop", "conn_id", c.ConnID, "user_id", c.UserID, "device_id", c.DeviceID)
		c.Close()
	}
}

func revokedEnvelope(deviceID, status, reason string, at time.Time) v1.Envelope {
	p, _ := json.Marshal(v1.SessionRevokedPayload{
		DeviceID: deviceID,
		Status:   status,
		Reason:   reason,
		At:       at,
	})
	return newEnvelope(v1.TypeSessionRevoked, p, time.Now().UTC())
}
