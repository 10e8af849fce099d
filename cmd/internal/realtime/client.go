package realtime

import (
	"sync"

	v1 "devicecap/contracts/realtime/v1"
)

// Client is one connected device push channel.
//
// Send is never closed by the server so concurrent notifiers cannot panic.
// done signals the connection goroutines to stop. Close is idempotent.
type Client struct {
	ConnID   string
	UserID   string
	DeviceID string
	Send     chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID, userID, deviceID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 8
	}
	return &Client{
		ConnID:   connID,
		UserID:   userID,
		DeviceID: deviceID,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
