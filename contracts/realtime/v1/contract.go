// Package v1 defines the devicecap session push protocol v1.
//
// It is shared between the server and clients so the wire format stays
// authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this version.
const Subprotocol = "devicecap.sessions.v1"

// Type constants (wire-stable).
const (
	// TypeHello is an optional client greeting (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the device is registered for push (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionRevoked tells a device its session ended (server -> client).
	// The server closes the connection right after sending it.
	TypeSessionRevoked = "session_revoked"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Close code sent after session_revoked. 4000-4999 is reserved for applications.
const CloseSessionRevoked = 4001

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeSessionRevoked, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloAckPayload identifies the registered connection.
type HelloAckPayload struct {
	ConnectionID        string `json:"connection_id"`
	DeviceID            string `json:"device_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms,omitempty"`
}

// SessionRevokedPayload describes why the device lost its slot.
type SessionRevokedPayload struct {
	DeviceID string    `json:"device_id"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at,omitzero"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
