package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a session row.
type Status string

const (
	// StatusActive counts toward the per-user limit.
	StatusActive Status = "active"
	// StatusEvicted is set when another device (or the idle sweeper) removed the session.
	StatusEvicted Status = "evicted"
	// StatusRevoked is set when the device signed itself out.
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusEvicted, StatusRevoked:
		return true
	default:
		return false
	}
}

// Terminal reports whether s can never transition again.
func (s Status) Terminal() bool {
	return s == StatusEvicted || s == StatusRevoked
}

// ParseStatus parses a persisted status value.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("session: unknown status %q", v)
	}
	return s, nil
}

// EndReason records why a session left the active state. Diagnostic only.
type EndReason string

const (
	ReasonEvicted   EndReason = "evicted"
	ReasonRevokeAll EndReason = "revoke_all"
	ReasonLogout    EndReason = "logout"
	ReasonIdle      EndReason = "idle_timeout"
)

// Row is one persisted session, unique per (UserID, DeviceID).
type Row struct {
	ID         string
	UserID     string
	DeviceID   string
	Status     Status
	CreatedAt  time.Time
	LastSeenAt time.Time
	EndedAt    *time.Time
	EndReason  EndReason
}

// Active reports whether the row counts toward the limit.
func (r Row) Active() bool { return r.Status == StatusActive }

// Outcome is the result of a login attempt.
type Outcome uint8

const (
	OutcomeAdmitted Outcome = iota + 1
	OutcomeLimitExceeded
	OutcomeAlreadyTerminated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "ok"
	case OutcomeLimitExceeded:
		return "limit_exceeded"
	case OutcomeAlreadyTerminated:
		return "already_terminated"
	default:
		return "unknown"
	}
}

// EvictOutcome is the result of an eviction request.
type EvictOutcome uint8

const (
	EvictOutcomeEvicted EvictOutcome = iota + 1
	EvictOutcomeNotFound
)

func (o EvictOutcome) String() string {
	switch o {
	case EvictOutcomeEvicted:
		return "evicted"
	case EvictOutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// HeartbeatOutcome tells a device whether it may keep going.
type HeartbeatOutcome uint8

const (
	HeartbeatActive HeartbeatOutcome = iota + 1
	HeartbeatSignedOut
)

func (o HeartbeatOutcome) String() string {
	switch o {
	case HeartbeatActive:
		return "active"
	case HeartbeatSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// LoginResult is returned by Login for every non-error outcome.
//
// ActiveSessions lists the user's active sessions ordered by CreatedAt (oldest
// first). For OutcomeLimitExceeded it is the candidate list for eviction.
type LoginResult struct {
	Outcome        Outcome
	Session        Row
	Resumed        bool
	ActiveCount    int
	ActiveSessions []Row
	Limit          int
}

// EvictResult is returned by Evict.
type EvictResult struct {
	Outcome EvictOutcome
	Session Row
}

// HeartbeatResult is returned by Heartbeat.
// Status is empty when the device never had a session.
type HeartbeatResult struct {
	Outcome HeartbeatOutcome
	Status  Status
}

// StillActive reports whether the device keeps its slot.
func (r HeartbeatResult) StillActive() bool { return r.Outcome == HeartbeatActive }
