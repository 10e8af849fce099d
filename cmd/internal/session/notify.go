package session

import (
	"context"
	"time"
)

// Event describes a committed transition out of the active state.
type Event struct {
	UserID    string
	DeviceID  string
	SessionID string
	Status    Status
	Reason    EndReason
	At        time.Time
}

// Notifier is told about terminated sessions after the owning unit commits.
// Implementations must not block; delivery is best effort and heartbeat
// polling remains the authoritative signal.
type Notifier interface {
	SessionEnded(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

// SessionEnded implements Notifier.
func (f NotifierFunc) SessionEnded(ctx context.Context, ev Event) { f(ctx, ev) }

// Notifiers fans one event out to every member in order. Nil members are skipped.
type Notifiers []Notifier

// SessionEnded implements Notifier.
func (ns Notifiers) SessionEnded(ctx context.Context, ev Event) {
	for _, n := range ns {
		if n != nil {
			n.SessionEnded(ctx, ev)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) SessionEnded(context.Context, Event) {}

func eventFor(r Row) Event {
	ev := Event{
		UserID:    r.UserID,
		DeviceID:  r.DeviceID,
		SessionID: r.ID,
		Status:    r.Status,
		Reason:    r.EndReason,
	}
	if r.EndedAt != nil {
		ev.At = *r.EndedAt
	}
	return ev
}
