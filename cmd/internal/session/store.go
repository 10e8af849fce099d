package session

import (
	"context"
	"slices"
	"time"
)

// Store persists session rows and provides the per-user atomic unit.
//
// Update runs fn with exclusive access to one user's rows: no other Update for
// the same user interleaves with it, and different users never block each
// other. Either every mutation made by fn commits or none does. View runs fn
// against the last committed state; mutating calls fail with ErrReadOnly.
type Store interface {
	Update(ctx context.Context, userID string, fn func(tx Tx) error) error
	View(ctx context.Context, userID string, fn func(tx Tx) error) error

	// IdleUsers lists users owning at least one active session last seen before cutoff.
	IdleUsers(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of one user's rows inside a Store unit.
type Tx interface {
	// Get returns the row for deviceID or ErrSessionNotFound.
	Get(ctx context.Context, deviceID string) (Row, error)

	// ListActive returns active rows ordered by CreatedAt, then ID.
	ListActive(ctx context.Context) ([]Row, error)

	CountActive(ctx context.Context) (int, error)

	// Insert adds a new row. The pair must not exist yet.
	Insert(ctx context.Context, row Row) error

	// Touch moves LastSeenAt forward to at if the row is active. It never moves it backwards.
	Touch(ctx context.Context, deviceID string, at time.Time) error

	// End moves an active row to status and reports whether a transition happened.
	End(ctx context.Context, deviceID string, status Status, reason EndReason, at time.Time) (bool, error)

	// EndAllActive ends every active row and returns them as they were ended.
	EndAllActive(ctx context.Context, status Status, reason EndReason, at time.Time) ([]Row, error)

	// EndIdle ends active rows last seen before cutoff and returns them.
	EndIdle(ctx context.Context, cutoff time.Time, status Status, reason EndReason, at time.Time) ([]Row, error)
}

func sortActive(rows []Row) {
	slices.SortFunc(rows, func(a, b Row) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func endRow(r Row, status Status, reason EndReason, at time.Time) Row {
	ended := at
	r.Status = status
	r.EndedAt = &ended
	r.EndReason = reason
	return r
}
