package session

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Heartbeat reports whether deviceID still holds an active session and, if
// so, records the contact in LastSeenAt.
//
// Terminated and unknown devices are answered from a read-only View and never
// take the user's write lock. For active devices the touch re-checks the
// status inside the unit, so a heartbeat that races a committed eviction
// reports HeartbeatSignedOut.
func (s *Service) Heartbeat(ctx context.Context, userID, deviceID string) (res HeartbeatResult, err error) {
	const op = "session.heartbeat"
	start := time.Now()
	defer s.metrics.observe(op, start)

	userID, deviceID, err = s.normalizeKey(op, userID, deviceID)
	if err != nil {
		return HeartbeatResult{}, err
	}

	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err, attribute.String("session.outcome", res.Outcome.String())) }()

	var current Row
	found := true
	err = s.store.View(ctx, userID, func(tx Tx) error {
		r, err := tx.Get(ctx, deviceID)
		if errors.Is(err, ErrSessionNotFound) {
			found = false
			return nil
		}
		current = r
		return err
	})
	if err != nil {
		return HeartbeatResult{}, s.storeFailure(ctx, op, err)
	}

	if !found || !current.Active() {
		res = HeartbeatResult{Outcome: HeartbeatSignedOut, Status: current.Status}
		s.metrics.heartbeat(res.Outcome)
		s.log.DebugContext(ctx, op, "user_id", userID, "device_id", deviceID, "outcome", res.Outcome.String(), "status", string(current.Status))
		return res, nil
	}

	now := s.clock()
	err = s.store.Update(ctx, userID, func(tx Tx) error {
		r, err := tx.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if !r.Active() {
			res = HeartbeatResult{Outcome: HeartbeatSignedOut, Status: r.Status}
			return nil
		}
		res = HeartbeatResult{Outcome: HeartbeatActive, Status: StatusActive}
		return tx.Touch(ctx, deviceID, now)
	})
	if err != nil {
		return HeartbeatResult{}, s.storeFailure(ctx, op, err)
	}

	s.metrics.heartbeat(res.Outcome)
	s.log.DebugContext(ctx, op, "user_id", userID, "device_id", deviceID, "outcome", res.Outcome.String())
	return res, nil
}

// ActiveCount returns the number of active sessions for userID from committed state.
func (s *Service) ActiveCount(ctx context.Context, userID string) (n int, err error) {
	const op = "session.active_count"
	userID, err = s.normalizeID(op, "user id", userID)
	if err != nil {
		return 0, err
	}

	err = s.store.View(ctx, userID, func(tx Tx) error {
		c, err := tx.CountActive(ctx)
		n = c
		return err
	})
	if err != nil {
		return 0, s.storeFailure(ctx, op, err)
	}
	return n, nil
}

// ListActive returns the user's active sessions, oldest first.
func (s *Service) ListActive(ctx context.Context, userID string) (rows []Row, err error) {
	const op = "session.list_active"
	userID, err = s.normalizeID(op, "user id", userID)
	if err != nil {
		return nil, err
	}

	err = s.store.View(ctx, userID, func(tx Tx) error {
		r, err := tx.ListActive(ctx)
		rows = r
		return err
	})
	if err != nil {
		return nil, s.storeFailure(ctx, op, err)
	}
	return rows, nil
}
