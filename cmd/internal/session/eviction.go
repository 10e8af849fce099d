package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Evict moves the device's session to evicted if it is active.
// Evicting an absent or already terminated session reports EvictOutcomeNotFound.
func (s *Service) Evict(ctx context.Context, userID, deviceID string) (res EvictResult, err error) {
	const op = "session.evict"
	start := time.Now()
	defer s.metrics.observe(op, start)

	userID, deviceID, err = s.normalizeKey(op, userID, deviceID)
	if err != nil {
		return EvictResult{}, err
	}

	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err, attribute.String("session.outcome", res.Outcome.String())) }()

	now := s.clock()
	err = s.store.Update(ctx, userID, func(tx Tx) error {
		res = EvictResult{Outcome: EvictOutcomeNotFound}
		ended, err := tx.End(ctx, deviceID, StatusEvicted, ReasonEvicted, now)
		if err != nil || !ended {
			return err
		}
		row, err := tx.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		res = EvictResult{Outcome: EvictOutcomeEvicted, Session: row}
		return nil
	})
	if err != nil {
		return EvictResult{}, s.storeFailure(ctx, op, err)
	}

	if res.Outcome == EvictOutcomeEvicted {
		s.metrics.ended(ReasonEvicted, 1)
		s.notify(ctx, []Row{res.Session})
	}
	s.log.InfoContext(ctx, op, "user_id", userID, "device_id", deviceID, "outcome", res.Outcome.String())
	return res, nil
}

// RevokeAll evicts every active session of userID and returns how many were ended.
//
// The snapshot and the marking happen inside one Store unit, so no login for
// the user can be admitted in between; a login that commits afterwards is a
// new session and is not affected.
func (s *Service) RevokeAll(ctx context.Context, userID string) (n int, err error) {
	const op = "session.revoke_all"
	start := time.Now()
	defer s.metrics.observe(op, start)

	userID, err = s.normalizeID(op, "user id", userID)
	if err != nil {
		return 0, err
	}

	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err, attribute.Int("session.ended", n)) }()

	now := s.clock()
	var ended []Row
	err = s.store.Update(ctx, userID, func(tx Tx) error {
		rows, err := tx.EndAllActive(ctx, StatusEvicted, ReasonRevokeAll, now)
		if err != nil {
			return err
		}
		ended = rows
		return nil
	})
	if err != nil {
		return 0, s.storeFailure(ctx, op, err)
	}

	s.metrics.ended(ReasonRevokeAll, len(ended))
	s.notify(ctx, ended)
	s.log.InfoContext(ctx, op, "user_id", userID, "ended", len(ended))
	return len(ended), nil
}

// Logout revokes the device's own session. It succeeds whether or not the
// session exists or is still active.
func (s *Service) Logout(ctx context.Context, userID, deviceID string) (err error) {
	const op = "session.logout"
	start := time.Now()
	defer s.metrics.observe(op, start)

	userID, deviceID, err = s.normalizeKey(op, userID, deviceID)
	if err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, op)
	var revoked bool
	defer func() { endSpan(span, err, attribute.Bool("session.revoked", revoked)) }()

	now := s.clock()
	var row Row
	err = s.store.Update(ctx, userID, func(tx Tx) error {
		ended, err := tx.End(ctx, deviceID, StatusRevoked, ReasonLogout, now)
		if err != nil || !ended {
			revoked = false
			return err
		}
		row, err = tx.Get(ctx, deviceID)
		revoked = err == nil
		return err
	})
	if err != nil {
		return s.storeFailure(ctx, op, err)
	}

	if revoked {
		s.metrics.ended(ReasonLogout, 1)
		s.notify(ctx, []Row{row})
	}
	s.log.InfoContext(ctx, op, "user_id", userID, "device_id", deviceID, "revoked", revoked)
	return nil
}
