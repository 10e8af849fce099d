package session

import (
	"context"
	"errors"
	"time"

	"devicecap/cmd/internal/ids"

	"go.opentelemetry.io/otel/attribute"
)

// Login admits deviceID for userID if the user is below their limit.
//
// The read of the device's row, the active count, and the insert run in one
// Store unit, so concurrent logins for the same user can never admit more
// than Limit(userID) devices. A device that already holds an active session
// is admitted again without consuming a slot; a device whose session was
// evicted or revoked is answered with OutcomeAlreadyTerminated and no state
// changes.
func (s *Service) Login(ctx context.Context, userID, deviceID string) (res LoginResult, err error) {
	const op = "session.login"
	start := time.Now()
	defer s.metrics.observe(op, start)

	userID, deviceID, err = s.normalizeKey(op, userID, deviceID)
	if err != nil {
		return LoginResult{}, err
	}

	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err, attribute.String("session.outcome", res.Outcome.String())) }()

	limit := s.limits.Limit(userID)
	now := s.clock()

	err = s.store.Update(ctx, userID, func(tx Tx) error {
		r, err := admit(ctx, tx, userID, deviceID, limit, now)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return LoginResult{}, s.storeFailure(ctx, op, err)
	}

	s.metrics.login(res.Outcome)
	s.log.InfoContext(ctx, op,
		"user_id", userID,
		"device_id", deviceID,
		"outcome", res.Outcome.String(),
		"resumed", res.Resumed,
		"active_count", res.ActiveCount,
		"limit", limit,
	)
	return res, nil
}

func admit(ctx context.Context, tx Tx, userID, deviceID string, limit int, now time.Time) (LoginResult, error) {
	res := LoginResult{Limit: limit}

	existing, err := tx.Get(ctx, deviceID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		return admitNew(ctx, tx, userID, deviceID, limit, now)
	default:
		return LoginResult{}, err
	}

	if existing.Status.Terminal() {
		res.Outcome = OutcomeAlreadyTerminated
		res.Session = existing
	} else {
		if err := tx.Touch(ctx, deviceID, now); err != nil {
			return LoginResult{}, err
		}
		existing.LastSeenAt = laterOf(existing.LastSeenAt, now)
		res.Outcome = OutcomeAdmitted
		res.Session = existing
		res.Resumed = true
	}

	active, err := tx.ListActive(ctx)
	if err != nil {
		return LoginResult{}, err
	}
	res.ActiveSessions = active
	res.ActiveCount = len(active)
	return res, nil
}

func admitNew(ctx context.Context, tx Tx, userID, deviceID string, limit int, now time.Time) (LoginResult, error) {
	active, err := tx.ListActive(ctx)
	if err != nil {
		return LoginResult{}, err
	}

	if len(active) >= limit {
		return LoginResult{
			Outcome:        OutcomeLimitExceeded,
			ActiveCount:    len(active),
			ActiveSessions: active,
			Limit:          limit,
		}, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return LoginResult{}, err
	}
	row := Row{
		ID:         id,
		UserID:     userID,
		DeviceID:   deviceID,
		Status:     StatusActive,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := tx.Insert(ctx, row); err != nil {
		return LoginResult{}, err
	}

	active = append(active, row)
	sortActive(active)
	return LoginResult{
		Outcome:        OutcomeAdmitted,
		Session:        row,
		ActiveCount:    len(active),
		ActiveSessions: active,
		Limit:          limit,
	}, nil
}
