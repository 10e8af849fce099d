package session

import (
	"context"
	"time"
)

// ReclaimIdle evicts active sessions whose last heartbeat is older than
// Config.IdleTTL and returns how many were ended. It is a no-op when IdleTTL
// is zero. Each affected user is handled in its own Store unit, so a sweep
// never holds more than one user's lock at a time.
func (s *Service) ReclaimIdle(ctx context.Context) (int, error) {
	const op = "session.reclaim_idle"
	if s.cfg.IdleTTL <= 0 {
		return 0, nil
	}
	start := time.Now()
	defer s.metrics.observe(op, start)

	ctx, span := s.startSpan(ctx, op)
	var err error
	defer func() { endSpan(span, err) }()

	now := s.clock()
	cutoff := now.Add(-s.cfg.IdleTTL)

	users, err := s.store.IdleUsers(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		err = s.storeFailure(ctx, op, err)
		return 0, err
	}

	total := 0
	for _, userID := range users {
		var ended []Row
		uerr := s.store.Update(ctx, userID, func(tx Tx) error {
			rows, err := tx.EndIdle(ctx, cutoff, StatusEvicted, ReasonIdle, now)
			ended = rows
			return err
		})
		if uerr != nil {
			err = s.storeFailure(ctx, op, uerr)
			return total, err
		}
		total += len(ended)
		s.metrics.ended(ReasonIdle, len(ended))
		s.notify(ctx, ended)
		for _, r := range ended {
			s.log.InfoContext(ctx, op+".evicted",
				"user_id", r.UserID,
				"device_id", r.DeviceID,
				"last_seen_at", r.LastSeenAt,
			)
		}
	}
	return total, nil
}

// RunSweeper calls ReclaimIdle every interval until ctx is done.
// It returns immediately when idle reclamation is disabled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if s.cfg.IdleTTL <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = s.cfg.SweepInterval
	}

	s.log.Info("session.sweeper.start", "interval", interval, "idle_ttl", s.cfg.IdleTTL)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session.sweeper.stop")
			return nil
		case <-ticker.C:
			n, err := s.ReclaimIdle(ctx)
			if err != nil {
				s.log.Error("session.sweeper.fail", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("session.sweeper.pass", "ended", n)
			}
		}
	}
}
