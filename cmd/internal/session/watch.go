package session

import (
	"context"
	"time"
)

// CheckFunc performs one heartbeat and reports whether the session is still active.
type CheckFunc func(ctx context.Context) (stillActive bool, err error)

// HeartbeatCheck binds a Monitor to one device for use with Watch.
func HeartbeatCheck(m Monitor, userID, deviceID string) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		res, err := m.Heartbeat(ctx, userID, deviceID)
		if err != nil {
			return true, err
		}
		return res.StillActive(), nil
	}
}

// Watch polls check every interval and returns nil at the first poll that
// reports the session is no longer active, or ctx.Err() when ctx ends.
//
// The first poll happens one interval after the call. Failed polls are
// reported to onError (if set) and polling continues, so a committed eviction
// is noticed at most one interval plus one round trip after it happened.
func Watch(ctx context.Context, interval time.Duration, check CheckFunc, onError func(error)) error {
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			active, err := check(ctx)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !active {
				return nil
			}
		}
	}
}
