package session

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each user has its own lock; mutations are
// staged on a copy of the user's rows and swapped in only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memUser
}

type memUser struct {
	mu   sync.RWMutex
	rows map[string]Row
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memUser)}
}

func (s *MemoryStore) user(userID string) *memUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &memUser{rows: make(map[string]Row)}
		s.users[userID] = u
	}
	return u
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	tx := &memTx{userID: userID, rows: maps.Clone(u.rows), writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	// A cancelled caller must not observe a half-decided unit as committed.
	if err := ctx.Err(); err != nil {
		return err
	}
	u.rows = tx.rows
	return nil
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		// Reads never allocate per-user state.
		return fn(&memTx{userID: userID})
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	return fn(&memTx{userID: userID, rows: u.rows})
}

// IdleUsers implements Store.
func (s *MemoryStore) IdleUsers(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	users := make(map[string]*memUser, len(s.users))
	maps.Copy(users, s.users)
	s.mu.Unlock()

	var out []string
	for id, u := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		u.mu.RLock()
		for _, r := range u.rows {
			if r.Active() && r.LastSeenAt.Before(cutoff) {
				out = append(out, id)
				break
			}
		}
		u.mu.RUnlock()
	}
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	userID   string
	rows     map[string]Row
	writable bool
}

func (t *memTx) Get(_ context.Context, deviceID string) (Row, error) {
	r, ok := t.rows[deviceID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return r, nil
}

func (t *memTx) ListActive(_ context.Context) ([]Row, error) {
	out := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		if r.Active() {
			out = append(out, r)
		}
	}
	sortActive(out)
	return out, nil
}

func (t *memTx) CountActive(_ context.Context) (int, error) {
	n := 0
	for _, r := range t.rows {
		if r.Active() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) Insert(_ context.Context, row Row) error {
	if !t.writable {
		return ErrReadOnly
	}
	if _, exists := t.rows[row.DeviceID]; exists {
		return ErrSessionExists
	}
	row.UserID = t.userID
	t.rows[row.DeviceID] = row
	return nil
}

func (t *memTx) Touch(_ context.Context, deviceID string, at time.Time) error {
	if !t.writable {
		return ErrReadOnly
	}
	r, ok := t.rows[deviceID]
	if !ok || !r.Active() {
		return nil
	}
	r.LastSeenAt = laterOf(r.LastSeenAt, at)
	t.rows[deviceID] = r
	return nil
}

func (t *memTx) End(_ context.Context, deviceID string, status Status, reason EndReason, at time.Time) (bool, error) {
	if !t.writable {
		return false, ErrReadOnly
	}
	r, ok := t.rows[deviceID]
	if !ok || !r.Active() {
		return false, nil
	}
	t.rows[deviceID] = endRow(r, status, reason, at)
	return true, nil
}

func (t *memTx) EndAllActive(_ context.Context, status Status, reason EndReason, at time.Time) ([]Row, error) {
	return t.endWhere(func(Row) bool { return true }, status, reason, at)
}

func (t *memTx) EndIdle(_ context.Context, cutoff time.Time, status Status, reason EndReason, at time.Time) ([]Row, error) {
	return t.endWhere(func(r Row) bool { return r.LastSeenAt.Before(cutoff) }, status, reason, at)
}

func (t *memTx) endWhere(match func(Row) bool, status Status, reason EndReason, at time.Time) ([]Row, error) {
	if !t.writable {
		return nil, ErrReadOnly
	}
	var ended []Row
	for id, r := range t.rows {
		if !r.Active() || !match(r) {
			continue
		}
		r = endRow(r, status, reason, at)
		t.rows[id] = r
		ended = append(ended, r)
	}
	sortActive(ended)
	return ended, nil
}
