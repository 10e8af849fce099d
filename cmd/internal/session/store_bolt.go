package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var boltSessionsBucket = []byte("sessions")

// BoltStore implements Store on a single bbolt file.
//
// Rows live in sessions/<user_id>/<device_id>. bbolt allows one writer per
// file, so Update units for different users are serialized as well; this
// backend suits single-node deployments. Use PostgresStore to scale writers.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore wraps an open bbolt database and ensures the root bucket exists.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, errors.New("session: nil bolt db")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltSessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// OpenBoltStore opens (or creates) a bbolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBoltStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Update implements Store. bbolt rolls the transaction back when fn fails.
func (s *BoltStore) Update(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		b, err := btx.Bucket(boltSessionsBucket).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		if err := fn(&boltTx{userID: userID, b: b, writable: true}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// View implements Store.
func (s *BoltStore) View(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{userID: userID, b: btx.Bucket(boltSessionsBucket).Bucket([]byte(userID))})
	})
}

// IdleUsers implements Store.
func (s *BoltStore) IdleUsers(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var out []string
	err := s.db.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(boltSessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
			tx := &boltTx{userID: string(k), b: btx.Bucket(boltSessionsBucket).Bucket(k)}
			idle := false
			err := tx.each(func(r Row) bool {
				if r.Active() && r.LastSeenAt.Before(cutoff) {
					idle = true
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if idle {
				out = append(out, string(k))
			}
		}
		return nil
	})
	return out, err
}

// Ping implements Store.
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		if btx.Bucket(boltSessionsBucket) == nil {
			return errors.New("session: bolt root bucket missing")
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltRecord struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  EndReason  `json:"end_reason,omitempty"`
}

type boltTx struct {
	userID   string
	b        *bbolt.Bucket // nil in View when the user has no rows
	writable bool
}

func (t *boltTx) decode(deviceID string, data []byte) (Row, error) {
	var rec boltRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Row{}, fmt.Errorf("session: decode %s/%s: %w", t.userID, deviceID, err)
	}
	if rec.ID == "" {
		return Row{}, fmt.Errorf("session: decode %s/%s: missing id", t.userID, deviceID)
	}
	st, err := ParseStatus(string(rec.Status))
	if err != nil {
		return Row{}, fmt.Errorf("session: decode %s/%s: %w", t.userID, deviceID, err)
	}
	return Row{
		ID:         rec.ID,
		UserID:     t.userID,
		DeviceID:   deviceID,
		Status:     st,
		CreatedAt:  rec.CreatedAt,
		LastSeenAt: rec.LastSeenAt,
		EndedAt:    rec.EndedAt,
		EndReason:  rec.EndReason,
	}, nil
}

func (t *boltTx) put(r Row) error {
	data, err := json.Marshal(boltRecord{
		ID:         r.ID,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		LastSeenAt: r.LastSeenAt,
		EndedAt:    r.EndedAt,
		EndReason:  r.EndReason,
	})
	if err != nil {
		return err
	}
	return t.b.Put([]byte(r.DeviceID), data)
}

func (t *boltTx) each(fn func(Row) bool) error {
	if t.b == nil {
		return nil
	}
	c := t.b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		r, err := t.decode(string(k), v)
		if err != nil {
			return err
		}
		if !fn(r) {
			return nil
		}
	}
	return nil
}

func (t *boltTx) Get(_ context.Context, deviceID string) (Row, error) {
	if t.b == nil {
		return Row{}, ErrSessionNotFound
	}
	data := t.b.Get([]byte(deviceID))
	if data == nil {
		return Row{}, ErrSessionNotFound
	}
	return t.decode(deviceID, data)
}

func (t *boltTx) ListActive(_ context.Context) ([]Row, error) {
	var out []Row
	err := t.each(func(r Row) bool {
		if r.Active() {
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sortActive(out)
	return out, nil
}

func (t *boltTx) CountActive(ctx context.Context) (int, error) {
	rows, err := t.ListActive(ctx)
	return len(rows), err
}

func (t *boltTx) Insert(_ context.Context, row Row) error {
	if !t.writable {
		return ErrReadOnly
	}
	if t.b.Get([]byte(row.DeviceID)) != nil {
		return ErrSessionExists
	}
	row.UserID = t.userID
	return t.put(row)
}

func (t *boltTx) Touch(ctx context.Context, deviceID string, at time.Time) error {
	if !t.writable {
		return ErrReadOnly
	}
	r, err := t.Get(ctx, deviceID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !r.Active() {
		return nil
	}
	r.LastSeenAt = laterOf(r.LastSeenAt, at)
	return t.put(r)
}

func (t *boltTx) End(ctx context.Context, deviceID string, status Status, reason EndReason, at time.Time) (bool, error) {
	if !t.writable {
		return false, ErrReadOnly
	}
	r, err := t.Get(ctx, deviceID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !r.Active() {
		return false, nil
	}
	return true, t.put(endRow(r, status, reason, at))
}

func (t *boltTx) EndAllActive(ctx context.Context, status Status, reason EndReason, at time.Time) ([]Row, error) {
	return t.endWhere(ctx, func(Row) bool { return true }, status, reason, at)
}

func (t *boltTx) EndIdle(ctx context.Context, cutoff time.Time, status Status, reason EndReason, at time.Time) ([]Row, error) {
	return t.endWhere(ctx, func(r Row) bool { return r.LastSeenAt.Before(cutoff) }, status, reason, at)
}

func (t *boltTx) endWhere(ctx context.Context, match func(Row) bool, status Status, reason EndReason, at time.Time) ([]Row, error) {
	if !t.writable {
		return nil, ErrReadOnly
	}
	active, err := t.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var ended []Row
	for _, r := range active {
		if !match(r) {
			continue
		}
		r = endRow(r, status, reason, at)
		if err := t.put(r); err != nil {
			return nil, err
		}
		ended = append(ended, r)
	}
	return ended, nil
}
