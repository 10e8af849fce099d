package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchema and pgTable name the table created by the embedded migrations.
const (
	pgSchema = "devicecap"
	pgTable  = "device_sessions"
)

// PostgresStore implements Store on PostgreSQL (devicecap.device_sessions).
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Update runs in a READ COMMITTED transaction that first takes
//     pg_advisory_xact_lock keyed by the user id. All writers for one user
//     (across every process sharing the database) queue on that lock; other
//     users are unaffected. The lock is released at COMMIT/ROLLBACK.
//   - View reads committed rows straight from the pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed Store. The schema is
// whatever `devicecap migrate up` created; it is not configurable.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

func (s *PostgresStore) table() string {
	return pgIdent(pgSchema, pgTable)
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUserTx(ctx, tx, userID); err != nil {
		return err
	}

	if err := fn(&pgTx{q: tx, table: s.table(), userID: userID, writable: true}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// View implements Store.
func (s *PostgresStore) View(ctx context.Context, userID string, fn func(tx Tx) error) error {
	return fn(&pgTx{q: s.pool, table: s.table(), userID: userID})
}

// IdleUsers implements Store.
func (s *PostgresStore) IdleUsers(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id
		FROM `+s.table()+`
		WHERE status = 'active' AND last_seen_at < $1
		ORDER BY user_id
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapPG(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("session: %s: %w", op, err)
}
