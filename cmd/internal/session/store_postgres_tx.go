package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, user_id, device_id, status, created_at, last_seen_at, ended_at, end_reason`

// lockUserTx serializes all writers for userID until the transaction ends.
// The key is namespaced so other advisory-lock users of the database do not collide.
func lockUserTx(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('devicecap.session:' || $1, 0))`, userID)
	return wrapPG("advisory lock", err)
}

type pgTx struct {
	q        querier
	table    string
	userID   string
	writable bool
}

func scanRow(row pgx.CollectableRow) (Row, error) {
	var (
		r      Row
		status string
		reason *string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.DeviceID, &status, &r.CreatedAt, &r.LastSeenAt, &r.EndedAt, &reason); err != nil {
		return Row{}, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Row{}, err
	}
	r.Status = st
	if reason != nil {
		r.EndReason = EndReason(*reason)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastSeenAt = r.LastSeenAt.UTC()
	if r.EndedAt != nil {
		t := r.EndedAt.UTC()
		r.EndedAt = &t
	}
	return r, nil
}

func (t *pgTx) collect(ctx context.Context, op, sql string, args ...any) ([]Row, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapPG(op, err)
	}
	out, err := pgx.CollectRows(rows, scanRow)
	if err != nil {
		return nil, wrapPG(op, err)
	}
	return out, nil
}

func (t *pgTx) Get(ctx context.Context, deviceID string) (Row, error) {
	rows, err := t.collect(ctx, "get", `
		SELECT `+sessionColumns+`
		FROM `+t.table+`
		WHERE user_id = $1 AND device_id = $2
	`, t.userID, deviceID)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, ErrSessionNotFound
	}
	return rows[0], nil
}

func (t *pgTx) ListActive(ctx context.Context) ([]Row, error) {
	return t.collect(ctx, "list active", `
		SELECT `+sessionColumns+`
		FROM `+t.table+`
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at ASC, id ASC
	`, t.userID)
}

func (t *pgTx) CountActive(ctx context.Context) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT count(*)
		FROM `+t.table+`
		WHERE user_id = $1 AND status = 'active'
	`, t.userID).Scan(&n)
	return n, wrapPG("count active", err)
}

func (t *pgTx) Insert(ctx context.Context, row Row) error {
	if !t.writable {
		return ErrReadOnly
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO `+t.table+` (
			id, user_id, device_id, status, created_at, last_seen_at, ended_at, end_reason
		) VALUES ($1, $2, $3, $4, $5, $6, NULL, NULL)
	`, row.ID, t.userID, row.DeviceID, string(row.Status), row.CreatedAt, row.LastSeenAt)
	if isUniqueViolation(err) {
		return ErrSessionExists
	}
	return wrapPG("insert", err)
}

func (t *pgTx) Touch(ctx context.Context, deviceID string, at time.Time) error {
	if !t.writable {
		return ErrReadOnly
	}
	_, err := t.q.Exec(ctx, `
		UPDATE `+t.table+`
		SET last_seen_at = GREATEST(last_seen_at, $3)
		WHERE user_id = $1 AND device_id = $2 AND status = 'active'
	`, t.userID, deviceID, at)
	return wrapPG("touch", err)
}

func (t *pgTx) End(ctx context.Context, deviceID string, status Status, reason EndReason, at time.Time) (bool, error) {
	if !t.writable {
		return false, ErrReadOnly
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE `+t.table+`
		SET status = $3, ended_at = $4, end_reason = $5
		WHERE user_id = $1 AND device_id = $2 AND status = 'active'
	`, t.userID, deviceID, string(status), at, string(reason))
	if err != nil {
		return false, wrapPG("end", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) EndAllActive(ctx context.Context, status Status, reason EndReason, at time.Time) ([]Row, error) {
	if !t.writable {
		return nil, ErrReadOnly
	}
	rows, err := t.collect(ctx, "end all", `
		UPDATE `+t.table+`
		SET status = $2, ended_at = $3, end_reason = $4
		WHERE user_id = $1 AND status = 'active'
		RETURNING `+sessionColumns, t.userID, string(status), at, string(reason))
	if err != nil {
		return nil, err
	}
	sortActive(rows)
	return rows, nil
}

func (t *pgTx) EndIdle(ctx context.Context, cutoff time.Time, status Status, reason EndReason, at time.Time) ([]Row, error) {
	if !t.writable {
		return nil, ErrReadOnly
	}
	rows, err := t.collect(ctx, "end idle", `
		UPDATE `+t.table+`
		SET status = $3, ended_at = $4, end_reason = $5
		WHERE user_id = $1 AND status = 'active' AND last_seen_at < $2
		RETURNING `+sessionColumns, t.userID, cutoff, string(status), at, string(reason))
	if err != nil {
		return nil, err
	}
	sortActive(rows)
	return rows, nil
}
