package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type locks struct{ s *Store }

// Acquire relies on ON CONFLICT ... WHERE: an unexpired row makes the upsert a
// no-op that returns no row, which is a miss rather than an error.
func (l locks) Acquire(ctx context.Context, name, holder string, now, expiresAt int64) (bool, error) {
	db, err := l.s.conn()
	if err != nil {
		return false, err
	}
	var owner string
	err = db.QueryRowContext(ctx, `
		INSERT INTO `+lockTable+` (name, instance_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET instance_id = EXCLUDED.instance_id, expires_at = EXCLUDED.expires_at
		WHERE `+lockTable+`.expires_at <= $4
		RETURNING instance_id`, name, holder, expiresAt, now).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, l.s.track(nil)
	}
	if err != nil {
		return false, l.s.track(fmt.Errorf("acquire lock %s: %w", name, err))
	}
	return owner == holder, nil
}

func (l locks) Extend(ctx context.Context, name, holder string, now, by int64) (bool, error) {
	return l.affects(ctx, `
		UPDATE `+lockTable+` SET expires_at = expires_at + $3
		WHERE name = $1 AND instance_id = $2 AND expires_at >= $4`, name, holder, by, now)
}

func (l locks) Release(ctx context.Context, name, holder string, now int64) (bool, error) {
	return l.affects(ctx, `
		DELETE FROM `+lockTable+` WHERE name = $1 AND instance_id = $2 AND expires_at >= $3`, name, holder, now)
}

func (l locks) affects(ctx context.Context, query string, args ...any) (bool, error) {
	db, err := l.s.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, l.s.track(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
