package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"app-monitor/internal/lock"
)

// LockStore persists single-flight lock records in the cron_locks table.
type LockStore struct {
	db *DB
}

// Locks returns a lock.Store backed by db.
func (db *DB) Locks() *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) Get(ctx context.Context, lockID string) (*lock.Record, error) {
	var rec lock.Record
	err := s.db.pool.QueryRow(ctx,
		`SELECT lock_id, created_at, expires_at FROM cron_locks WHERE lock_id = $1`, lockID,
	).Scan(&rec.LockID, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock %s: %w", lockID, err)
	}
	return &rec, nil
}

func (s *LockStore) Put(ctx context.Context, rec lock.Record) error {
	query := `
		INSERT INTO cron_locks (lock_id, created_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_id) DO UPDATE
		SET created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

	if _, err := s.db.pool.Exec(ctx, query, rec.LockID, rec.CreatedAt, rec.ExpiresAt); err != nil {
		return fmt.Errorf("writing lock %s: %w", rec.LockID, err)
	}
	return nil
}

func (s *LockStore) Delete(ctx context.Context, lockID string) error {
	if _, err := s.db.pool.Exec(ctx, `DELETE FROM cron_locks WHERE lock_id = $1`, lockID); err != nil {
		return fmt.Errorf("deleting lock %s: %w", lockID, err)
	}
	return nil
}

func (s *LockStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM cron_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var (
	_ lock.Store   = (*LockStore)(nil)
	_ lock.Sweeper = (*LockStore)(nil)
)
