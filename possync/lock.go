package possync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// cycleLock is the durable mutual-exclusion lock guarding sync cycles. It is
// a row with an expiry timestamp, not a process flag, so a restarted process
// or a second instance cannot start a concurrent cycle while one is logically
// still running from a prior crash; expiry forces eventual reclaim.
type cycleLock struct {
	db     *sql.DB
	owner  string
	ttl    time.Duration
	logger *slog.Logger
}

func newCycleLock(db *sql.DB, ttl time.Duration, logger *slog.Logger) *cycleLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &cycleLock{db: db, owner: uuid.New().String(), ttl: ttl, logger: logger}
}

// acquire attempts to take the lock. Returns false without error when
// another holder has a live lock (the "sync already running" outcome).
func (l *cycleLock) acquire(ctx context.Context) (bool, error) {
	now := nowUTC()
	expires := formatTime(time.Now().Add(l.ttl))
	res, err := l.db.ExecContext(ctx, `
		UPDATE sync_config
		SET sync_lock_expires_at = ?, sync_lock_owner = ?, updated_at = ?
		WHERE id = 1
		  AND (sync_lock_expires_at IS NULL OR sync_lock_expires_at < ?
		       OR sync_lock_owner = ?)
	`, expires, l.owner, now, now, l.owner)
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	return true, nil
}

// release clears the lock if this instance still owns it. An expired lock
// taken over by another holder is left alone.
func (l *cycleLock) release(ctx context.Context) {
	_, err := l.db.ExecContext(ctx, `
		UPDATE sync_config
		SET sync_lock_expires_at = NULL, sync_lock_owner = NULL, updated_at = ?
		WHERE id = 1 AND sync_lock_owner = ?
	`, nowUTC(), l.owner)
	if err != nil {
		l.logger.Error("failed to release sync lock", "error", err)
	}
}

// held reports whether any holder currently has a live lock.
func (l *cycleLock) held(ctx context.Context) (bool, error) {
	var expires sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT sync_lock_expires_at FROM sync_config WHERE id = 1`).Scan(&expires)
	if err != nil {
		return false, fmt.Errorf("failed to read sync lock: %w", err)
	}
	if !expires.Valid {
		return false, nil
	}
	t, err := parseTime(expires.String)
	if err != nil {
		return false, fmt.Errorf("failed to parse sync lock expiry: %w", err)
	}
	return t.After(time.Now()), nil
}
