package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Tracker records local mutations into the durable sync queue. It is the only
// entry point domain handlers touch: they call TrackChange (or TrackChangeTx
// inside the same transaction as the domain write) and never block on sync.
type Tracker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTracker wraps the given database. InitSchema must have run.
func NewTracker(db *sql.DB, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{db: db, logger: logger}
}

// TrackChange upserts a queue entry for a local mutation. The call fails
// open: when sync is disabled it is a no-op, and when the queue itself is
// unavailable the error is logged and swallowed so the domain write that
// triggered it is never failed by sync bookkeeping.
func (t *Tracker) TrackChange(ctx context.Context, table, recordID string, op Operation, data map[string]any) {
	enabled, err := t.syncEnabled(ctx)
	if err != nil {
		t.logger.Error("change tracking skipped, sync config unavailable",
			"table", table, "record_id", recordID, "error", err)
		return
	}
	if !enabled {
		return
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		t.logger.Error("change tracking skipped, queue unavailable",
			"table", table, "record_id", recordID, "error", err)
		return
	}
	defer tx.Rollback()

	if err := t.TrackChangeTx(ctx, tx, table, recordID, op, data); err != nil {
		t.logger.Error("change tracking failed",
			"table", table, "record_id", recordID, "operation", op, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		t.logger.Error("change tracking commit failed",
			"table", table, "record_id", recordID, "error", err)
	}
}

// TrackChangeTx upserts a queue entry inside the caller's transaction, so a
// crash before commit loses neither the domain row nor its queue entry, and a
// crash after commit loses both consistently. Unlike TrackChange it returns
// errors; the caller decides whether to fail open.
//
// Coalescing rules for an existing open entry on the same (table, record):
//   - create then update  -> stays create, payload refreshed
//   - anything then delete -> delete (an unsynced create is cancelled outright)
//   - update then update  -> payload refreshed
//
// An errored entry returns to pending with the new payload; a conflicted
// entry absorbs the payload but stays parked for review.
func (t *Tracker) TrackChangeTx(ctx context.Context, tx *sql.Tx, table, recordID string, op Operation, data map[string]any) error {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", op)
	}

	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal change payload: %w", err)
		}
	}

	existing, err := openItemTx(ctx, tx, table, recordID)
	if err != nil {
		return err
	}
	now := nowUTC()

	if existing == nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (table_name, record_id, operation, payload, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?)
		`, table, recordID, string(op), nullableText(payload), now, now)
		if err != nil {
			return fmt.Errorf("failed to enqueue change: %w", err)
		}
		return nil
	}

	// Delete of a record whose create never left this device is a net no-op.
	if op == OpDelete && existing.Operation == OpCreate && existing.Status != StatusSynced {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, existing.ID); err != nil {
			return fmt.Errorf("failed to cancel unsynced create: %w", err)
		}
		return nil
	}

	newOp := op
	if existing.Operation == OpCreate && op == OpUpdate {
		newOp = OpCreate // remote has never seen this record
	}

	// A parked conflict only absorbs the newer payload; it stays parked with
	// its review note until the operator adjudicates.
	if existing.Status == StatusConflict {
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET operation = ?, payload = ?, updated_at = ?
			WHERE id = ?
		`, string(newOp), nullableText(payload), now, existing.ID)
		if err != nil {
			return fmt.Errorf("failed to refresh conflicted change: %w", err)
		}
		return nil
	}

	// Coalesce into the existing row. A row mid-push (syncing) reverts to
	// pending; the in-flight MarkSynced then misses its guard and the newer
	// payload goes out on the next cycle. An errored row gets a fresh start
	// with the newer payload.
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET operation = ?, payload = ?, status = 'pending',
		    locked_at = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, string(newOp), nullableText(payload), now, existing.ID)
	if err != nil {
		return fmt.Errorf("failed to coalesce change: %w", err)
	}
	return nil
}

func (t *Tracker) syncEnabled(ctx context.Context) (bool, error) {
	var enabled int
	err := t.db.QueryRowContext(ctx,
		`SELECT sync_enabled FROM sync_config WHERE id = 1`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to read sync_enabled: %w", err)
	}
	return enabled != 0, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
