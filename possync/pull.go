package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Hadesalive/Remvin-Ent-sub002/cloudstore"
)

// PullSummary reports the outcome of one pull/reconciliation cycle.
type PullSummary struct {
	AlreadyRunning bool           `json:"already_running"`
	Applied        int            `json:"applied"`
	SkippedSelf    int            `json:"skipped_self"`    // our own echoes
	KeptLocal      int            `json:"kept_local"`      // client_wins skips
	Conflicts      int            `json:"conflicts"`       // parked for manual review
	Discarded      int            `json:"discarded"`       // local pending dropped by server_wins
	Tables         map[string]int `json:"tables,omitempty"`
	Duration       time.Duration
}

// PullChanges fetches remote records modified after each table's checkpoint,
// in the same dependency order as push, and applies them locally without
// re-entering the change tracker, so applied records are never echoed back.
// The checkpoint advances only after a table's batch is durably applied.
func (e *Engine) PullChanges(ctx context.Context) (*PullSummary, error) {
	start := time.Now()
	cfg, err := LoadConfig(ctx, e.db)
	if err != nil {
		return nil, err
	}
	store, err := e.store(cfg)
	if err != nil {
		return nil, err
	}

	acquired, err := e.lock.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.logger.Info("sync already running, skipping pull")
		return &PullSummary{AlreadyRunning: true}, nil
	}
	defer e.lock.release(context.WithoutCancel(ctx))

	summary := &PullSummary{Tables: map[string]int{}}
	for _, table := range SyncTables() {
		if err := sleepWithContext(ctx, e.opts.RequestDelay); err != nil {
			return summary, err
		}
		checkpoint, err := e.loadCheckpoint(ctx, table)
		if err != nil {
			return summary, err
		}
		records, err := store.FetchChangesSince(ctx, table, checkpoint, e.opts.PullLimit)
		if err != nil {
			return summary, fmt.Errorf("failed to fetch %s changes: %w", table, err)
		}
		if len(records) == 0 {
			continue
		}
		applied, err := e.applyRemoteBatch(ctx, cfg, table, records, summary)
		if err != nil {
			return summary, err
		}
		if applied > 0 {
			summary.Tables[table] = applied
		}
	}
	summary.Duration = time.Since(start)
	e.logger.Info("pull cycle finished",
		"applied", summary.Applied, "kept_local", summary.KeptLocal,
		"conflicts", summary.Conflicts, "duration", summary.Duration)
	return summary, nil
}

// applyRemoteBatch applies one table's fetched records in a single
// transaction and advances the checkpoint with them.
func (e *Engine) applyRemoteBatch(ctx context.Context, cfg *Config, table string, records []cloudstore.RemoteRecord, summary *PullSummary) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin pull transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	var watermark time.Time
	for i := range records {
		rec := &records[i]
		if rec.UpdatedAt.After(watermark) {
			watermark = rec.UpdatedAt
		}
		if rec.Origin != "" && rec.Origin == e.deviceID {
			summary.SkippedSelf++
			continue
		}

		localID, known, err := e.mapper.ResolveRemoteTx(ctx, tx, table, rec.RemoteID)
		if err != nil {
			return applied, err
		}
		if !known {
			localID = uuid.New().String()
			if err := e.mapper.RecordTx(ctx, tx, table, localID, rec.RemoteID); err != nil {
				return applied, err
			}
		}

		// A concurrent local pending change for the same record is a
		// conflict, resolved per the configured strategy.
		open, err := openItemTx(ctx, tx, table, localID)
		if err != nil {
			return applied, err
		}
		if open != nil && open.Status == StatusConflict {
			switch cfg.ConflictStrategy {
			case Manual:
				// Already parked; do not reapply over the operator's head.
				continue
			case ClientWins:
				// The strategy changed while the row was parked: the local
				// change stands again, so release it for the next push.
				if _, err := tx.ExecContext(ctx, `
					UPDATE sync_queue SET status = 'pending', locked_at = NULL,
					       error_message = NULL, updated_at = ?
					WHERE id = ?
				`, nowUTC(), open.ID); err != nil {
					return applied, fmt.Errorf("failed to release parked conflict: %w", err)
				}
				summary.KeptLocal++
				continue
			default: // server_wins
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM sync_queue WHERE id = ?`, open.ID); err != nil {
					return applied, fmt.Errorf("failed to discard parked conflict: %w", err)
				}
				summary.Discarded++
			}
		} else if open != nil {
			switch cfg.ConflictStrategy {
			case ClientWins:
				// Keep the local pending push; it overwrites remote later.
				summary.KeptLocal++
				continue
			case Manual:
				msg := fmt.Sprintf("remote change for %s/%s at %s awaiting review",
					table, rec.RemoteID, rec.UpdatedAt.UTC().Format(timeLayout))
				if _, err := tx.ExecContext(ctx, `
					UPDATE sync_queue SET status = 'conflict', locked_at = NULL,
					       error_message = ?, updated_at = ?
					WHERE id = ?
				`, msg, nowUTC(), open.ID); err != nil {
					return applied, fmt.Errorf("failed to park conflict: %w", err)
				}
				summary.Conflicts++
				continue
			default: // server_wins
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM sync_queue WHERE id = ?`, open.ID); err != nil {
					return applied, fmt.Errorf("failed to discard local pending item: %w", err)
				}
				summary.Discarded++
			}
		}

		if err := e.applyRemoteRecord(ctx, tx, table, localID, rec); err != nil {
			return applied, err
		}
		applied++
		summary.Applied++
	}

	if !watermark.IsZero() {
		if err := saveCheckpointTx(ctx, tx, table, watermark); err != nil {
			return applied, err
		}
	}
	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("failed to commit pull batch: %w", err)
	}
	return applied, nil
}

// applyRemoteRecord materializes one remote record into its domain table.
// Writes happen directly, never through the tracker, so they cannot echo.
func (e *Engine) applyRemoteRecord(ctx context.Context, tx *sql.Tx, table, localID string, rec *cloudstore.RemoteRecord) error {
	fields := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &fields); err != nil {
			return fmt.Errorf("failed to parse remote payload for %s/%s: %w", table, rec.RemoteID, err)
		}
	}

	if rec.Deleted || fields["deleted_at"] != nil {
		return e.applyRemoteDelete(ctx, tx, table, localID, fields)
	}

	if err := e.mapper.RewriteIncoming(ctx, tx, table, fields); err != nil {
		return err
	}
	fields["id"] = localID
	return upsertRowTx(ctx, tx, table, fields)
}

// applyRemoteDelete honors the soft-delete convention when the table carries
// a deleted_at column, else removes the row.
func (e *Engine) applyRemoteDelete(ctx context.Context, tx *sql.Tx, table, localID string, fields map[string]any) error {
	cols, err := tableColumnsTx(ctx, tx, table)
	if err != nil {
		return err
	}
	if _, ok := cols["deleted_at"]; ok {
		deletedAt := fields["deleted_at"]
		if deletedAt == nil {
			deletedAt = nowUTC()
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %q SET deleted_at = ? WHERE id = ?`, table),
			deletedAt, localID)
		if err != nil {
			return fmt.Errorf("failed to tombstone %s/%s: %w", table, localID, err)
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), localID); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, localID, err)
	}
	return nil
}

func (e *Engine) loadCheckpoint(ctx context.Context, table string) (time.Time, error) {
	var s string
	err := e.db.QueryRowContext(ctx,
		`SELECT last_pulled_at FROM sync_checkpoints WHERE table_name = ?`, table).Scan(&s)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load %s checkpoint: %w", table, err)
	}
	t, err := parseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s checkpoint: %w", table, err)
	}
	return t, nil
}

func saveCheckpointTx(ctx context.Context, tx *sql.Tx, table string, t time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (table_name, last_pulled_at) VALUES (?, ?)
		ON CONFLICT (table_name) DO UPDATE SET last_pulled_at = excluded.last_pulled_at
	`, table, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to save %s checkpoint: %w", table, err)
	}
	return nil
}
