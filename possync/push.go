package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hadesalive/Remvin-Ent-sub002/cloudstore"
)

// Summary reports the outcome of one push cycle.
type Summary struct {
	AlreadyRunning bool     `json:"already_running"`
	Synced         int      `json:"synced"`
	Errored        int      `json:"errored"`
	Deferred       int      `json:"deferred"` // dependency not yet mapped, retried next cycle
	Retried        int      `json:"retried"`  // error items returned to pending this cycle
	Errors         []string `json:"errors,omitempty"`
	Duration       time.Duration
}

// SyncAll drains the queue in dependency order and pushes every claimable
// item to the remote store. A cycle that finds the lock taken returns a
// summary with AlreadyRunning set, not an error. One item's failure never
// aborts the batch.
func (e *Engine) SyncAll(ctx context.Context) (*Summary, error) {
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
		e.logger.Info("sync already running, skipping cycle")
		return &Summary{AlreadyRunning: true}, nil
	}
	defer e.lock.release(context.WithoutCancel(ctx))

	summary := &Summary{}

	if _, err := e.queue.ReclaimStuck(ctx, e.opts.ReclaimAfter); err != nil {
		return nil, err
	}
	retried, err := e.queue.ReleaseRetryable(ctx, e.opts.MaxRetries, e.opts.RetryBackoff)
	if err != nil {
		return nil, err
	}
	summary.Retried = int(retried)

	items, err := e.queue.ClaimBatch(ctx, e.opts.UploadLimit)
	if err != nil {
		return nil, err
	}
	e.logger.Info("push cycle started", "claimed", len(items), "retried", retried)

	for i := range items {
		if i > 0 {
			// Fixed inter-call delay to respect provider rate limits.
			if err := sleepWithContext(ctx, e.opts.RequestDelay); err != nil {
				return summary, err
			}
		}
		e.pushItem(ctx, store, &items[i], summary)
	}

	if err := markSyncCompleted(ctx, e.db); err != nil {
		return summary, err
	}
	summary.Duration = time.Since(start)
	e.logger.Info("push cycle finished",
		"synced", summary.Synced, "errored", summary.Errored,
		"deferred", summary.Deferred, "duration", summary.Duration)
	return summary, nil
}

// pushItem pushes one claimed queue item. Failures are recorded on the item
// and counted; they are never returned, so the batch continues.
func (e *Engine) pushItem(ctx context.Context, store cloudstore.Store, item *QueueItem, summary *Summary) {
	payload := item.Payload
	if item.Operation == OpDelete {
		tombstone, err := tombstonePayload(payload)
		if err != nil {
			e.failItem(ctx, item, summary, fmt.Sprintf("tombstone: %v", err))
			return
		}
		payload = tombstone
	}

	rewrite, err := e.mapper.RewriteForeignKeys(ctx, item.TableName, payload)
	if err != nil {
		e.failItem(ctx, item, summary, fmt.Sprintf("foreign key rewrite: %v", err))
		return
	}
	if len(rewrite.Missing) > 0 {
		// Referenced records have no remote id yet; postpone rather than
		// push a broken reference.
		if err := e.queue.Release(ctx, item.ID); err != nil {
			e.logger.Error("failed to defer item", "id", item.ID, "error", err)
		}
		summary.Deferred++
		e.logger.Info("deferred item, dependency not yet synced",
			"table", item.TableName, "record_id", item.RecordID,
			"missing", strings.Join(rewrite.Missing, ","))
		return
	}

	key := cloudstore.UpsertKey{LocalID: item.RecordID}
	if remoteID, ok, err := e.mapper.Resolve(ctx, item.TableName, item.RecordID); err != nil {
		e.failItem(ctx, item, summary, fmt.Sprintf("mapping lookup: %v", err))
		return
	} else if ok {
		key.RemoteID = remoteID
	}
	if col, ok := NaturalKey(item.TableName); ok {
		if v := stringField(rewrite.Payload, col); v != "" {
			key.NaturalKey = col
			key.NaturalValue = v
		}
	}

	result, err := store.UpsertRecord(ctx, item.TableName, key, rewrite.Payload)
	if err != nil {
		kind := "rejected"
		if cloudstore.IsTransient(err) {
			kind = "transient"
		}
		e.failItem(ctx, item, summary, fmt.Sprintf("%s: %v", kind, err))
		return
	}

	if err := e.mapper.Record(ctx, item.TableName, item.RecordID, result.RemoteID); err != nil {
		// A mapping conflict means the remote answered with a different id
		// than previously recorded; never overwrite, surface instead.
		if errors.Is(err, ErrMappingConflict) {
			e.failItem(ctx, item, summary, err.Error())
			return
		}
		e.failItem(ctx, item, summary, fmt.Sprintf("record mapping: %v", err))
		return
	}

	if err := e.queue.MarkSynced(ctx, item.ID); err != nil {
		e.logger.Error("failed to mark item synced", "id", item.ID, "error", err)
		return
	}
	summary.Synced++
}

func (e *Engine) failItem(ctx context.Context, item *QueueItem, summary *Summary, message string) {
	summary.Errored++
	summary.Errors = append(summary.Errors,
		fmt.Sprintf("%s/%s %s: %s", item.TableName, item.RecordID, item.Operation, message))
	if err := e.queue.MarkError(ctx, item.ID, message); err != nil {
		e.logger.Error("failed to mark item errored", "id", item.ID, "error", err)
	}
	e.logger.Warn("push item failed",
		"table", item.TableName, "record_id", item.RecordID, "error", message)
}

// tombstonePayload builds the soft-delete payload pushed for deletes. The
// remote keeps the row with deleted_at set, matching the local convention and
// keeping retries idempotent.
func tombstonePayload(payload json.RawMessage) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("failed to parse delete payload: %w", err)
		}
	}
	if _, ok := fields["deleted_at"]; !ok || fields["deleted_at"] == nil {
		fields["deleted_at"] = nowUTC()
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tombstone: %w", err)
	}
	return out, nil
}

func stringField(payload json.RawMessage, field string) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	if v, ok := fields[field].(string); ok {
		return v
	}
	return ""
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
