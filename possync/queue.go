package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// QueueItem is one persisted row of the durable sync queue.
type QueueItem struct {
	ID           int64           `json:"id"`
	TableName    string          `json:"table_name"`
	RecordID     string          `json:"record_id"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueueFilter narrows List results.
type QueueFilter struct {
	Statuses []Status
	Table    string
	Limit    int
}

// ResetFailedOptions selects which error items are returned to pending.
type ResetFailedOptions struct {
	ResetAll   bool    // ignore the retry ceiling
	MaxRetries int     // only items below this count (0 = store default)
	ItemIDs    []int64 // restrict to specific items
}

// QueueStore provides atomic state transitions over the sync_queue table.
// All transitions are single-statement updates guarded by the row's current
// status, so two racing workers can never double-claim an item.
type QueueStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueueStore wraps the given database. InitSchema must have run.
func NewQueueStore(db *sql.DB, logger *slog.Logger) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{db: db, logger: logger}
}

// ClaimBatch atomically claims up to limit pending items, marking them
// syncing with a fresh lock timestamp. Items are returned sorted by table
// dependency rank, then enqueue time, so the caller can push parents before
// children. Rows already claimed by a live worker are skipped.
func (q *QueueStore) ClaimBatch(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM sync_queue WHERE status = 'pending' ORDER BY created_at, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending items: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending ids: %w", err)
	}

	now := nowUTC()
	var claimed []int64
	for _, id := range ids {
		// Compare-and-set: only a still-pending row can be claimed.
		res, err := q.db.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'syncing', locked_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim item %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	items, err := q.loadByID(ctx, claimed)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := TableRank(items[i].TableName), TableRank(items[j].TableName)
		if ri != rj {
			return ri < rj
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// MarkSynced completes a claimed item. The guard means a row that was
// coalesced back to pending by a newer local edit keeps its newer payload.
func (q *QueueStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'synced', locked_at = NULL, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'syncing'
	`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.logger.Debug("mark synced skipped, item no longer claimed", "id", id)
	}
	return nil
}

// MarkError records a failed attempt, increments the retry counter and moves
// the item to error state. Items below the retry ceiling become eligible
// again once the retry backoff has elapsed (see ReleaseRetryable).
func (q *QueueStore) MarkError(ctx context.Context, id int64, message string) error {
	if len(message) > 1000 {
		message = message[:1000]
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'error', retry_count = retry_count + 1,
		    locked_at = NULL, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'syncing'
	`, message, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d errored: %w", id, err)
	}
	return nil
}

// MarkConflict parks a claimed or pending item for manual review.
func (q *QueueStore) MarkConflict(ctx context.Context, id int64, message string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'conflict', locked_at = NULL, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending','syncing','error')
	`, message, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d conflicted: %w", id, err)
	}
	return nil
}

// Release returns a claimed item to pending without counting a failure.
// Used when an item is deferred because a dependency has no mapping yet.
func (q *QueueStore) Release(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', locked_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'syncing'
	`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to release item %d: %w", id, err)
	}
	return nil
}

// ReclaimStuck reverts items left syncing by a crashed worker back to
// pending. Only rows whose lock is older than the timeout are touched.
func (q *QueueStore) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', locked_at = NULL, updated_at = ?
		WHERE status = 'syncing' AND locked_at IS NOT NULL AND locked_at < ?
	`, nowUTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Warn("reclaimed stuck sync items", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// ReleaseRetryable moves error items below the retry ceiling whose last
// attempt is older than the backoff window back to pending.
func (q *QueueStore) ReleaseRetryable(ctx context.Context, maxRetries int, backoff time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-backoff))
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', locked_at = NULL, updated_at = ?
		WHERE status = 'error' AND retry_count < ? AND updated_at < ?
	`, nowUTC(), maxRetries, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release retryable items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetFailed returns error (and conflict, when ResetAll) items to pending,
// clearing their retry counters. Used by the operator control surface.
func (q *QueueStore) ResetFailed(ctx context.Context, opts ResetFailedOptions) (int64, error) {
	var (
		conds []string
		args  []any
	)
	if opts.ResetAll {
		conds = append(conds, `status IN ('error','conflict')`)
	} else {
		conds = append(conds, `status = 'error'`)
		max := opts.MaxRetries
		if max <= 0 {
			max = defaultMaxRetries
		}
		conds = append(conds, `retry_count < ?`)
		args = append(args, max)
	}
	if len(opts.ItemIDs) > 0 {
		ph := strings.TrimRight(strings.Repeat("?,", len(opts.ItemIDs)), ",")
		conds = append(conds, fmt.Sprintf("id IN (%s)", ph))
		for _, id := range opts.ItemIDs {
			args = append(args, id)
		}
	}

	query := fmt.Sprintf(`
		UPDATE sync_queue
		SET status = 'pending', retry_count = 0, error_message = NULL,
		    locked_at = NULL, updated_at = ?
		WHERE %s
	`, strings.Join(conds, " AND "))
	res, err := q.db.ExecContext(ctx, query, append([]any{nowUTC()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns queue items matching the filter, newest first.
func (q *QueueStore) List(ctx context.Context, filter QueueFilter) ([]QueueItem, error) {
	var (
		conds = []string{"1=1"}
		args  []any
	)
	if len(filter.Statuses) > 0 {
		ph := strings.TrimRight(strings.Repeat("?,", len(filter.Statuses)), ",")
		conds = append(conds, fmt.Sprintf("status IN (%s)", ph))
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if filter.Table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, filter.Table)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, table_name, record_id, operation, payload, status,
		       retry_count, locked_at, error_message, created_at, updated_at
		FROM sync_queue WHERE %s
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// ListPending returns open items in push order.
func (q *QueueStore) ListPending(ctx context.Context) ([]QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, payload, status,
		       retry_count, locked_at, error_message, created_at, updated_at
		FROM sync_queue WHERE status IN ('pending','syncing')
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer rows.Close()
	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := TableRank(items[i].TableName), TableRank(items[j].TableName)
		if ri != rj {
			return ri < rj
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Clear removes queue rows in the given statuses; with no statuses it clears
// only terminal rows (synced), never open work.
func (q *QueueStore) Clear(ctx context.Context, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusSynced}
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	res, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM sync_queue WHERE status IN (%s)`, ph), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sync queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns the queue depth per status.
func (q *QueueStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

// OldestPendingAge reports how long the oldest open item has been waiting.
func (q *QueueStore) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var created sql.NullString
	err := q.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM sync_queue WHERE status IN ('pending','syncing','error')
	`).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("failed to query oldest pending item: %w", err)
	}
	if !created.Valid {
		return 0, nil
	}
	t, err := parseTime(created.String)
	if err != nil {
		return 0, fmt.Errorf("failed to parse oldest pending timestamp: %w", err)
	}
	return time.Since(t), nil
}

// openItemTx returns the open queue row for a record inside a transaction,
// if one exists. Error rows count as open too: a later local edit must
// coalesce into them, never sit beside them, or releasing the error row back
// to pending would collide with the unique open-row index.
func openItemTx(ctx context.Context, tx *sql.Tx, table, recordID string) (*QueueItem, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, operation, payload, status,
		       retry_count, locked_at, error_message, created_at, updated_at
		FROM sync_queue
		WHERE table_name = ? AND record_id = ?
		  AND status IN ('pending','syncing','error','conflict')
		ORDER BY id LIMIT 1
	`, table, recordID)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open queue item: %w", err)
	}
	return item, nil
}

func (q *QueueStore) loadByID(ctx context.Context, ids []int64) ([]QueueItem, error) {
	ph := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, table_name, record_id, operation, payload, status,
		       retry_count, locked_at, error_message, created_at, updated_at
		FROM sync_queue WHERE id IN (%s)
	`, ph), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var (
		item      QueueItem
		payload   sql.NullString
		lockedAt  sql.NullString
		errMsg    sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&item.ID, &item.TableName, &item.RecordID, &item.Operation,
		&payload, &item.Status, &item.RetryCount, &lockedAt, &errMsg,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if lockedAt.Valid {
		if t, err := parseTime(lockedAt.String); err == nil {
			item.LockedAt = &t
		}
	}
	if errMsg.Valid {
		item.ErrorMessage = errMsg.String
	}
	if t, err := parseTime(createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		item.UpdatedAt = t
	}
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
