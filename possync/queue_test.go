package possync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClaimBatchOrdersByDependencyRank(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	// Enqueued child-first to prove ordering comes from rank, not insert order.
	track(t, db, "sale_items", "si-1", OpCreate, map[string]any{"sale_id": "s-1"})
	track(t, db, "sales", "s-1", OpCreate, map[string]any{"sale_number": "S-001"})
	track(t, db, "customers", "c-1", OpCreate, map[string]any{"phone": "+23276000001"})

	items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "customers", items[0].TableName)
	require.Equal(t, "sales", items[1].TableName)
	require.Equal(t, "sale_items", items[2].TableName)
	for _, item := range items {
		require.Equal(t, StatusSyncing, item.Status)
		require.NotNil(t, item.LockedAt)
	}
}

func TestClaimBatchClaimsEachItemOnce(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-1", OpCreate, nil)

	first, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestMarkSyncedRequiresClaim(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-1", OpCreate, nil)
	item := queueRow(t, db, "customers", "c-1")
	require.NotNil(t, item)

	// Not claimed yet: the guard must leave the row pending.
	require.NoError(t, queue.MarkSynced(ctx, item.ID))
	require.Equal(t, StatusPending, queueRow(t, db, "customers", "c-1").Status)

	_, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, queue.MarkSynced(ctx, item.ID))
	got := queueRow(t, db, "customers", "c-1")
	require.Equal(t, StatusSynced, got.Status)
	require.Nil(t, got.LockedAt)
}

func TestMarkErrorIncrementsRetryCount(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-1", OpCreate, nil)
	items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, queue.MarkError(ctx, items[0].ID, "rejected: bad payload"))

	got := queueRow(t, db, "customers", "c-1")
	require.Equal(t, StatusError, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "rejected: bad payload", got.ErrorMessage)
	require.Nil(t, got.LockedAt)
}

func TestReclaimStuckRestoresOnlyExpiredClaims(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-stale", OpCreate, nil)
	track(t, db, "customers", "c-fresh", OpCreate, nil)
	_, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)

	// Backdate one claim past the timeout, as if its worker crashed.
	stale := formatTime(time.Now().Add(-10 * time.Minute))
	_, err = db.Exec(`UPDATE sync_queue SET locked_at = ? WHERE record_id = 'c-stale'`, stale)
	require.NoError(t, err)

	n, err := queue.ReclaimStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, StatusPending, queueRow(t, db, "customers", "c-stale").Status)
	require.Equal(t, StatusSyncing, queueRow(t, db, "customers", "c-fresh").Status)
}

func TestReleaseRetryableHonorsCeilingAndBackoff(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-young", OpCreate, nil)
	track(t, db, "customers", "c-old", OpCreate, nil)
	track(t, db, "customers", "c-spent", OpCreate, nil)
	items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, queue.MarkError(ctx, item.ID, "transient: 503"))
	}

	past := formatTime(time.Now().Add(-10 * time.Minute))
	_, err = db.Exec(`UPDATE sync_queue SET updated_at = ? WHERE record_id IN ('c-old','c-spent')`, past)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE sync_queue SET retry_count = 5 WHERE record_id = 'c-spent'`)
	require.NoError(t, err)

	n, err := queue.ReleaseRetryable(ctx, 5, 2*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, StatusPending, queueRow(t, db, "customers", "c-old").Status)
	require.Equal(t, StatusError, queueRow(t, db, "customers", "c-young").Status)
	require.Equal(t, StatusError, queueRow(t, db, "customers", "c-spent").Status)
}

func TestResetFailed(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-err", OpCreate, nil)
	track(t, db, "customers", "c-spent", OpCreate, nil)
	track(t, db, "customers", "c-conf", OpCreate, nil)
	items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	for _, item := range items {
		switch item.RecordID {
		case "c-conf":
			require.NoError(t, queue.MarkConflict(ctx, item.ID, "awaiting review"))
		default:
			require.NoError(t, queue.MarkError(ctx, item.ID, "boom"))
		}
	}
	_, err = db.Exec(`UPDATE sync_queue SET retry_count = 9 WHERE record_id = 'c-spent'`)
	require.NoError(t, err)

	// Default pass: errors below the ceiling only, conflicts untouched.
	n, err := queue.ResetFailed(ctx, ResetFailedOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, StatusPending, queueRow(t, db, "customers", "c-err").Status)
	require.Equal(t, StatusError, queueRow(t, db, "customers", "c-spent").Status)
	require.Equal(t, StatusConflict, queueRow(t, db, "customers", "c-conf").Status)

	// ResetAll sweeps spent errors and conflicts, zeroing retry counters.
	n, err = queue.ResetFailed(ctx, ResetFailedOptions{ResetAll: true})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	spent := queueRow(t, db, "customers", "c-spent")
	require.Equal(t, StatusPending, spent.Status)
	require.Equal(t, 0, spent.RetryCount)
	require.Equal(t, StatusPending, queueRow(t, db, "customers", "c-conf").Status)
}

func TestResetFailedByID(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-1", OpCreate, nil)
	track(t, db, "customers", "c-2", OpCreate, nil)
	items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, queue.MarkError(ctx, item.ID, "boom"))
	}

	target := queueRow(t, db, "customers", "c-2")
	n, err := queue.ResetFailed(ctx, ResetFailedOptions{ItemIDs: []int64{target.ID}})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, StatusError, queueRow(t, db, "customers", "c-1").Status)
	require.Equal(t, StatusPending, queueRow(t, db, "customers", "c-2").Status)
}

func TestClearDefaultsToSyncedOnly(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-done", OpCreate, nil)
	track(t, db, "customers", "c-open", OpCreate, nil)
	items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	for _, item := range items {
		if item.RecordID == "c-done" {
			require.NoError(t, queue.MarkSynced(ctx, item.ID))
		} else {
			require.NoError(t, queue.Release(ctx, item.ID))
		}
	}

	n, err := queue.Clear(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Nil(t, queueRow(t, db, "customers", "c-done"))
	require.NotNil(t, queueRow(t, db, "customers", "c-open"))
}

func TestCountByStatusAndOldestPending(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	queue := NewQueueStore(db, testLogger())

	track(t, db, "customers", "c-1", OpCreate, nil)
	track(t, db, "sales", "s-1", OpCreate, nil)

	old := formatTime(time.Now().Add(-time.Hour))
	_, err := db.Exec(`UPDATE sync_queue SET created_at = ? WHERE record_id = 'c-1'`, old)
	require.NoError(t, err)

	counts, err := queue.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[StatusPending])

	age, err := queue.OldestPendingAge(ctx)
	require.NoError(t, err)
	require.Greater(t, age, 50*time.Minute)
}
