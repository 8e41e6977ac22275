package possync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeviceIDStableAcrossReopen(t *testing.T) {
	db, path := openTestDB(t)
	engine := newTestEngine(t, db, nil, nil)
	first := engine.DeviceID()
	require.NotEmpty(t, first)
	require.NoError(t, db.Close())

	reopened := openDBFile(t, path)
	engine = newTestEngine(t, reopened, nil, nil)
	require.Equal(t, first, engine.DeviceID())
}

func TestGetSyncStatusCountsOpenWork(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	engine := newTestEngine(t, db, newFakeStore(), nil)
	enableSync(t, db)

	track(t, db, "customers", "c-1", OpCreate, nil)
	track(t, db, "customers", "c-2", OpCreate, nil)
	items, err := engine.Queue().ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, engine.Queue().MarkError(ctx, items[0].ID, "boom"))

	status, err := engine.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.True(t, status.Enabled)
	require.False(t, status.Running)
	require.Equal(t, 1, status.Pending)
	require.Equal(t, 1, status.Errors)
	require.Nil(t, status.LastSyncAt)

	_, err = engine.SyncAll(ctx)
	require.NoError(t, err)
	status, err = engine.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastSyncAt)
}

func TestGetSyncHealthReportsDepthPerStatus(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	engine := newTestEngine(t, db, nil, nil)

	track(t, db, "customers", "c-1", OpCreate, nil)
	track(t, db, "customers", "c-2", OpCreate, nil)
	items, err := engine.Queue().ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, engine.Queue().MarkConflict(ctx, items[0].ID, "review"))

	health, err := engine.GetSyncHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, health.QueueDepth[StatusPending])
	require.Equal(t, 1, health.ConflictCount)
	require.Zero(t, health.ErrorCount)
}

func TestUpdateSyncConfigRejectsBadStrategy(t *testing.T) {
	db, _ := openTestDB(t)
	engine := newTestEngine(t, db, nil, nil)

	bad := Strategy("newest_wins")
	_, err := engine.UpdateSyncConfig(context.Background(), ConfigPatch{ConflictStrategy: &bad})
	require.Error(t, err)
}

func TestTestConnectionUsesCandidateConfig(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	fake := newFakeStore()
	engine := newTestEngine(t, db, fake, nil)

	require.NoError(t, engine.TestConnection(ctx, nil))

	fake.pingErr = errors.New("unreachable")
	err := engine.TestConnection(ctx, &Config{Provider: "remvin-cloud", CloudURL: "http://other.test"})
	require.ErrorContains(t, err, "unreachable")
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	db, _ := openTestDB(t)
	engine := newTestEngine(t, db, newFakeStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewScheduler(engine, testLogger()).Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err) // cancellation is a clean shutdown
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
