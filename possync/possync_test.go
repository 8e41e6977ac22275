package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/Hadesalive/Remvin-Ent-sub002/cloudstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTestDB opens a file-backed database so reopening it exercises real
// durability, unlike :memory: where each pooled connection sees its own store.
func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pos.db")
	db := openDBFile(t, path)
	require.NoError(t, InitSchema(db))
	return db, path
}

func openDBFile(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func enableSync(t *testing.T, db *sql.DB) {
	t.Helper()
	enabled := true
	provider := cloudstore.ProviderRemvinCloud
	url := "http://cloud.test"
	key := "tenant-key"
	_, err := UpdateConfig(context.Background(), db, ConfigPatch{
		Enabled:  &enabled,
		Provider: &provider,
		CloudURL: &url,
		APIKey:   &key,
	})
	require.NoError(t, err)
}

func setStrategy(t *testing.T, db *sql.DB, s Strategy) {
	t.Helper()
	_, err := UpdateConfig(context.Background(), db, ConfigPatch{ConflictStrategy: &s})
	require.NoError(t, err)
}

// track enqueues a change through the tracker, failing the test if the queue
// row did not land.
func track(t *testing.T, db *sql.DB, table, recordID string, op Operation, data map[string]any) {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, NewTracker(db, testLogger()).TrackChangeTx(context.Background(), tx, table, recordID, op, data))
	require.NoError(t, tx.Commit())
}

func queueRow(t *testing.T, db *sql.DB, table, recordID string) *QueueItem {
	t.Helper()
	items, err := NewQueueStore(db, testLogger()).List(context.Background(), QueueFilter{Table: table})
	require.NoError(t, err)
	for i := range items {
		if items[i].RecordID == recordID {
			return &items[i]
		}
	}
	return nil
}

// testOptions keeps cycles fast; individual tests override fields as needed.
func testOptions() *Options {
	return &Options{
		RequestDelay: time.Millisecond,
		RetryBackoff: time.Hour,
		ReclaimAfter: time.Hour,
		LockTTL:      time.Minute,
	}
}

func newTestEngine(t *testing.T, db *sql.DB, store cloudstore.Store, opts *Options) *Engine {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	engine, err := New(db, testLogger(), opts)
	require.NoError(t, err)
	if store != nil {
		engine.newStore = func(cloudstore.Config, *slog.Logger) (cloudstore.Store, error) {
			return store, nil
		}
	}
	return engine
}

// createDomainTables creates the minimal application tables pull tests write
// into. product_models deliberately has no deleted_at column.
func createDomainTables(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE customers (id TEXT PRIMARY KEY, name TEXT, phone TEXT, deleted_at TEXT)`,
		`CREATE TABLE product_models (id TEXT PRIMARY KEY, name TEXT)`,
		`CREATE TABLE sales (id TEXT PRIMARY KEY, customer_id TEXT, sale_number TEXT, total REAL, deleted_at TEXT)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

type upsertCall struct {
	Table   string
	Key     cloudstore.UpsertKey
	Payload map[string]any
}

// fakeStore is an in-memory cloudstore.Store capturing calls for assertions.
type fakeStore struct {
	mu sync.Mutex

	upserts   []upsertCall
	remoteIDs map[string]string // table/localID -> remote id to hand out
	failWith  map[string]error  // table/localID -> upsert error

	changes   map[string][]cloudstore.RemoteRecord
	lastSince map[string]time.Time

	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		remoteIDs: map[string]string{},
		failWith:  map[string]error{},
		changes:   map[string][]cloudstore.RemoteRecord{},
		lastSince: map[string]time.Time{},
	}
}

func (f *fakeStore) UpsertRecord(ctx context.Context, table string, key cloudstore.UpsertKey, payload json.RawMessage) (*cloudstore.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slot := table + "/" + key.LocalID
	if err, ok := f.failWith[slot]; ok {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	f.upserts = append(f.upserts, upsertCall{Table: table, Key: key, Payload: fields})

	remoteID, ok := f.remoteIDs[slot]
	if !ok {
		remoteID = "remote-" + key.LocalID
		f.remoteIDs[slot] = remoteID
	}
	return &cloudstore.UpsertResult{RemoteID: remoteID, Created: !ok}, nil
}

func (f *fakeStore) FetchChangesSince(ctx context.Context, table string, since time.Time, limit int) ([]cloudstore.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastSince[table] = since
	var out []cloudstore.RemoteRecord
	for _, rec := range f.changes[table] {
		if rec.UpdatedAt.After(since) {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) TestConnection(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) upsertTables(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var tables []string
	for _, call := range f.upserts {
		tables = append(tables, call.Table)
	}
	return tables
}

func payloadOf(data map[string]any) json.RawMessage {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("marshal test payload: %v", err))
	}
	return raw
}
