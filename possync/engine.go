package possync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hadesalive/Remvin-Ent-sub002/cloudstore"
)

const defaultMaxRetries = 5

// Options tunes engine behavior. Zero values fall back to defaults.
type Options struct {
	UploadLimit  int           // max queue items pushed per cycle (default 200)
	PullLimit    int           // max remote records fetched per table per pull (default 500)
	RequestDelay time.Duration // fixed delay between remote calls (default 150ms)
	MaxRetries   int           // auto-retry ceiling for errored items (default 5)
	RetryBackoff time.Duration // minimum wait before an errored item retries (default 2m)
	ReclaimAfter time.Duration // stuck-item lock timeout (default 5m)
	LockTTL      time.Duration // durable cycle lock expiry (default 10m)
	HTTPTimeout  time.Duration // remote call timeout (default 30s)
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = 200
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = 500
	}
	if opts.RequestDelay <= 0 {
		opts.RequestDelay = 150 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Minute
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	return opts
}

// Engine wires the tracker, queue, id mapper, lock and remote adapter into
// the sync control surface exposed to the application shell.
type Engine struct {
	db       *sql.DB
	logger   *slog.Logger
	opts     Options
	deviceID string

	queue   *QueueStore
	mapper  *Mapper
	tracker *Tracker
	lock    *cycleLock

	// newStore builds the remote adapter; swappable in tests.
	newStore func(cfg cloudstore.Config, logger *slog.Logger) (cloudstore.Store, error)
}

// New opens the engine over an initialized SQLite database, creating the sync
// metadata tables if needed.
func New(db *sql.DB, logger *slog.Logger, opts *Options) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := InitSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	deviceID, err := EnsureDeviceID(db)
	if err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	return &Engine{
		db:       db,
		logger:   logger,
		opts:     o,
		deviceID: deviceID,
		queue:    NewQueueStore(db, logger),
		mapper:   NewMapper(db, logger),
		tracker:  NewTracker(db, logger),
		lock:     newCycleLock(db, o.LockTTL, logger),
		newStore: cloudstore.New,
	}, nil
}

// Tracker returns the change tracker domain handlers report through.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Queue exposes the queue store for diagnostics and tests.
func (e *Engine) Queue() *QueueStore { return e.queue }

// Mapper exposes the id mapping resolver.
func (e *Engine) Mapper() *Mapper { return e.mapper }

// DeviceID returns this database's stable device identifier.
func (e *Engine) DeviceID() string { return e.deviceID }

// TrackChange is a convenience passthrough to the tracker.
func (e *Engine) TrackChange(ctx context.Context, table, recordID string, op Operation, data map[string]any) {
	e.tracker.TrackChange(ctx, table, recordID, op, data)
}

func (e *Engine) store(cfg *Config) (cloudstore.Store, error) {
	return e.newStore(cloudstore.Config{
		Provider:    cfg.Provider,
		BaseURL:     cfg.CloudURL,
		APIKey:      cfg.APIKey,
		TablePrefix: cfg.TablePrefix,
		DeviceID:    e.deviceID,
		Timeout:     e.opts.HTTPTimeout,
	}, e.logger)
}

// SyncStatus is the at-a-glance state reported to the application shell.
type SyncStatus struct {
	Enabled    bool       `json:"enabled"`
	Running    bool       `json:"running"`
	Provider   string     `json:"provider"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Pending    int        `json:"pending"`
	Errors     int        `json:"errors"`
}

// SyncHealth is the detailed queue health report.
type SyncHealth struct {
	QueueDepth       map[Status]int `json:"queue_depth"`
	ErrorCount       int            `json:"error_count"`
	ConflictCount    int            `json:"conflict_count"`
	OldestPendingAge time.Duration  `json:"oldest_pending_age"`
	LastSyncAt       *time.Time     `json:"last_sync_at,omitempty"`
}

// GetSyncStatus reports whether sync is enabled, whether a cycle is running
// and the open queue counts.
func (e *Engine) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	cfg, err := LoadConfig(ctx, e.db)
	if err != nil {
		return nil, err
	}
	running, err := e.lock.held(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	status := &SyncStatus{
		Enabled:  cfg.Enabled,
		Running:  running,
		Provider: cfg.Provider,
		Pending:  counts[StatusPending] + counts[StatusSyncing],
		Errors:   counts[StatusError],
	}
	status.LastSyncAt = parseOptionalTime(cfg.LastSyncAt)
	return status, nil
}

// GetSyncHealth reports queue depth per status, error and conflict counts,
// the age of the oldest unshipped change and the last successful cycle time.
func (e *Engine) GetSyncHealth(ctx context.Context) (*SyncHealth, error) {
	counts, err := e.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	age, err := e.queue.OldestPendingAge(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(ctx, e.db)
	if err != nil {
		return nil, err
	}
	return &SyncHealth{
		QueueDepth:       counts,
		ErrorCount:       counts[StatusError],
		ConflictCount:    counts[StatusConflict],
		OldestPendingAge: age,
		LastSyncAt:       parseOptionalTime(cfg.LastSyncAt),
	}, nil
}

// GetSyncConfig returns the durable sync configuration.
func (e *Engine) GetSyncConfig(ctx context.Context) (*Config, error) {
	return LoadConfig(ctx, e.db)
}

// UpdateSyncConfig applies a partial configuration update.
func (e *Engine) UpdateSyncConfig(ctx context.Context, patch ConfigPatch) (*Config, error) {
	return UpdateConfig(ctx, e.db, patch)
}

// SetEnabled toggles the periodic sync timer. Manual SyncAll/PullChanges
// calls remain permitted regardless.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	_, err := UpdateConfig(ctx, e.db, ConfigPatch{Enabled: &enabled})
	return err
}

// GetPendingSyncItems returns open queue items in push order.
func (e *Engine) GetPendingSyncItems(ctx context.Context) ([]QueueItem, error) {
	return e.queue.ListPending(ctx)
}

// GetSyncQueueItems returns queue items matching the filter, newest first.
func (e *Engine) GetSyncQueueItems(ctx context.Context, filter QueueFilter) ([]QueueItem, error) {
	return e.queue.List(ctx, filter)
}

// ClearSyncQueue removes queue rows in the given statuses (synced only when
// none are given).
func (e *Engine) ClearSyncQueue(ctx context.Context, statuses ...Status) (int64, error) {
	return e.queue.Clear(ctx, statuses...)
}

// ResetFailedItems returns errored items to pending for another attempt.
func (e *Engine) ResetFailedItems(ctx context.Context, opts ResetFailedOptions) (int64, error) {
	return e.queue.ResetFailed(ctx, opts)
}

// TestConnection verifies reachability and credentials, using the stored
// configuration or, when cfg is non-nil, a candidate configuration that has
// not been saved yet.
func (e *Engine) TestConnection(ctx context.Context, cfg *Config) error {
	var err error
	if cfg == nil {
		cfg, err = LoadConfig(ctx, e.db)
		if err != nil {
			return err
		}
	}
	store, err := e.store(cfg)
	if err != nil {
		return err
	}
	return store.TestConnection(ctx)
}

func parseOptionalTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil
	}
	return &t
}
