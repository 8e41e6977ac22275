// Package possync implements the cloud synchronization engine for the Remvin
// point-of-sale local store: an outbox-style change tracker, a durable sync
// queue, a persisted local-id to remote-id mapping, a dependency-ordered push
// pipeline and a pull/reconciliation path.
//
// The engine owns only its own metadata tables (sync_queue, sync_id_map,
// sync_config, sync_checkpoints). Domain tables are written by the record
// handlers, which report every mutation through TrackChange.
package possync

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Operation identifies the kind of local mutation carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is the lifecycle state of a sync queue item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusError    Status = "error"
	StatusConflict Status = "conflict" // held for manual review
)

// timeLayout matches the UTC millisecond format used across all metadata rows.
const timeLayout = "2006-01-02T15:04:05.000Z"

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate plain RFC3339 written by older builds.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// InitSchema creates the sync metadata tables and enables WAL mode. It is
// idempotent and safe to call on every startup.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name    TEXT NOT NULL,
			record_id     TEXT NOT NULL,
			operation     TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			payload       TEXT,
			status        TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','syncing','synced','error','conflict')),
			retry_count   INTEGER NOT NULL DEFAULT 0,
			locked_at     TEXT,
			error_message TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,

		// One open row per logical record; later local edits coalesce into it.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_open
			ON sync_queue (table_name, record_id)
			WHERE status IN ('pending','syncing','conflict')`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status
			ON sync_queue (status, table_name)`,

		`CREATE TABLE IF NOT EXISTS sync_id_map (
			table_name TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			remote_id  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (table_name, local_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_id_map_remote
			ON sync_id_map (table_name, remote_id)`,

		`CREATE TABLE IF NOT EXISTS sync_config (
			id                           INTEGER PRIMARY KEY CHECK (id = 1),
			cloud_provider               TEXT NOT NULL DEFAULT 'remvin-cloud',
			cloud_url                    TEXT NOT NULL DEFAULT '',
			api_key                      TEXT NOT NULL DEFAULT '',
			table_prefix                 TEXT NOT NULL DEFAULT '',
			sync_enabled                 INTEGER NOT NULL DEFAULT 0,
			sync_interval_minutes        INTEGER NOT NULL DEFAULT 15,
			conflict_resolution_strategy TEXT NOT NULL DEFAULT 'server_wins'
				CHECK (conflict_resolution_strategy IN ('server_wins','client_wins','manual')),
			last_sync_at                 TEXT,
			sync_lock_expires_at         TEXT,
			sync_lock_owner              TEXT,
			updated_at                   TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_checkpoints (
			table_name     TEXT PRIMARY KEY,
			last_pulled_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_device (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			device_id TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync metadata table: %w", err)
		}
	}

	if _, err := db.Exec(`
		INSERT OR IGNORE INTO sync_config (id, updated_at) VALUES (1, ?)
	`, nowUTC()); err != nil {
		return fmt.Errorf("failed to seed sync_config: %w", err)
	}

	return nil
}

// ForeignKey describes one payload field that references another synced table.
type ForeignKey struct {
	Field      string // payload field holding the referenced id
	References string // referenced table
	Optional   bool   // optional references may be pushed null when unmapped
}

// tableRanks fixes the table-level dependency order for push and pull.
// A table only references tables with a strictly lower rank.
var tableRanks = map[string]int{
	"customers":       0,
	"product_models":  0,
	"products":        1,
	"boqs":            1,
	"inventory_items": 2,
	"sales":           3,
	"sale_items":      4,
	"invoices":        4,
	"returns":         4,
	"swaps":           4,
	"debts":           4,
}

// foreignKeySchema maps payload fields to the tables they reference.
var foreignKeySchema = map[string][]ForeignKey{
	"products": {
		{Field: "model_id", References: "product_models"},
	},
	"inventory_items": {
		{Field: "product_id", References: "products"},
	},
	"boqs": {
		{Field: "customer_id", References: "customers", Optional: true},
	},
	"sales": {
		// Walk-in sales have no customer.
		{Field: "customer_id", References: "customers", Optional: true},
	},
	"sale_items": {
		{Field: "sale_id", References: "sales"},
		{Field: "product_id", References: "products"},
		{Field: "inventory_item_id", References: "inventory_items", Optional: true},
	},
	"invoices": {
		{Field: "sale_id", References: "sales"},
		{Field: "customer_id", References: "customers", Optional: true},
	},
	"returns": {
		{Field: "sale_id", References: "sales"},
		{Field: "inventory_item_id", References: "inventory_items", Optional: true},
	},
	"swaps": {
		{Field: "customer_id", References: "customers", Optional: true},
		{Field: "inventory_item_id", References: "inventory_items"},
	},
	"debts": {
		{Field: "customer_id", References: "customers"},
		{Field: "sale_id", References: "sales", Optional: true},
	},
}

// naturalKeys lists the stable business key per table, used as the idempotent
// upsert key for records that have not been assigned a remote id yet.
var naturalKeys = map[string]string{
	"customers":       "phone",
	"products":        "sku",
	"inventory_items": "imei",
	"sales":           "sale_number",
	"invoices":        "invoice_number",
	"returns":         "return_number",
	"swaps":           "swap_number",
	"debts":           "debt_number",
	"boqs":            "boq_number",
}

// TableRank returns the dependency rank of a table. Unknown tables sort after
// every known one so pushing them cannot starve dependency-ordered records.
func TableRank(table string) int {
	if r, ok := tableRanks[table]; ok {
		return r
	}
	return len(tableRanks) + 1
}

// ForeignKeys returns the static foreign-key schema for a table.
func ForeignKeys(table string) []ForeignKey {
	return foreignKeySchema[table]
}

// NaturalKey returns the natural unique business key column for a table.
func NaturalKey(table string) (string, bool) {
	k, ok := naturalKeys[table]
	return k, ok
}

// SyncTables returns all known synced tables in dependency order.
func SyncTables() []string {
	tables := make([]string, 0, len(tableRanks))
	for t := range tableRanks {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool {
		ri, rj := tableRanks[tables[i]], tableRanks[tables[j]]
		if ri != rj {
			return ri < rj
		}
		return tables[i] < tables[j]
	})
	return tables
}
