package possync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Strategy selects how a concurrent local pending change and an incoming
// remote change for the same record are reconciled during a pull.
type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Manual     Strategy = "manual"
)

func (s Strategy) valid() bool {
	switch s {
	case ServerWins, ClientWins, Manual:
		return true
	}
	return false
}

// Config is the durable sync configuration singleton.
type Config struct {
	Provider         string   `json:"cloud_provider"`
	CloudURL         string   `json:"cloud_url"`
	APIKey           string   `json:"api_key"`
	TablePrefix      string   `json:"table_prefix"`
	Enabled          bool     `json:"sync_enabled"`
	IntervalMinutes  int      `json:"sync_interval_minutes"`
	ConflictStrategy Strategy `json:"conflict_resolution_strategy"`
	LastSyncAt       *string  `json:"last_sync_at,omitempty"`
}

// ConfigPatch carries a partial configuration update; nil fields are left
// untouched.
type ConfigPatch struct {
	Provider         *string   `json:"cloud_provider,omitempty"`
	CloudURL         *string   `json:"cloud_url,omitempty"`
	APIKey           *string   `json:"api_key,omitempty"`
	TablePrefix      *string   `json:"table_prefix,omitempty"`
	Enabled          *bool     `json:"sync_enabled,omitempty"`
	IntervalMinutes  *int      `json:"sync_interval_minutes,omitempty"`
	ConflictStrategy *Strategy `json:"conflict_resolution_strategy,omitempty"`
}

// LoadConfig reads the sync_config singleton.
func LoadConfig(ctx context.Context, db *sql.DB) (*Config, error) {
	cfg := &Config{}
	var enabled int
	var lastSyncAt sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT cloud_provider, cloud_url, api_key, table_prefix, sync_enabled,
		       sync_interval_minutes, conflict_resolution_strategy, last_sync_at
		FROM sync_config WHERE id = 1
	`).Scan(&cfg.Provider, &cfg.CloudURL, &cfg.APIKey, &cfg.TablePrefix,
		&enabled, &cfg.IntervalMinutes, &cfg.ConflictStrategy, &lastSyncAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync config: %w", err)
	}
	cfg.Enabled = enabled != 0
	if lastSyncAt.Valid {
		cfg.LastSyncAt = &lastSyncAt.String
	}
	return cfg, nil
}

// UpdateConfig applies a partial update to the sync_config singleton and
// returns the resulting configuration.
func UpdateConfig(ctx context.Context, db *sql.DB, patch ConfigPatch) (*Config, error) {
	if patch.ConflictStrategy != nil && !patch.ConflictStrategy.valid() {
		return nil, fmt.Errorf("invalid conflict resolution strategy %q", *patch.ConflictStrategy)
	}
	if patch.IntervalMinutes != nil && *patch.IntervalMinutes < 1 {
		return nil, fmt.Errorf("sync interval must be at least 1 minute, got %d", *patch.IntervalMinutes)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin config update: %w", err)
	}
	defer tx.Rollback()

	set := func(column string, value any) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE sync_config SET %s = ?, updated_at = ? WHERE id = 1`, column),
			value, nowUTC())
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", column, err)
		}
		return nil
	}

	if patch.Provider != nil {
		if err := set("cloud_provider", *patch.Provider); err != nil {
			return nil, err
		}
	}
	if patch.CloudURL != nil {
		if err := set("cloud_url", *patch.CloudURL); err != nil {
			return nil, err
		}
	}
	if patch.APIKey != nil {
		if err := set("api_key", *patch.APIKey); err != nil {
			return nil, err
		}
	}
	if patch.TablePrefix != nil {
		if err := set("table_prefix", *patch.TablePrefix); err != nil {
			return nil, err
		}
	}
	if patch.Enabled != nil {
		v := 0
		if *patch.Enabled {
			v = 1
		}
		if err := set("sync_enabled", v); err != nil {
			return nil, err
		}
	}
	if patch.IntervalMinutes != nil {
		if err := set("sync_interval_minutes", *patch.IntervalMinutes); err != nil {
			return nil, err
		}
	}
	if patch.ConflictStrategy != nil {
		if err := set("conflict_resolution_strategy", string(*patch.ConflictStrategy)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit config update: %w", err)
	}
	return LoadConfig(ctx, db)
}

// markSyncCompleted records the wall-clock time of the last successful cycle.
func markSyncCompleted(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sync_config SET last_sync_at = ?, updated_at = ? WHERE id = 1
	`, nowUTC(), nowUTC())
	if err != nil {
		return fmt.Errorf("failed to update last_sync_at: %w", err)
	}
	return nil
}

// EnsureDeviceID generates and persists a stable device identifier for this
// database file. The id is sent with every remote call so the cloud can
// attribute writes and the pull path can skip self-originated records.
func EnsureDeviceID(db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM sync_device WHERE id = 1`).Scan(&deviceID)
	if err == sql.ErrNoRows {
		deviceID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO sync_device (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return deviceID, nil
}
