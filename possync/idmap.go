package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMappingConflict reports an attempt to bind an already-mapped local id to
// a different remote id. Mappings are immutable once recorded; a conflicting
// request is surfaced, never silently accepted.
var ErrMappingConflict = errors.New("id mapping conflict")

// Mapper is the durable local-id to remote-id translation table. Durability
// matters: a crash between syncing a parent and its children must not strand
// the children with unresolvable foreign keys on restart.
type Mapper struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMapper wraps the given database. InitSchema must have run.
func NewMapper(db *sql.DB, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{db: db, logger: logger}
}

// Resolve returns the remote id recorded for a local record, if any.
func (m *Mapper) Resolve(ctx context.Context, table, localID string) (string, bool, error) {
	var remoteID string
	err := m.db.QueryRowContext(ctx, `
		SELECT remote_id FROM sync_id_map WHERE table_name = ? AND local_id = ?
	`, table, localID).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve mapping for %s.%s: %w", table, localID, err)
	}
	return remoteID, true, nil
}

// ResolveRemote is the reverse lookup used by the pull path.
func (m *Mapper) ResolveRemote(ctx context.Context, table, remoteID string) (string, bool, error) {
	return m.resolveRemote(ctx, m.db, table, remoteID)
}

// ResolveRemoteTx is ResolveRemote inside the caller's transaction. Needed by
// the pull path, which holds a transaction while translating ids; a separate
// connection would deadlock when the pool is capped at one connection.
func (m *Mapper) ResolveRemoteTx(ctx context.Context, tx *sql.Tx, table, remoteID string) (string, bool, error) {
	return m.resolveRemote(ctx, tx, table, remoteID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Mapper) resolveRemote(ctx context.Context, q rowQuerier, table, remoteID string) (string, bool, error) {
	var localID string
	err := q.QueryRowContext(ctx, `
		SELECT local_id FROM sync_id_map WHERE table_name = ? AND remote_id = ?
	`, table, remoteID).Scan(&localID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve remote mapping for %s.%s: %w", table, remoteID, err)
	}
	return localID, true, nil
}

// Record durably binds a local id to its remote id. Recording the same pair
// twice is a no-op; recording a different remote id for an already-mapped
// pair returns ErrMappingConflict.
func (m *Mapper) Record(ctx context.Context, table, localID, remoteID string) error {
	return m.record(ctx, m.db, table, localID, remoteID)
}

// RecordTx is Record inside the caller's transaction.
func (m *Mapper) RecordTx(ctx context.Context, tx *sql.Tx, table, localID, remoteID string) error {
	return m.record(ctx, tx, table, localID, remoteID)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Mapper) record(ctx context.Context, q execQuerier, table, localID, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("refusing to record empty remote id for %s.%s", table, localID)
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_id_map (table_name, local_id, remote_id, created_at)
		VALUES (?, ?, ?, ?)
	`, table, localID, remoteID, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to record mapping for %s.%s: %w", table, localID, err)
	}

	var existing string
	err = q.QueryRowContext(ctx, `
		SELECT remote_id FROM sync_id_map WHERE table_name = ? AND local_id = ?
	`, table, localID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to verify mapping for %s.%s: %w", table, localID, err)
	}
	if existing != remoteID {
		return fmt.Errorf("%w: %s.%s already mapped to %s, refusing %s",
			ErrMappingConflict, table, localID, existing, remoteID)
	}
	return nil
}

// RewriteResult is the outcome of rewriting one outgoing payload.
type RewriteResult struct {
	Payload json.RawMessage
	// Missing lists required foreign-key fields whose referenced record has
	// no remote id yet; the item must be deferred until they do.
	Missing []string
	// Nulled lists optional references submitted as null because the
	// referenced record is not synced yet (a recorded ordering violation).
	Nulled []string
}

// RewriteForeignKeys substitutes mapped remote ids for local ids in every
// foreign-key field of an outgoing payload, per the static schema.
func (m *Mapper) RewriteForeignKeys(ctx context.Context, table string, payload json.RawMessage) (*RewriteResult, error) {
	fks := ForeignKeys(table)
	if len(fks) == 0 || len(payload) == 0 {
		return &RewriteResult{Payload: payload}, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse payload for %s: %w", table, err)
	}

	result := &RewriteResult{}
	for _, fk := range fks {
		raw, present := fields[fk.Field]
		if !present || raw == nil {
			continue
		}
		localID, ok := raw.(string)
		if !ok || localID == "" {
			continue
		}
		remoteID, found, err := m.Resolve(ctx, fk.References, localID)
		if err != nil {
			return nil, err
		}
		if found {
			fields[fk.Field] = remoteID
			continue
		}
		if fk.Optional {
			fields[fk.Field] = nil
			result.Nulled = append(result.Nulled, fk.Field)
			m.logger.Warn("optional reference pushed null, dependency not yet synced",
				"table", table, "field", fk.Field, "references", fk.References, "local_id", localID)
			continue
		}
		result.Missing = append(result.Missing, fk.Field)
	}

	if len(result.Missing) > 0 {
		return result, nil
	}

	rewritten, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rewritten payload for %s: %w", table, err)
	}
	result.Payload = rewritten
	return result, nil
}

// RewriteIncoming translates foreign-key fields of an incoming remote payload
// back to local ids, inside the pull transaction. Unknown remote references
// are left untouched; with pull running in dependency order the parent
// mapping normally exists already.
func (m *Mapper) RewriteIncoming(ctx context.Context, tx *sql.Tx, table string, fields map[string]any) error {
	for _, fk := range ForeignKeys(table) {
		raw, present := fields[fk.Field]
		if !present || raw == nil {
			continue
		}
		remoteID, ok := raw.(string)
		if !ok || remoteID == "" {
			continue
		}
		localID, found, err := m.ResolveRemoteTx(ctx, tx, fk.References, remoteID)
		if err != nil {
			return err
		}
		if found {
			fields[fk.Field] = localID
		}
	}
	return nil
}
