package main

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// record is one stored row within a tenant table.
type record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Origin    string          `json:"origin,omitempty"`
}

type upsertInput struct {
	LocalID      string          `json:"local_id"`
	RemoteID     string          `json:"remote_id"`
	NaturalKey   string          `json:"natural_key"`
	NaturalValue string          `json:"natural_value"`
	Payload      json.RawMessage `json:"payload"`
}

// memStore holds tenant -> table -> id -> record. Everything lives in memory;
// restarting the process wipes all tenants.
type memStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]map[string]*record
	clock   func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		tenants: make(map[string]map[string]map[string]*record),
		clock:   time.Now,
	}
}

func (m *memStore) table(tenant, table string) map[string]*record {
	tables, ok := m.tenants[tenant]
	if !ok {
		tables = make(map[string]map[string]*record)
		m.tenants[tenant] = tables
	}
	rows, ok := tables[table]
	if !ok {
		rows = make(map[string]*record)
		tables[table] = rows
	}
	return rows
}

// upsert matches an existing record by remote id first, then by the natural
// key column inside the payload, and creates a new record otherwise.
func (m *memStore) upsert(tenant, table, origin string, in upsertInput) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.table(tenant, table)
	var existing *record
	if in.RemoteID != "" {
		existing = rows[in.RemoteID]
	}
	if existing == nil && in.NaturalKey != "" && in.NaturalValue != "" {
		for _, r := range rows {
			if r.Deleted {
				continue
			}
			var fields map[string]any
			if json.Unmarshal(r.Payload, &fields) != nil {
				continue
			}
			if v, ok := fields[in.NaturalKey].(string); ok && v == in.NaturalValue {
				existing = r
				break
			}
		}
	}

	now := m.clock().UTC()
	deleted := payloadMarksDeleted(in.Payload)
	if existing != nil {
		existing.Payload = in.Payload
		existing.UpdatedAt = now
		existing.Deleted = deleted
		existing.Origin = origin
		return existing, false
	}

	created := &record{
		ID:        uuid.NewString(),
		Payload:   in.Payload,
		UpdatedAt: now,
		Deleted:   deleted,
		Origin:    origin,
	}
	rows[created.ID] = created
	return created, true
}

// changesSince returns records updated strictly after the given time, oldest
// first, capped at limit.
func (m *memStore) changesSince(tenant, table string, since time.Time, limit int) []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*record
	tables, ok := m.tenants[tenant]
	if !ok {
		return out
	}
	for _, r := range tables[table] {
		if r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func payloadMarksDeleted(payload json.RawMessage) bool {
	var fields map[string]any
	if json.Unmarshal(payload, &fields) != nil {
		return false
	}
	v, ok := fields["deleted_at"]
	return ok && v != nil
}
