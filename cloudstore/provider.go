// Package cloudstore defines the remote adapter contract the sync engine
// pushes through, plus the built-in provider implementations. A provider
// translates the engine's generic upsert/fetch calls into one cloud backend's
// REST dialect; the engine itself never embeds provider-specific logic.
package cloudstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// UpsertKey identifies the remote record an upsert targets. Providers try the
// keys in idempotency order: a previously-recorded remote id first, then the
// natural business key, else the call is a create.
type UpsertKey struct {
	LocalID      string // locally-generated id, sent for attribution
	RemoteID     string // remote id from a prior sync, if known
	NaturalKey   string // natural unique business key column (e.g. "imei")
	NaturalValue string // value of that column in the payload
}

// UpsertResult is the outcome of a successful remote upsert.
type UpsertResult struct {
	RemoteID string `json:"id"`
	Created  bool   `json:"created"`
}

// RemoteRecord is one record returned by FetchChangesSince.
type RemoteRecord struct {
	RemoteID  string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Origin    string          `json:"origin,omitempty"` // device that produced the change
}

// Store is the swappable remote adapter contract.
type Store interface {
	// UpsertRecord idempotently creates or updates one remote record and
	// returns the remote-assigned id. Safe to repeat after a lost ack.
	UpsertRecord(ctx context.Context, table string, key UpsertKey, payload json.RawMessage) (*UpsertResult, error)

	// FetchChangesSince returns remote records modified after the checkpoint,
	// oldest first.
	FetchChangesSince(ctx context.Context, table string, since time.Time, limit int) ([]RemoteRecord, error)

	// TestConnection verifies credentials and reachability.
	TestConnection(ctx context.Context) error
}

// Config carries everything a provider needs to talk to its backend.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	TablePrefix string
	DeviceID    string
	Timeout     time.Duration
}

// Factory builds a Store from configuration.
type Factory func(cfg Config, logger *slog.Logger) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a provider available under the given name. Typically called
// from a provider's init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the provider named in cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cloud provider %q (available: %v)", cfg.Provider, Providers())
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud provider %q requires a cloud URL", cfg.Provider)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return factory(cfg, logger)
}

// Providers lists the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequestError is a non-2xx response from the remote store.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("remote store returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether an error is worth retrying in a later cycle:
// network failures, timeouts and provider 5xx responses. Provider 4xx
// rejections are permanent and subject to the retry ceiling only.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode >= 500 || reqErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unclassified transport errors (connection refused, DNS) are transient.
	return true
}
