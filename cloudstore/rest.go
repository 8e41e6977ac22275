package cloudstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ProviderRemvinCloud is the hosted multi-tenant Remvin cloud; requests carry
// the tenant api key in the X-API-Key header.
const ProviderRemvinCloud = "remvin-cloud"

func init() {
	Register(ProviderRemvinCloud, func(cfg Config, logger *slog.Logger) (Store, error) {
		rs := newRESTStore(cfg, logger)
		rs.authorize = func(req *http.Request) error {
			req.Header.Set("X-API-Key", cfg.APIKey)
			return nil
		}
		return rs, nil
	})
}

// restStore implements the common REST dialect shared by the built-in
// providers; only the authorization header differs between them.
type restStore struct {
	cfg       Config
	http      *http.Client
	logger    *slog.Logger
	authorize func(req *http.Request) error
}

func newRESTStore(cfg Config, logger *slog.Logger) *restStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &restStore{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type upsertRequest struct {
	LocalID      string          `json:"local_id"`
	RemoteID     string          `json:"remote_id,omitempty"`
	NaturalKey   string          `json:"natural_key,omitempty"`
	NaturalValue string          `json:"natural_value,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type fetchResponse struct {
	Records []RemoteRecord `json:"records"`
}

func (s *restStore) remoteTable(table string) string {
	return s.cfg.TablePrefix + table
}

// UpsertRecord implements Store.
func (s *restStore) UpsertRecord(ctx context.Context, table string, key UpsertKey, payload json.RawMessage) (*UpsertResult, error) {
	body, err := json.Marshal(upsertRequest{
		LocalID:      key.LocalID,
		RemoteID:     key.RemoteID,
		NaturalKey:   key.NaturalKey,
		NaturalValue: key.NaturalValue,
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upsert request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/records/%s", s.cfg.BaseURL, url.PathEscape(s.remoteTable(table)))
	respBody, err := s.do(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return nil, err
	}

	var result UpsertResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode upsert response: %w", err)
	}
	if result.RemoteID == "" {
		return nil, fmt.Errorf("remote store returned no record id for %s", table)
	}
	return &result, nil
}

// FetchChangesSince implements Store.
func (s *restStore) FetchChangesSince(ctx context.Context, table string, since time.Time, limit int) ([]RemoteRecord, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/v1/records/%s/changes?%s",
		s.cfg.BaseURL, url.PathEscape(s.remoteTable(table)), q.Encode())

	respBody, err := s.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp fetchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode changes response: %w", err)
	}
	return resp.Records, nil
}

// TestConnection implements Store.
func (s *restStore) TestConnection(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/ping", nil)
	return err
}

func (s *restStore) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Remvin-Device", s.cfg.DeviceID)
	if s.authorize != nil {
		if err := s.authorize(req); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to remote store failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
