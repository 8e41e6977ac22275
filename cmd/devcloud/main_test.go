package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := httptest.NewServer(newRouter(newMemStore(), logger))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, apiKey string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestPingRequiresAPIKey(t *testing.T) {
	server := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/ping", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/ping", "shop-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestUpsertCreatesThenMatchesNaturalKey(t *testing.T) {
	server := newTestServer(t)
	url := server.URL + "/v1/records/customers"

	resp, body := doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id":      "c-1",
		"natural_key":   "phone",
		"natural_value": "+23276000001",
		"payload":       map[string]any{"name": "Alice", "phone": "+23276000001"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["created"])
	firstID := body["id"].(string)
	require.NotEmpty(t, firstID)

	// Same natural key, no remote id: a retried create must hit the same row.
	resp, body = doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id":      "c-1",
		"natural_key":   "phone",
		"natural_value": "+23276000001",
		"payload":       map[string]any{"name": "Alice B", "phone": "+23276000001"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["created"])
	require.Equal(t, firstID, body["id"])
}

func TestUpsertMatchesByRemoteID(t *testing.T) {
	server := newTestServer(t)
	url := server.URL + "/v1/records/customers"

	_, body := doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id": "c-1",
		"payload":  map[string]any{"name": "Alice"},
	})
	id := body["id"].(string)

	_, body = doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id":  "c-1",
		"remote_id": id,
		"payload":   map[string]any{"name": "Alice B"},
	})
	require.Equal(t, false, body["created"])
	require.Equal(t, id, body["id"])
}

func TestTenantsAreIsolated(t *testing.T) {
	server := newTestServer(t)
	url := server.URL + "/v1/records/customers"

	doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id": "c-1",
		"payload":  map[string]any{"name": "Alice"},
	})

	_, body := doJSON(t, http.MethodGet, url+"/changes", "shop-b", nil)
	require.Empty(t, body["records"])

	_, body = doJSON(t, http.MethodGet, url+"/changes", "shop-a", nil)
	require.Len(t, body["records"], 1)
}

func TestChangesFilterBySinceAndSort(t *testing.T) {
	server := newTestServer(t)
	url := server.URL + "/v1/records/customers"

	doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id": "c-1", "payload": map[string]any{"name": "First"},
	})
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id": "c-2", "payload": map[string]any{"name": "Second"},
	})

	_, body := doJSON(t, http.MethodGet,
		url+"/changes?since="+cutoff.Format(time.RFC3339Nano), "shop-a", nil)
	records := body["records"].([]any)
	require.Len(t, records, 1)

	_, body = doJSON(t, http.MethodGet, url+"/changes", "shop-a", nil)
	records = body["records"].([]any)
	require.Len(t, records, 2)
	firstAt, err := time.Parse(time.RFC3339Nano, records[0].(map[string]any)["updated_at"].(string))
	require.NoError(t, err)
	secondAt, err := time.Parse(time.RFC3339Nano, records[1].(map[string]any)["updated_at"].(string))
	require.NoError(t, err)
	require.True(t, !firstAt.After(secondAt))
}

func TestUpsertMarksDeletedFromTombstone(t *testing.T) {
	server := newTestServer(t)
	url := server.URL + "/v1/records/customers"

	_, body := doJSON(t, http.MethodPut, url, "shop-a", map[string]any{
		"local_id": "c-1",
		"payload":  map[string]any{"name": "Alice", "deleted_at": "2026-03-01T10:00:00.000Z"},
	})
	id := body["id"].(string)

	_, body = doJSON(t, http.MethodGet, url+"/changes", "shop-a", nil)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	require.Equal(t, id, rec["id"])
	require.Equal(t, true, rec["deleted"])
}

func TestUpsertValidatesBody(t *testing.T) {
	server := newTestServer(t)
	url := server.URL + "/v1/records/customers"

	resp, _ := doJSON(t, http.MethodPut, url, "shop-a", map[string]any{"local_id": "c-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
