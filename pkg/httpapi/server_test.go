package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdb/velox/pkg/config"
	"github.com/veloxdb/velox/pkg/store"
	"github.com/veloxdb/velox/pkg/vector"
)

const testDim = 4

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vector.NewIndex(st, vector.DefaultConfig(testDim))

	hash, err := config.HashToken("secret-token")
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Dimension = testDim
	cfg.TokenHash = hash
	cfg.BackupDir = t.TempDir()

	s := New(idx, st, cfg, 0, 0)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(func() { _ = s.Close() })
	return s, hs
}

func doJSON(t *testing.T, hs *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, hs.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(AuthHeader, token)
	}
	resp, err := hs.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestRootReportsOK(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodGet, "/", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func TestVersionReportsBuildVersion(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodGet, "/version", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, BuildVersion, out["version"])
}

func TestMetricsReportsRequestCountAndIndexSize(t *testing.T) {
	_, hs := newTestServer(t)

	resp := doJSON(t, hs, http.MethodGet, "/version", "", nil)
	resp.Body.Close()

	resp = doJSON(t, hs, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		Counters map[string]int64 `json:"Counters"`
		Gauges   map[string]int64 `json:"Gauges"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.GreaterOrEqual(t, snap.Counters["http_requests_total"], int64(2))
	assert.Equal(t, int64(0), snap.Gauges["index_node_count"])
}

func TestValuesRequireAuth(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodPost, "/values", "", upsertRequest{
		Key:   "a",
		Value: valuePayload{Embedding: vector.Vector{1, 2, 3, 4}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestValuesRejectsWrongToken(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodPost, "/values", "wrong-token", upsertRequest{
		Key:   "a",
		Value: valuePayload{Embedding: vector.Vector{1, 2, 3, 4}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpsertGetDeleteRoundTrip(t *testing.T) {
	_, hs := newTestServer(t)

	upsertResp := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
		Key:   "doc-1",
		Value: valuePayload{Embedding: vector.Vector{1, 2, 3, 4}, Data: map[string]string{"title": "one"}},
	})
	defer upsertResp.Body.Close()
	require.Equal(t, http.StatusCreated, upsertResp.StatusCode)

	getResp := doJSON(t, hs, http.MethodGet, "/values/doc-1", "secret-token", nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var got valuePayload
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, "one", got.Data["title"])

	delResp := doJSON(t, hs, http.MethodDelete, "/values/doc-1", "secret-token", nil)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	missingResp := doJSON(t, hs, http.MethodGet, "/values/doc-1", "secret-token", nil)
	defer missingResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestUpsertOverwritesExistingKey(t *testing.T) {
	_, hs := newTestServer(t)

	first := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
		Key:   "doc-1",
		Value: valuePayload{Embedding: vector.Vector{1, 2, 3, 4}, Data: map[string]string{"v": "1"}},
	})
	first.Body.Close()
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
		Key:   "doc-1",
		Value: valuePayload{Embedding: vector.Vector{5, 6, 7, 8}, Data: map[string]string{"v": "2"}},
	})
	second.Body.Close()
	require.Equal(t, http.StatusCreated, second.StatusCode)

	getResp := doJSON(t, hs, http.MethodGet, "/values/doc-1", "secret-token", nil)
	defer getResp.Body.Close()
	var got valuePayload
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, "2", got.Data["v"])
	assert.Equal(t, vector.Vector{5, 6, 7, 8}, got.Embedding)
}

func TestIndexBuildAndQuery(t *testing.T) {
	_, hs := newTestServer(t)

	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	for i, v := range vectors {
		resp := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
			Key:   string(rune('a' + i)),
			Value: valuePayload{Embedding: v, Data: map[string]string{"idx": string(rune('0' + i))}},
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	buildResp := doJSON(t, hs, http.MethodPost, "/index", "secret-token", buildRequest{Ef: 32, EfConstruction: 64})
	defer buildResp.Body.Close()
	require.Equal(t, http.StatusOK, buildResp.StatusCode)

	queryResp := doJSON(t, hs, http.MethodPost, "/index/query", "secret-token", queryRequest{
		Embedding: vector.Vector{1, 0, 0, 0},
		Count:     1,
	})
	defer queryResp.Body.Close()
	require.Equal(t, http.StatusOK, queryResp.StatusCode)

	var results []map[string]string
	require.NoError(t, json.NewDecoder(queryResp.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "0", results[0]["idx"])
}

func TestValuesBatchInsertsAllAndBindsKeys(t *testing.T) {
	_, hs := newTestServer(t)

	reqs := []upsertRequest{
		{Key: "a", Value: valuePayload{Embedding: vector.Vector{1, 0, 0, 0}, Data: map[string]string{"n": "a"}}},
		{Key: "b", Value: valuePayload{Embedding: vector.Vector{0, 1, 0, 0}, Data: map[string]string{"n": "b"}}},
		{Key: "c", Value: valuePayload{Embedding: vector.Vector{0, 0, 1, 0}, Data: map[string]string{"n": "c"}}},
	}
	resp := doJSON(t, hs, http.MethodPost, "/values/batch", "secret-token", reqs)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 3, out["inserted"])

	getResp := doJSON(t, hs, http.MethodGet, "/values/b", "secret-token", nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var got valuePayload
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, "b", got.Data["n"])
}

func TestValuesBatchRejectsMissingKey(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodPost, "/values/batch", "secret-token", []upsertRequest{
		{Value: valuePayload{Embedding: vector.Vector{1, 0, 0, 0}}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexQueryStreamWritesNDJSON(t *testing.T) {
	_, hs := newTestServer(t)

	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	for i, v := range vectors {
		resp := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
			Key:   string(rune('a' + i)),
			Value: valuePayload{Embedding: v, Data: map[string]string{"idx": string(rune('0' + i))}},
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	buildResp := doJSON(t, hs, http.MethodPost, "/index", "secret-token", buildRequest{Ef: 32, EfConstruction: 64})
	buildResp.Body.Close()
	require.Equal(t, http.StatusOK, buildResp.StatusCode)

	streamResp := doJSON(t, hs, http.MethodPost, "/index/query/stream", "secret-token", queryRequest{
		Embedding: vector.Vector{1, 0, 0, 0},
		Count:     3,
	})
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "application/x-ndjson", streamResp.Header.Get("Content-Type"))

	dec := json.NewDecoder(streamResp.Body)
	var lines []map[string]string
	for {
		var m map[string]string
		if err := dec.Decode(&m); err != nil {
			break
		}
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "0", lines[0]["idx"])
}

func TestIndexDiagnosticsReportsConnectivity(t *testing.T) {
	_, hs := newTestServer(t)

	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	for i, v := range vectors {
		resp := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
			Key:   string(rune('a' + i)),
			Value: valuePayload{Embedding: v},
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	buildResp := doJSON(t, hs, http.MethodPost, "/index", "secret-token", buildRequest{Ef: 32, EfConstruction: 64})
	buildResp.Body.Close()
	require.Equal(t, http.StatusOK, buildResp.StatusCode)

	diagResp := doJSON(t, hs, http.MethodGet, "/index/diagnostics", "secret-token", nil)
	defer diagResp.Body.Close()
	require.Equal(t, http.StatusOK, diagResp.StatusCode)

	var diag vector.Diagnostics
	require.NoError(t, json.NewDecoder(diagResp.Body).Decode(&diag))
	assert.Equal(t, 4, diag.NodeCount)
	assert.GreaterOrEqual(t, diag.ComponentCount, 1)
}

func TestQueryBeforeBuildFailsWithConflict(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodPost, "/index/query", "secret-token", queryRequest{
		Embedding: vector.Vector{1, 0, 0, 0},
		Count:     1,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownRouteReturns404(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodGet, "/nope", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminBackupCreatesArchive(t *testing.T) {
	_, hs := newTestServer(t)

	resp := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
		Key:   "a",
		Value: valuePayload{Embedding: []float32{1, 0, 0, 0}},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	backupResp := doJSON(t, hs, http.MethodPost, "/admin/backup", "secret-token", nil)
	defer backupResp.Body.Close()
	require.Equal(t, http.StatusOK, backupResp.StatusCode)

	var out backupResponse
	require.NoError(t, json.NewDecoder(backupResp.Body).Decode(&out))
	assert.NotEmpty(t, out.Archive)
	assert.Greater(t, out.Size, int64(0))
}

func TestAdminRestoreRoundTripsValues(t *testing.T) {
	_, hs := newTestServer(t)

	resp := doJSON(t, hs, http.MethodPost, "/values", "secret-token", upsertRequest{
		Key:   "a",
		Value: valuePayload{Embedding: []float32{1, 0, 0, 0}},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	backupResp := doJSON(t, hs, http.MethodPost, "/admin/backup", "secret-token", nil)
	var out backupResponse
	require.NoError(t, json.NewDecoder(backupResp.Body).Decode(&out))
	backupResp.Body.Close()

	delResp := doJSON(t, hs, http.MethodDelete, "/values/a", "secret-token", nil)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	restoreResp := doJSON(t, hs, http.MethodPost, "/admin/restore", "secret-token", restoreRequest{Archive: out.Archive})
	defer restoreResp.Body.Close()
	require.Equal(t, http.StatusOK, restoreResp.StatusCode)

	getResp := doJSON(t, hs, http.MethodGet, "/values/a", "secret-token", nil)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestAdminBackupRequiresAuth(t *testing.T) {
	_, hs := newTestServer(t)
	resp := doJSON(t, hs, http.MethodPost, "/admin/backup", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
