// Package httpapi exposes the collection as a small JSON HTTP API:
// value upsert/lookup/delete, index (re)build, and ANN query, gated on
// the private routes by a shared-secret header and rate limited per
// remote address.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veloxdb/velox/pkg/backup"
	"github.com/veloxdb/velox/pkg/batch"
	"github.com/veloxdb/velox/pkg/config"
	"github.com/veloxdb/velox/pkg/logging"
	"github.com/veloxdb/velox/pkg/metrics"
	"github.com/veloxdb/velox/pkg/store"
	"github.com/veloxdb/velox/pkg/streaming"
	"github.com/veloxdb/velox/pkg/vector"
)

// streamBatchSize is both the streaming query endpoint's ResultStream
// buffer size and its BatchWriter group size. The handler still encodes
// and flushes each hit as its own line.
const streamBatchSize = 8

// batchMaxSize bounds how many records a single POST /values/batch call
// buffers before handing them to the index in one chunk.
const batchMaxSize = 500

// AuthHeader is the header name private routes check against the
// configured token, generalized from the original project's
// x-sahomedb-token.
const AuthHeader = "X-Auth-Token"

// BuildVersion is overridden at link time or by callers that embed a
// real build identifier; it is what GET /version reports.
var BuildVersion = "dev"

// Server wires an HTTP handler around one collection: its vector index
// and the key/value store backing it.
type Server struct {
	idx   *vector.Index
	st    *store.Store
	cfg   config.Config
	stats *metrics.Collector
	log   *logging.Logger

	rateLimit float64
	rateBurst int
	limiters  sync.Map // map[string]*rate.Limiter

	backupMu  sync.Mutex
	backupMgr *backup.Manager

	mux *http.ServeMux
}

// New returns a Server ready to be handed to http.Serve (via its
// Handler method). rateLimit is in requests/second per remote address;
// rateBurst is the bucket size.
func New(idx *vector.Index, st *store.Store, cfg config.Config, rateLimit float64, rateBurst int) *Server {
	s := &Server{
		idx:       idx,
		st:        st,
		cfg:       cfg,
		stats:     metrics.NewCollector(),
		log:       logging.Named("httpapi"),
		rateLimit: rateLimit,
		rateBurst: rateBurst,
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/version", s.handleVersion)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/values", s.requireAuth(s.handleValuesCollection))
	s.mux.HandleFunc("/values/batch", s.requireAuth(s.handleValuesBatch))
	s.mux.HandleFunc("/values/", s.requireAuth(s.handleValuesItem))
	s.mux.HandleFunc("/index", s.requireAuth(s.handleIndexBuild))
	s.mux.HandleFunc("/index/query", s.requireAuth(s.handleIndexQuery))
	s.mux.HandleFunc("/index/query/stream", s.requireAuth(s.handleIndexQueryStream))
	s.mux.HandleFunc("/index/diagnostics", s.requireAuth(s.handleIndexDiagnostics))
	s.mux.HandleFunc("/admin/backup", s.requireAuth(s.handleAdminBackup))
	s.mux.HandleFunc("/admin/restore", s.requireAuth(s.handleAdminRestore))
	return s
}

// backupManager lazily opens the configured backup working directory on
// first use, so a collection that never calls /admin/backup never pays
// for a WAL file it doesn't need.
func (s *Server) backupManager() (*backup.Manager, error) {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()
	if s.backupMgr != nil {
		return s.backupMgr, nil
	}
	mgr, err := backup.NewManager(s.cfg.ResolvedBackupDir())
	if err != nil {
		return nil, err
	}
	s.backupMgr = mgr
	return mgr, nil
}

// Handler returns the rate-limited, metrics-instrumented http.Handler
// for this server.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.withRateLimit(s.mux))
}

// Metrics exposes the server's request counters, for an operator to
// read out of process or log on shutdown.
func (s *Server) Metrics() *metrics.Collector {
	return s.stats
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.stats.Counter("http_requests_total", 1)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.stats.Histogram("http_request_duration_ms", float64(time.Since(start).Milliseconds()))
	})
}

// withRateLimit enforces a per-remote-address token bucket: a sync.Map
// of lazily-created *rate.Limiter values, consulted with a
// non-blocking Allow() on every request.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		addr := remoteKey(r)
		limiterAny, _ := s.limiters.LoadOrStore(addr, rate.NewLimiter(rate.Limit(s.rateLimit), s.rateBurst))
		limiter := limiterAny.(*rate.Limiter)
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireAuth gates a handler behind the shared-secret header, matching
// the private-route set from the original project: missing or
// mismatched tokens fail with 401 before the handler ever runs.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AuthHeader)
		if token == "" || !s.cfg.VerifyToken(token) {
			writeError(w, http.StatusUnauthorized, "missing or invalid auth token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": BuildVersion})
}

// handleMetrics handles GET /metrics: a point-in-time snapshot of the
// server's request counters, latency histogram, and index size gauge.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.stats.Gauge("index_node_count", int64(s.idx.Stats().Count))
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// valuePayload is the wire shape of one stored value: its embedding and
// opaque string metadata, matching the original project's Value shape.
type valuePayload struct {
	Embedding vector.Vector     `json:"embedding"`
	Data      map[string]string `json:"data"`
}

type upsertRequest struct {
	Key   string       `json:"key"`
	Value valuePayload `json:"value"`
}

// handleValuesCollection handles POST /values (upsert).
func (s *Server) handleValuesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	rec := vector.Record{Vector: req.Value.Embedding, Metadata: req.Value.Data}

	var id vector.VectorID
	if existing, err := s.st.ResolveKey(req.Key); err == nil {
		// Key is already bound: overwrite the existing record in place.
		// Insert is insert-only (ErrDuplicate on a live id), so a true
		// upsert over an existing key goes through the store directly;
		// the graph itself only reflects the record as of the next
		// /index rebuild, matching Insert's own separation of write and
		// build.
		rec.ID = existing
		if err := s.st.Put(existing, rec); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		id = existing
	} else {
		newID, err := s.idx.Insert(rec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id = newID
	}
	if err := s.st.BindKey(req.Key, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, valuePayload{Embedding: rec.Vector, Data: rec.Metadata})
}

// handleValuesBatch handles POST /values/batch: bulk upsert of brand-new
// keys, buffered through a batch.Processor so a large load amortizes the
// store's per-call overhead instead of one Insert per HTTP body entry.
// Unlike the single-value /values route, this endpoint does not support
// overwriting an existing key — it is meant for populating a fresh
// collection in bulk, with /index built once at the end.
func (s *Server) handleValuesBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var reqs []upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"inserted": 0})
		return
	}

	keys := make([]string, 0, len(reqs))
	var ids []vector.VectorID
	proc := batch.NewProcessor(batchMaxSize, true, func(recs []vector.Record) ([]vector.VectorID, error) {
		chunkIDs := make([]vector.VectorID, len(recs))
		for i, rec := range recs {
			id, err := s.idx.Insert(rec)
			if err != nil {
				return nil, err
			}
			chunkIDs[i] = id
		}
		return chunkIDs, nil
	})

	for _, req := range reqs {
		if req.Key == "" {
			writeError(w, http.StatusBadRequest, "key is required for every batch entry")
			return
		}
		keys = append(keys, req.Key)
		chunkIDs, err := proc.Add(vector.Record{Vector: req.Value.Embedding, Metadata: req.Value.Data})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ids = append(ids, chunkIDs...)
	}
	finalIDs, err := proc.Flush()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids = append(ids, finalIDs...)

	for i, id := range ids {
		if err := s.st.BindKey(keys[i], id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]int{"inserted": len(ids)})
}

// handleValuesItem handles GET/DELETE /values/{key}.
func (s *Server) handleValuesItem(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/values/")
	if key == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := s.st.ResolveKey(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.idx.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown key")
			return
		}
		writeJSON(w, http.StatusOK, valuePayload{Embedding: rec.Vector, Data: rec.Metadata})
	case http.MethodDelete:
		if err := s.idx.Remove(id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.st.UnbindKey(key); err != nil {
			s.log.Warn("unbind key %q after delete: %v", key, err)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type buildRequest struct {
	Ef             int `json:"ef"`
	EfConstruction int `json:"ef_construction"`
}

// handleIndexBuild handles POST /index: a full rebuild of the graph over
// every record currently in the store.
func (s *Server) handleIndexBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req buildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
			return
		}
	}
	stats := s.idx.Stats()
	ef, efConstruction := req.Ef, req.EfConstruction
	if ef == 0 {
		ef = stats.EfSearch
	}
	if efConstruction == 0 {
		efConstruction = stats.EfConstruction
	}

	if err := s.idx.Build(ef, efConstruction); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.idx.Stats())
}

type queryRequest struct {
	Embedding vector.Vector `json:"embedding"`
	Count     int           `json:"count"`
}

// handleIndexQuery handles POST /index/query: an ANN search returning
// the metadata of the nearest count records.
func (s *Server) handleIndexQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.Count <= 0 {
		req.Count = 10
	}

	results, err := s.idx.Search(req.Embedding, req.Count)
	if err != nil {
		switch {
		case errors.Is(err, vector.ErrInvalidDimension):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, vector.ErrIndexNotBuilt), errors.Is(err, vector.ErrIndexBuilding):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	out := make([]map[string]string, len(results))
	for i, r := range results {
		out[i] = r.Metadata
	}
	writeJSON(w, http.StatusOK, out)
}

// handleIndexQueryStream handles POST /index/query/stream: the same ANN
// search as /index/query, but written out as newline-delimited JSON
// records as they become available instead of one buffered array. Useful
// for a large count where the caller wants to start consuming hits
// before the whole result set is ready.
func (s *Server) handleIndexQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.Count <= 0 {
		req.Count = 10
	}

	results, err := s.idx.Search(req.Embedding, req.Count)
	if err != nil {
		switch {
		case errors.Is(err, vector.ErrInvalidDimension):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, vector.ErrIndexNotBuilt), errors.Is(err, vector.ErrIndexBuilding):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	stream := streaming.NewResultStream(r.Context(), streamBatchSize)
	go func() {
		bw := streaming.NewBatchWriter(stream, streamBatchSize)
		for _, res := range results {
			if err := bw.Add(res); err != nil {
				break
			}
		}
		_ = bw.Flush()
		stream.Close(nil)
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for {
		res, ok, err := stream.Recv()
		if err != nil || !ok {
			return
		}
		if err := enc.Encode(res.Metadata); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleIndexDiagnostics handles GET /index/diagnostics: connectivity and
// hub-structure metrics over the built base-layer graph, for an operator
// judging whether a collection needs a rebuild with different ef
// parameters.
func (s *Server) handleIndexDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.idx.Diagnostics(10))
}

type backupResponse struct {
	LSN     uint64 `json:"lsn"`
	Archive string `json:"archive"`
	Size    int64  `json:"size"`
}

// handleAdminBackup handles POST /admin/backup: a full point-in-time
// snapshot of every record plus the persisted graph bytes, bundled into
// a tar.gz archive under the configured backup directory.
func (s *Server) handleAdminBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	mgr, err := s.backupManager()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	meta, archivePath, err := mgr.Backup(s.st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, backupResponse{LSN: meta.LSN, Archive: archivePath, Size: meta.Size})
}

type restoreRequest struct {
	Archive string `json:"archive"`
}

// handleAdminRestore handles POST /admin/restore: replays a previously
// produced backup archive's records and graph bytes into the live
// store. Callers should follow a restore with POST /index to rebuild
// the ANN graph from the restored records, unless the archive's graph
// bytes are already consistent with them.
func (s *Server) handleAdminRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Archive == "" {
		writeError(w, http.StatusBadRequest, "archive path is required")
		return
	}
	mgr, err := s.backupManager()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := mgr.Restore(req.Archive, s.st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

// writeError writes the uniform {"error": "..."} envelope, matching the
// original project's response helper.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts an http.Server bound to addr using s.Handler,
// and stops it when ctx is canceled, matching the package's
// graceful-shutdown contract (pkg/shutdown.Handler.Register passes a
// context with the configured timeout).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		return err
	}
}

// Close releases resources opened lazily during the server's lifetime,
// currently just the backup manager's WAL file handle, if one was ever
// opened via /admin/backup.
func (s *Server) Close() error {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()
	if s.backupMgr == nil {
		return nil
	}
	return s.backupMgr.Close()
}
