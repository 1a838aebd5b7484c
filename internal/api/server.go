// Package api exposes the node's replication surface over HTTP: item
// listing and push for the key/value sync loop, anchor pack fetching for
// federation, and namespace snapshots for bootstrap.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"TrustMesh/internal/anchor"
	"TrustMesh/internal/logger"
	"TrustMesh/internal/policy"
	"TrustMesh/internal/snapshot"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/sync"
	"TrustMesh/internal/trust"
)

const (
	// maxPushSize is the maximum push request body in bytes.
	maxPushSize = 1 << 20 // 1 MB
)

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	OrgID() string
	Namespaces() []string
	LastSyncAt(ns string) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	addr       string         // addr is the HTTP listen address
	store      storage.Store  // store backs items and snapshots
	anchors    *anchor.Engine // anchors serves published packs
	status     StatusProvider // status provides node state for monitoring
	metrics    http.Handler   // metrics is the optional /metrics handler
	policy     *policy.Engine // policy gates push application when set
	policyOpts policy.Options
	server     *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server. metrics may be nil.
func New(addr string, store storage.Store, anchors *anchor.Engine, status StatusProvider, metrics http.Handler) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		anchors: anchors,
		status:  status,
		metrics: metrics,
	}
}

// SetPolicy installs a policy gate over push application. Pushes run
// through Enforce with the given options; observe mode logs denials
// without rejecting the request.
func (s *Server) SetPolicy(engine *policy.Engine, opts policy.Options) {
	s.policy = engine
	s.policyOpts = opts
}

// Handler builds the route table. Exposed for in-process tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /v1/{ns}/items", s.handleListItems)
	mux.HandleFunc("POST /v1/{ns}/push", s.handlePush)
	mux.HandleFunc("GET /v1/{ns}/packs/{org}", s.handleFetchPack)
	mux.HandleFunc("GET /v1/{ns}/snapshot", s.handleSnapshot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	namespaces := map[string]any{}
	for _, ns := range s.status.Namespaces() {
		last, err := s.status.LastSyncAt(ns)
		if err != nil {
			last = ""
		}
		namespaces[ns] = map[string]string{"lastSyncAt": last}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"org":        s.status.OrgID(),
		"namespaces": namespaces,
	})
}

// handleListItems handles GET /v1/{ns}/items requests.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if !validName(ns) {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}

	res, err := sync.ListSince(s.store, ns, r.URL.Query().Get("since"))
	if err != nil {
		logger.Error("list items failed", logger.Namespace(ns), "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handlePush handles POST /v1/{ns}/push requests.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if !validName(ns) {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req struct {
		Items []sync.Item `json:"items"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push payload")
		return
	}

	if s.policy != nil {
		pctx := policy.Context{
			Namespace: ns,
			Op:        "data.push",
			ActorID:   r.Header.Get("X-Actor"),
			ActorRole: r.Header.Get("X-Actor-Role"),
		}
		if err := s.policy.Enforce(pctx, s.policyOpts); err != nil {
			var denied *policy.DeniedError
			if errors.As(err, &denied) {
				writeError(w, http.StatusForbidden, denied.Reason)
				return
			}
			logger.Error("policy check failed", logger.Namespace(ns), "error", err)
			writeError(w, http.StatusInternalServerError, "policy check failed")
			return
		}
	}

	// Pushed items carry their own timestamps; missing ones are stamped so
	// the merge below never treats them as newest.
	now := trust.Timestamp(time.Now())
	for i := range req.Items {
		if req.Items[i].UpdatedAt == "" {
			req.Items[i].UpdatedAt = now
		}
	}

	applied, err := sync.ApplyRemote(s.store, ns, req.Items)
	if err != nil {
		logger.Error("push apply failed", logger.Namespace(ns), "error", err)
		writeError(w, http.StatusInternalServerError, "apply failed")
		return
	}

	logger.Debug("push applied", logger.Namespace(ns), "received", len(req.Items), "applied", applied)

	writeJSON(w, http.StatusOK, map[string]int{
		"applied": applied,
	})
}

// handleFetchPack handles GET /v1/{ns}/packs/{org} requests. Only the
// node's own published pack is served; a since cursor at or past the pack's
// creation time yields 204.
func (s *Server) handleFetchPack(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	org := r.PathValue("org")
	if !validName(ns) || !validName(org) {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	if s.status != nil && org != s.status.OrgID() {
		writeError(w, http.StatusNotFound, "unknown org")
		return
	}

	pack, err := s.anchors.LatestPack(ns)
	if err != nil {
		logger.Error("load pack failed", logger.Namespace(ns), "error", err)
		writeError(w, http.StatusInternalServerError, "pack load failed")
		return
	}
	if pack == nil {
		writeError(w, http.StatusNotFound, "no published pack")
		return
	}

	since := r.URL.Query().Get("since")
	if since != "" && !trust.NewerThan(pack.CreatedAt, since) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pack":      pack,
		"nextSince": pack.CreatedAt,
	})
}

// handleSnapshot handles GET /v1/{ns}/snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if !validName(ns) {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}

	blob, err := snapshot.Export(s.store, ns)
	if err != nil {
		logger.Error("snapshot export failed", logger.Namespace(ns), "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
