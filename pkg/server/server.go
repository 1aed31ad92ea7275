// Package server exposes the visit recorder over HTTP.
//
// Endpoints:
//
//	POST /visits/{userId}             record a visit synchronously
//	POST /visits/{userId}/async       enqueue a visit for the batch writer
//	GET  /visits/{userId}?days=N      sites visited in the trailing window
//	GET  /health                      liveness
//	GET  /status                      cache, queue, writer, and store counters
//	POST /admin/warmup                seed the identity caches from the store
//	POST /admin/invalidate-caches     drop both identity caches
//	POST /admin/flush                 force one flush run
//
// The /admin endpoints require HTTP Basic auth and are disabled unless
// credentials are configured.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/orneryd/visitgraph/pkg/visitgraph"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64

	// AdminUser and AdminPasswordHash (bcrypt) enable the /admin endpoints.
	AdminUser         string
	AdminPasswordHash string
}

// Server serves the HTTP API over a DB.
type Server struct {
	cfg  Config
	db   *visitgraph.DB
	http *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server. Start must be called to begin listening.
func New(cfg Config, db *visitgraph.DB) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{cfg: cfg, db: db}
	s.http = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the listener and serves until Stop. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Printf("server: listening on %s", ln.Addr())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully, waiting for in-flight requests up
// to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ============================================================================
// ROUTING
// ============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /visits/{userId}", s.handleRecordVisit)
	mux.HandleFunc("POST /visits/{userId}/async", s.handleRecordVisitAsync)
	mux.HandleFunc("GET /visits/{userId}", s.handleVisitedSites)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /admin/warmup", s.withAdminAuth(s.handleWarmup))
	mux.HandleFunc("POST /admin/invalidate-caches", s.withAdminAuth(s.handleInvalidateCaches))
	mux.HandleFunc("POST /admin/flush", s.withAdminAuth(s.handleFlush))

	var handler http.Handler = mux
	handler = s.sizeLimitMiddleware(handler)
	handler = metricsMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	return handler
}

// ============================================================================
// HANDLERS
// ============================================================================

// visitRequest is the body of POST /visits/{userId}.
type visitRequest struct {
	URL string `json:"url"`

	// Timestamp is optional epoch milliseconds; zero means now.
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (s *Server) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := s.decodeVisit(w, r)
	if !ok {
		return
	}

	if err := s.db.RecordVisit(r.Context(), userID, req.URL, visitTime(req)); err != nil {
		s.writeVisitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "recorded",
	})
}

func (s *Server) handleRecordVisitAsync(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := s.decodeVisit(w, r)
	if !ok {
		return
	}

	if err := s.db.RecordVisitAsync(r.Context(), userID, req.URL, visitTime(req)); err != nil {
		s.writeVisitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
	})
}

func (s *Server) handleVisitedSites(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid days %q", v))
			return
		}
		days = n
	}

	visits, err := s.db.VisitedSites(r.Context(), userID, days)
	if err != nil {
		if errors.Is(err, visitgraph.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.writeVisitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"days":   days,
		"visits": visits,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	users, sites, err := s.db.WarmCaches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"usersLoaded": users,
		"sitesLoaded": sites,
	})
}

func (s *Server) handleInvalidateCaches(w http.ResponseWriter, r *http.Request) {
	s.db.InvalidateCaches()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Flush(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// ============================================================================
// HELPERS
// ============================================================================

// decodeVisit extracts the path user ID and the JSON body shared by the two
// record endpoints, writing the error response itself on failure.
func (s *Server) decodeVisit(w http.ResponseWriter, r *http.Request) (string, visitRequest, bool) {
	userID := r.PathValue("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing userId")
		return "", visitRequest{}, false
	}

	var req visitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return "", visitRequest{}, false
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return "", visitRequest{}, false
	}
	return userID, req, true
}

func visitTime(req visitRequest) time.Time {
	if req.Timestamp > 0 {
		return time.UnixMilli(req.Timestamp).UTC()
	}
	return time.Now().UTC()
}

func (s *Server) writeVisitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, visitgraph.ErrEmptyUserID),
		errors.Is(err, visitgraph.ErrEmptyURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, visitgraph.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
