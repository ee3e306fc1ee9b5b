package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Generation uint64    `json:"generation,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// SyncResponse is the body of an accepted POST /v1/sync.
type SyncResponse struct {
	Accepted  bool   `json:"accepted"`
	RequestID string `json:"requestId"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

// handleReady reports ready once a snapshot has been published and until
// shutdown begins.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshots.Load()
	resp := HealthResponse{Timestamp: time.Now().UTC()}

	switch {
	case s.stopping.Load():
		resp.Status, resp.Reason = "not_ready", "server is shutting down"
	case !snap.Published():
		resp.Status, resp.Reason = "not_ready", "no module map published yet"
	default:
		resp.Status, resp.Generation = "ready", snap.Generation
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, resp)
}

// handleModuleMap serves the client manifest snapshot.
func (s *Server) handleModuleMap(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Load()
	if !snap.Published() {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"Module map not yet available", true)
		return
	}

	h := w.Header()
	h.Set("ETag", snap.ETag)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Module-Map-Generation", strconv.FormatUint(snap.Generation, 10))

	if etagMatch(r.Header.Get("If-None-Match"), snap.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(snap.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(snap.Body)
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.writeError(w, r, http.StatusNotFound, ErrCodeNotConfigured, "Status is not available", false)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeError(w, r, http.StatusNotFound, ErrCodeNotConfigured, "On-demand sync is not enabled", false)
		return
	}
	if !s.trigger.Trigger() {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, r, http.StatusTooManyRequests, ErrCodeRateLimitExceeded,
			"Sync requested too often", true)
		return
	}

	requestID := RequestIDFromContext(r.Context())
	s.logger.Info().Str("request_id", requestID).Msg("Sync cycle requested")
	s.writeJSON(w, http.StatusAccepted, SyncResponse{Accepted: true, RequestID: requestID})
}
