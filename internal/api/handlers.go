package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ridertrack/internal/model"
	"ridertrack/internal/tracking"
)

// writeServiceError maps tracking errors onto problem responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, title string, err error) {
	switch {
	case errors.Is(err, tracking.ErrNoActiveSession):
		writeProblem(w, http.StatusConflict, "No active session", err.Error(), r.URL.Path)
	case errors.Is(err, tracking.ErrInvalidPoint):
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid location", err.Error(), r.URL.Path)
	case errors.Is(err, tracking.ErrInvalidArgument):
		writeProblem(w, http.StatusBadRequest, "Invalid parameter", err.Error(), r.URL.Path)
	case errors.Is(err, tracking.ErrStorageUnavailable):
		writeProblem(w, http.StatusServiceUnavailable, "Storage unavailable", err.Error(), r.URL.Path)
	default:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
	}
}

// LocationHandler handles POST /v1/locations
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if pr.RiderID == "" {
		writeProblem(w, http.StatusForbidden, "Forbidden", "only riders report locations", r.URL.Path)
		return
	}
	var in model.PointInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if !s.limits.allow(pr.RiderID, 1) {
		writeProblem(w, http.StatusTooManyRequests, "Rate limited", "too many location updates", r.URL.Path)
		return
	}
	view, err := s.Tracker.Ingest(r.Context(), pr.RiderID, in, r.Header.Get("X-Client-Id"))
	if err != nil {
		writeServiceError(w, r, "Ingest failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// LocationBatchHandler handles POST /v1/locations/batch
func (s *Server) LocationBatchHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if pr.RiderID == "" {
		writeProblem(w, http.StatusForbidden, "Forbidden", "only riders report locations", r.URL.Path)
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateBatch(&req, s.Config.Tracking.MaxBatch); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid batch", err.Error(), r.URL.Path)
		return
	}
	if !s.limits.allow(pr.RiderID, 1) {
		writeProblem(w, http.StatusTooManyRequests, "Rate limited", "too many location updates", r.URL.Path)
		return
	}
	n, err := s.Tracker.IngestBatch(r.Context(), pr.RiderID, req.Points, r.Header.Get("X-Client-Id"))
	if err != nil {
		writeServiceError(w, r, "Batch ingest failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"count": n})
}

// LiveLocationsHandler handles GET /v1/locations/live
func (s *Server) LiveLocationsHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !pr.CanObserve() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "operator or admin required", r.URL.Path)
		return
	}
	snap, err := s.Tracker.LiveSnapshot(r.Context(), parseLiveFilter(r.URL.Query()))
	if err != nil {
		writeServiceError(w, r, "Live snapshot failed", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RiderLocationHandler handles GET /v1/riders/{riderID}/location
func (s *Server) RiderLocationHandler(w http.ResponseWriter, r *http.Request) {
	riderID := chi.URLParam(r, "riderID")
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !canRead(pr, riderID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "riders may only read their own location", r.URL.Path)
		return
	}
	loc, err := s.Tracker.CurrentLocation(r.Context(), riderID)
	if err != nil {
		writeServiceError(w, r, "Location lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rider_id": riderID, "location": loc})
}

// RiderRouteHandler handles GET /v1/riders/{riderID}/route?date=YYYY-MM-DD.
// Without a route for the date it answers with the day's bare points.
func (s *Server) RiderRouteHandler(w http.ResponseWriter, r *http.Request) {
	riderID := chi.URLParam(r, "riderID")
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !canRead(pr, riderID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "riders may only read their own routes", r.URL.Path)
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().In(s.Config.Location()).Format(model.DateLayout)
	}
	details, found, err := s.Tracker.RouteForDate(r.Context(), riderID, date)
	if err != nil {
		writeServiceError(w, r, "Route lookup failed", err)
		return
	}
	if found {
		writeJSON(w, http.StatusOK, details)
		return
	}
	pts, err := s.Tracker.PointsForDate(r.Context(), riderID, date)
	if err != nil {
		writeServiceError(w, r, "Route lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": nil, "points": pts})
}

// HeatmapHandler handles GET /v1/heatmap
func (s *Server) HeatmapHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !pr.CanObserve() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "operator or admin required", r.URL.Path)
		return
	}
	f, err := parseHeatmapFilter(r.URL.Query(), s.Config.Location())
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid parameter", err.Error(), r.URL.Path)
		return
	}
	hm, err := s.Tracker.Heatmap(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, "Heatmap failed", err)
		return
	}
	writeJSON(w, http.StatusOK, hm)
}

// PauseHandler handles POST /v1/sessions/{sessionID}/pause
func (s *Server) PauseHandler(w http.ResponseWriter, r *http.Request) {
	s.pauseOrResume(w, r, s.Tracker.Pause)
}

// ResumeHandler handles POST /v1/sessions/{sessionID}/resume
func (s *Server) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	s.pauseOrResume(w, r, s.Tracker.Resume)
}

func (s *Server) pauseOrResume(w http.ResponseWriter, r *http.Request, op func(context.Context, string, time.Time) (model.Route, error)) {
	sessionID := chi.URLParam(r, "sessionID")
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	session, err := s.Tracker.Session(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, "Session lookup failed", err)
		return
	}
	if !canRead(pr, session.RiderID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your session", r.URL.Path)
		return
	}
	// body is optional
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}
	route, err := op(r.Context(), sessionID, at)
	if err != nil {
		writeServiceError(w, r, "Pause bookkeeping failed", err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// RecomputeHandler handles POST /v1/sessions/{sessionID}/recompute (admin)
func (s *Server) RecomputeHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !pr.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if _, err := s.Tracker.Session(r.Context(), sessionID); err != nil {
		if errors.Is(err, tracking.ErrNoActiveSession) {
			writeProblem(w, http.StatusNotFound, "Session not found", sessionID, r.URL.Path)
			return
		}
		writeServiceError(w, r, "Session lookup failed", err)
		return
	}
	queued := s.Tracker.TriggerRecompute(sessionID)
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID, "queued": queued})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Tracker.Ready(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// OpenSessionHandler handles POST /v1/dev/sessions. Only mounted on the
// in-memory store, where no check-in subsystem exists.
func (s *Server) OpenSessionHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.RiderID == "" {
		req.RiderID = pr.RiderID
	}
	if err := validate.Struct(req); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid session", err.Error(), r.URL.Path)
		return
	}
	if !canRead(pr, req.RiderID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your session", r.URL.Path)
		return
	}
	session := s.dev.OpenSession(model.SessionInfo{
		SessionID:    strings.TrimSpace(req.SessionID),
		RiderID:      req.RiderID,
		AssignmentID: req.AssignmentID,
		CampaignID:   req.CampaignID,
	})
	writeJSON(w, http.StatusCreated, session)
}

// CloseSessionHandler handles POST /v1/dev/sessions/{sessionID}/close
func (s *Server) CloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	session, err := s.Tracker.Session(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, "Session lookup failed", err)
		return
	}
	if !canRead(pr, session.RiderID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your session", r.URL.Path)
		return
	}
	if err := s.dev.CloseSession(sessionID, time.Now()); err != nil {
		writeServiceError(w, r, "Close session failed", err)
		return
	}
	s.Tracker.TriggerRecompute(sessionID)
	session, _ = s.Tracker.Session(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, session)
}
