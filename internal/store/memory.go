package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridertrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]model.SessionInfo // sessionId -> session
	points    []model.LocationPoint        // append-only ledger
	bySession map[string][]int             // sessionId -> indexes into points
	byRider   map[string][]int             // riderId -> indexes into points
	routes    map[string]model.Route       // sessionId|date -> route
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions:  map[string]model.SessionInfo{},
		bySession: map[string][]int{},
		byRider:   map[string][]int{},
		routes:    map[string]model.Route{},
		now:       time.Now,
	}
}

// OpenSession records a check-in. The memory store doubles as the session
// oracle in development and tests.
func (m *Memory) OpenSession(s model.SessionInfo) model.SessionInfo {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = m.now().UTC()
	}
	s.EndedAt = nil
	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()
	return s
}

// CloseSession records a check-out.
func (m *Memory) CloseSession(sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.EndedAt = &at
	m.sessions[sessionID] = s
	return nil
}

// DeleteSession drops a session entirely, as if the check-in subsystem lost it.
func (m *Memory) DeleteSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Memory) ActiveSession(ctx context.Context, riderID string) (model.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best model.SessionInfo
	found := false
	for _, s := range m.sessions {
		if s.RiderID != riderID || !s.Open() {
			continue
		}
		if !found || s.StartedAt.After(best.StartedAt) {
			best, found = s, true
		}
	}
	if !found {
		return model.SessionInfo{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) GetSession(ctx context.Context, sessionID string) (model.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return model.SessionInfo{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) InsertPoints(ctx context.Context, points []model.LocationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = m.now().UTC()
		}
		i := len(m.points)
		m.points = append(m.points, p)
		m.bySession[p.SessionID] = append(m.bySession[p.SessionID], i)
		m.byRider[p.RiderID] = append(m.byRider[p.RiderID], i)
	}
	return nil
}

func (m *Memory) ListSessionPoints(ctx context.Context, sessionID string) ([]model.LocationPoint, error) {
	m.mu.RLock()
	out := make([]model.LocationPoint, 0, len(m.bySession[sessionID]))
	for _, i := range m.bySession[sessionID] {
		out = append(out, m.points[i])
	}
	m.mu.RUnlock()
	SortPoints(out)
	return out, nil
}

func (m *Memory) ListRiderPoints(ctx context.Context, riderID string, from, to time.Time) ([]model.LocationPoint, error) {
	m.mu.RLock()
	out := []model.LocationPoint{}
	for _, i := range m.byRider[riderID] {
		p := m.points[i]
		if p.RecordedAt.Before(from) || !p.RecordedAt.Before(to) {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()
	SortPoints(out)
	return out, nil
}

func (m *Memory) LatestPoint(ctx context.Context, riderID string) (model.LocationPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byRider[riderID]
	if len(idx) == 0 {
		return model.LocationPoint{}, ErrNotFound
	}
	best := m.points[idx[0]]
	for _, i := range idx[1:] {
		if later(m.points[i], best) {
			best = m.points[i]
		}
	}
	return best, nil
}

func (m *Memory) ListLivePoints(ctx context.Context, since time.Time, f model.LiveFilter) ([]model.LocationPoint, error) {
	riders := toSet(f.RiderIDs)
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := map[string]model.LocationPoint{}
	for _, p := range m.points {
		if p.RecordedAt.Before(since) {
			continue
		}
		if s, ok := m.sessions[p.SessionID]; !ok || !s.Open() {
			continue
		}
		if f.CampaignID != "" && p.CampaignID != f.CampaignID {
			continue
		}
		if len(riders) > 0 {
			if _, ok := riders[p.RiderID]; !ok {
				continue
			}
		}
		if cur, ok := latest[p.RiderID]; !ok || later(p, cur) {
			latest[p.RiderID] = p
		}
	}
	out := make([]model.LocationPoint, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) ListCoords(ctx context.Context, f model.HeatmapFilter) ([]model.Coord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Coord{}
	for _, p := range m.points {
		if p.RecordedAt.Before(f.From) || p.RecordedAt.After(f.To) {
			continue
		}
		if f.CampaignID != "" && p.CampaignID != f.CampaignID {
			continue
		}
		if f.CountyID != "" && p.CountyID != f.CountyID {
			continue
		}
		out = append(out, model.Coord{Lat: p.Lat, Lng: p.Lng})
	}
	return out, nil
}

func (m *Memory) EnsureRoute(ctx context.Context, key model.RouteKey) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(key), nil
}

func (m *Memory) ensureLocked(key model.RouteKey) model.Route {
	k := routeKey(key.SessionID, key.Date)
	if r, ok := m.routes[k]; ok {
		return r
	}
	now := m.now().UTC()
	r := model.Route{
		ID:           uuid.NewString(),
		RiderID:      key.RiderID,
		SessionID:    key.SessionID,
		AssignmentID: key.AssignmentID,
		CampaignID:   key.CampaignID,
		Date:         key.Date,
		RouteStats:   model.RouteStats{Status: model.RouteActive, CoverageAreas: []string{}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.routes[k] = r
	return r
}

func (m *Memory) SaveRouteStats(ctx context.Context, key model.RouteKey, stats model.RouteStats) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.ensureLocked(key)
	r.RouteStats = stats
	r.UpdatedAt = m.now().UTC()
	m.routes[routeKey(key.SessionID, key.Date)] = r
	return r, nil
}

func (m *Memory) SaveRoutePauses(ctx context.Context, key model.RouteKey, pauses []model.PauseInterval, pauseMinutes float64) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.ensureLocked(key)
	r.Pauses = append([]model.PauseInterval(nil), pauses...)
	r.PauseMinutes = pauseMinutes
	r.UpdatedAt = m.now().UTC()
	m.routes[routeKey(key.SessionID, key.Date)] = r
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, sessionID, date string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[routeKey(sessionID, date)]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetRiderRoute(ctx context.Context, riderID, date string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best model.Route
	found := false
	for _, r := range m.routes {
		if r.RiderID != riderID || r.Date != date {
			continue
		}
		if !found || r.UpdatedAt.After(best.UpdatedAt) {
			best, found = r, true
		}
	}
	if !found {
		return model.Route{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func routeKey(sessionID, date string) string { return sessionID + "|" + date }

func later(a, b model.LocationPoint) bool {
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.After(b.RecordedAt)
	}
	return a.ID > b.ID
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
