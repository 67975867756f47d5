package store

import (
	"context"
	"errors"
	"time"

	"ridertrack/internal/model"
)

// Store is the persistence interface used by the tracker. Points are
// append-only; routes are written through key-scoped upserts so concurrent
// writers never need application locks.
type Store interface {
	// Sessions: read-only view of the check-in subsystem
	ActiveSession(ctx context.Context, riderID string) (model.SessionInfo, error)
	GetSession(ctx context.Context, sessionID string) (model.SessionInfo, error)

	// Points
	InsertPoints(ctx context.Context, points []model.LocationPoint) error
	ListSessionPoints(ctx context.Context, sessionID string) ([]model.LocationPoint, error)
	ListRiderPoints(ctx context.Context, riderID string, from, to time.Time) ([]model.LocationPoint, error)
	LatestPoint(ctx context.Context, riderID string) (model.LocationPoint, error)
	ListLivePoints(ctx context.Context, since time.Time, f model.LiveFilter) ([]model.LocationPoint, error)
	ListCoords(ctx context.Context, f model.HeatmapFilter) ([]model.Coord, error)

	// Routes
	EnsureRoute(ctx context.Context, key model.RouteKey) (model.Route, error)
	SaveRouteStats(ctx context.Context, key model.RouteKey, stats model.RouteStats) (model.Route, error)
	SaveRoutePauses(ctx context.Context, key model.RouteKey, pauses []model.PauseInterval, pauseMinutes float64) (model.Route, error)
	GetRoute(ctx context.Context, sessionID, date string) (model.Route, error)
	GetRiderRoute(ctx context.Context, riderID, date string) (model.Route, error)

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
