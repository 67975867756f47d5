package tracking

import (
	"context"

	"ridertrack/internal/broker"
	"ridertrack/internal/geo"
	"ridertrack/internal/jobs"
	"ridertrack/internal/model"
)

// SessionOracle answers which work session a rider currently has open.
// It is owned by the check-in subsystem and read-only here.
type SessionOracle interface {
	ActiveSession(ctx context.Context, riderID string) (model.SessionInfo, error)
	GetSession(ctx context.Context, sessionID string) (model.SessionInfo, error)
}

// AreaResolver maps a coordinate to the ward that contains it.
type AreaResolver interface {
	Resolve(lat, lng float64) (geo.Area, bool)
}

// Notifier publishes live events. broker.EventBroker satisfies it.
type Notifier interface {
	Publish(topic string, evt broker.Event)
}

// Scheduler accepts deferred work without blocking. *jobs.Pool satisfies it.
type Scheduler interface {
	Submit(t jobs.Task) bool
}
