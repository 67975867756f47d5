package tracking

import (
	"context"
	"errors"
	"log"
	"time"

	"ridertrack/internal/cache"
	"ridertrack/internal/metrics"
	"ridertrack/internal/model"
)

const (
	fastKeyPrefix      = "rider_location_fast:"
	lastKnownKeyPrefix = "rider_location:"
)

// LiveCache keeps each rider's most recent point in two independently
// expiring slots: a short fast-path slot and a long last-known slot.
// Cache failures are logged and read as misses.
type LiveCache struct {
	c            cache.Cache
	FastTTL      time.Duration
	LastKnownTTL time.Duration
}

func NewLiveCache(c cache.Cache, fastTTL, lastKnownTTL time.Duration) *LiveCache {
	if fastTTL <= 0 {
		fastTTL = 5 * time.Minute
	}
	if lastKnownTTL <= 0 {
		lastKnownTTL = 24 * time.Hour
	}
	return &LiveCache{c: c, FastTTL: fastTTL, LastKnownTTL: lastKnownTTL}
}

// Fast returns the fast-path slot.
func (l *LiveCache) Fast(ctx context.Context, riderID string) (model.LocationPoint, bool) {
	return l.get(ctx, "fast", fastKeyPrefix+riderID)
}

// LastKnown returns the long-lived fallback slot.
func (l *LiveCache) LastKnown(ctx context.Context, riderID string) (model.LocationPoint, bool) {
	return l.get(ctx, "last_known", lastKnownKeyPrefix+riderID)
}

// Put refreshes both slots unless they already hold a later point, so a
// late-arriving sample never replaces a newer one.
func (l *LiveCache) Put(ctx context.Context, p model.LocationPoint) {
	if l == nil || l.c == nil {
		return
	}
	var cur model.LocationPoint
	if err := l.c.Get(ctx, lastKnownKeyPrefix+p.RiderID, &cur); err == nil && cur.RecordedAt.After(p.RecordedAt) {
		return
	}
	if err := l.c.Set(ctx, fastKeyPrefix+p.RiderID, p, l.FastTTL); err != nil {
		log.Printf("live cache: set fast slot for %s: %v", p.RiderID, err)
	}
	if err := l.c.Set(ctx, lastKnownKeyPrefix+p.RiderID, p, l.LastKnownTTL); err != nil {
		log.Printf("live cache: set last-known slot for %s: %v", p.RiderID, err)
	}
}

func (l *LiveCache) get(ctx context.Context, slot, key string) (model.LocationPoint, bool) {
	if l == nil || l.c == nil {
		return model.LocationPoint{}, false
	}
	var p model.LocationPoint
	err := l.c.Get(ctx, key, &p)
	switch {
	case err == nil:
		metrics.LiveCacheLookups.WithLabelValues(slot, "hit").Inc()
		return p, true
	case errors.Is(err, cache.ErrMiss):
		metrics.LiveCacheLookups.WithLabelValues(slot, "miss").Inc()
	default:
		metrics.LiveCacheLookups.WithLabelValues(slot, "error").Inc()
		log.Printf("live cache: get %s: %v", key, err)
	}
	return model.LocationPoint{}, false
}
