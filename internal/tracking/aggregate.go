package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"ridertrack/internal/geo"
	"ridertrack/internal/metrics"
	"ridertrack/internal/model"
	"ridertrack/internal/store"
)

// ComputeStats derives route statistics from points already ordered by
// capture time. It reports false when fewer than two points are given; such
// a route keeps its statistics unset.
func ComputeStats(pts []model.LocationPoint, session model.SessionInfo) (model.RouteStats, bool) {
	if len(pts) < 2 {
		return model.RouteStats{}, false
	}
	var dist float64
	coords := make([][]float64, 0, len(pts))
	var speeds []float64
	areas := map[string]struct{}{}
	for i, p := range pts {
		if i > 0 {
			prev := pts[i-1]
			dist += geo.HaversineKm(prev.Lat, prev.Lng, p.Lat, p.Lng)
		}
		coords = append(coords, []float64{p.Lat, p.Lng})
		if p.Speed != nil {
			speeds = append(speeds, *p.Speed)
		}
		if p.AreaID != "" {
			areas[p.AreaID] = struct{}{}
		}
	}
	first, last := pts[0].RecordedAt, pts[len(pts)-1].RecordedAt
	distance := geo.Round(dist, 3)
	duration := geo.Round(last.Sub(first).Minutes(), 2)
	st := model.RouteStats{
		DistanceKm:      &distance,
		DurationMinutes: &duration,
		PointCount:      len(pts),
		CoverageAreas:   make([]string, 0, len(areas)),
		EncodedPath:     geo.EncodePath(coords),
		StartedAt:       &first,
		EndedAt:         &last,
		Status:          model.RouteActive,
	}
	// mean of device-reported samples, not distance over time
	if len(speeds) > 0 {
		var sum, top float64
		for i, v := range speeds {
			sum += v
			if i == 0 || v > top {
				top = v
			}
		}
		avg := geo.Round(sum/float64(len(speeds)), 2)
		top = geo.Round(top, 2)
		st.AvgSpeed, st.MaxSpeed = &avg, &top
	}
	for id := range areas {
		st.CoverageAreas = append(st.CoverageAreas, id)
	}
	sort.Strings(st.CoverageAreas)
	if !session.Open() {
		st.Status = model.RouteCompleted
	}
	return st, true
}

// Aggregator recomputes routes from the full point set of a session.
type Aggregator struct {
	store  store.Store
	oracle SessionOracle
	loc    *time.Location
}

func NewAggregator(st store.Store, oracle SessionOracle, loc *time.Location) *Aggregator {
	if oracle == nil {
		oracle = st
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{store: st, oracle: oracle, loc: loc}
}

// Recompute rebuilds every route of a session, one per local calendar date.
// It is idempotent: the same point set always yields the same routes.
func (a *Aggregator) Recompute(ctx context.Context, sessionID string) error {
	start := time.Now()
	defer func() { metrics.RouteRecomputeDuration.Observe(time.Since(start).Seconds()) }()

	session, err := a.oracle.GetSession(ctx, sessionID)
	if err != nil {
		metrics.RouteRecomputes.WithLabelValues("abandoned").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("recompute %s: session vanished", sessionID)
		}
		return fmt.Errorf("recompute %s: load session: %w", sessionID, err)
	}
	pts, err := a.store.ListSessionPoints(ctx, sessionID)
	if err != nil {
		metrics.RouteRecomputes.WithLabelValues("abandoned").Inc()
		return fmt.Errorf("recompute %s: load points: %w", sessionID, err)
	}
	for _, day := range splitByDate(pts, a.loc) {
		key := model.RouteKey{
			RiderID:      session.RiderID,
			SessionID:    session.SessionID,
			AssignmentID: session.AssignmentID,
			CampaignID:   session.CampaignID,
			Date:         day.date,
		}
		if _, err := a.store.EnsureRoute(ctx, key); err != nil {
			metrics.RouteRecomputes.WithLabelValues("abandoned").Inc()
			return fmt.Errorf("recompute %s/%s: ensure route: %w", sessionID, day.date, err)
		}
		stats, ok := ComputeStats(day.points, session)
		if !ok {
			metrics.RouteRecomputes.WithLabelValues("skipped").Inc()
			continue
		}
		if _, err := a.store.SaveRouteStats(ctx, key, stats); err != nil {
			metrics.RouteRecomputes.WithLabelValues("abandoned").Inc()
			return fmt.Errorf("recompute %s/%s: save: %w", sessionID, day.date, err)
		}
		metrics.RouteRecomputes.WithLabelValues("ok").Inc()
	}
	if len(pts) == 0 {
		log.Printf("recompute %s: no points yet", sessionID)
	}
	return nil
}

type dayPoints struct {
	date   string
	points []model.LocationPoint
}

// splitByDate groups ordered points by local calendar date, keeping order.
func splitByDate(pts []model.LocationPoint, loc *time.Location) []dayPoints {
	var out []dayPoints
	idx := map[string]int{}
	for _, p := range pts {
		d := p.RecordedAt.In(loc).Format(model.DateLayout)
		i, ok := idx[d]
		if !ok {
			i = len(out)
			idx[d] = i
			out = append(out, dayPoints{date: d})
		}
		out[i].points = append(out[i].points, p)
	}
	return out
}
