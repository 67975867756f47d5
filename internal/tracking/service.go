// Package tracking ingests rider location points and derives routes, live
// snapshots and heatmaps from them.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"ridertrack/internal/broker"
	"ridertrack/internal/cache"
	"ridertrack/internal/jobs"
	"ridertrack/internal/metrics"
	"ridertrack/internal/model"
	"ridertrack/internal/store"
)

// DefaultSource tags points whose payload names no source.
const DefaultSource = "mobile"

// Options tune the service. Zero values select the defaults noted per field.
type Options struct {
	Location        *time.Location // calendar for route dates and "today"; UTC
	FastTTL         time.Duration  // 5m
	LastKnownTTL    time.Duration  // 24h
	RecentWindow    time.Duration  // 5m
	HeatmapWindow   time.Duration  // 7 days
	HeatmapMaxCells int            // 10000
}

// Deps are the collaborators of a Service. Only Store is required.
type Deps struct {
	Store  store.Store
	Oracle SessionOracle // defaults to Store
	Cache  cache.Cache   // nil disables the live cache
	Areas  AreaResolver
	Notify Notifier
	Jobs   Scheduler // nil runs deferred work inline
	Now    func() time.Time
}

type Service struct {
	store  store.Store
	oracle SessionOracle
	areas  AreaResolver
	live   *LiveCache
	notify Notifier
	jobs   Scheduler
	agg    *Aggregator
	opts   Options
	now    func() time.Time
	valid  *validator.Validate
}

func NewService(d Deps, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 5 * time.Minute
	}
	if opts.HeatmapWindow <= 0 {
		opts.HeatmapWindow = 7 * 24 * time.Hour
	}
	if opts.HeatmapMaxCells <= 0 {
		opts.HeatmapMaxCells = DefaultHeatmapCells
	}
	if d.Oracle == nil {
		d.Oracle = d.Store
	}
	if d.Jobs == nil {
		d.Jobs = jobs.Inline{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{
		store:  d.Store,
		oracle: d.Oracle,
		areas:  d.Areas,
		notify: d.Notify,
		jobs:   d.Jobs,
		agg:    NewAggregator(d.Store, d.Oracle, opts.Location),
		opts:   opts,
		now:    d.Now,
		valid:  validator.New(),
	}
	if d.Cache != nil {
		s.live = NewLiveCache(d.Cache, opts.FastTTL, opts.LastKnownTTL)
	}
	return s
}

// Aggregator exposes the route aggregator used by the service.
func (s *Service) Aggregator() *Aggregator { return s.agg }

// Ingest validates and stores one point for the rider's open session, then
// refreshes the live cache and schedules recomputation and fan-out.
// origin is the publishing client id, excluded from the fan-out.
func (s *Service) Ingest(ctx context.Context, riderID string, in model.PointInput, origin string) (model.LocationView, error) {
	if err := s.validate(in); err != nil {
		metrics.PointsIngested.WithLabelValues(sourceOf(in), "invalid").Inc()
		return model.LocationView{}, err
	}
	session, err := s.activeSession(ctx, riderID)
	if err != nil {
		metrics.PointsIngested.WithLabelValues(sourceOf(in), outcomeOf(err)).Inc()
		return model.LocationView{}, err
	}
	now := s.now().UTC()
	p := s.newPoint(session, in, now)
	if err := s.store.InsertPoints(ctx, []model.LocationPoint{p}); err != nil {
		metrics.PointsIngested.WithLabelValues(p.Source, "error").Inc()
		return model.LocationView{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	metrics.PointsIngested.WithLabelValues(p.Source, "accepted").Inc()
	s.live.Put(ctx, p)
	s.scheduleRecompute(session.SessionID)
	s.schedulePublish(p, origin)
	return s.View(p, now), nil
}

// IngestBatch stores all points or none. Every point is validated before
// anything is written; the write itself is a single bulk insert.
func (s *Service) IngestBatch(ctx context.Context, riderID string, ins []model.PointInput, origin string) (int, error) {
	if len(ins) == 0 {
		return 0, nil
	}
	for i, in := range ins {
		if err := s.validate(in); err != nil {
			metrics.PointsIngested.WithLabelValues(sourceOf(in), "invalid").Add(float64(len(ins)))
			return 0, fmt.Errorf("point %d: %w", i, err)
		}
	}
	session, err := s.activeSession(ctx, riderID)
	if err != nil {
		metrics.PointsIngested.WithLabelValues(sourceOf(ins[0]), outcomeOf(err)).Add(float64(len(ins)))
		return 0, err
	}
	now := s.now().UTC()
	pts := make([]model.LocationPoint, 0, len(ins))
	latest := 0
	for i, in := range ins {
		pts = append(pts, s.newPoint(session, in, now))
		if pts[i].RecordedAt.After(pts[latest].RecordedAt) {
			latest = i
		}
	}
	if err := s.store.InsertPoints(ctx, pts); err != nil {
		metrics.PointsIngested.WithLabelValues(pts[0].Source, "error").Add(float64(len(pts)))
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, p := range pts {
		metrics.PointsIngested.WithLabelValues(p.Source, "accepted").Inc()
	}
	s.live.Put(ctx, pts[latest])
	s.scheduleRecompute(session.SessionID)
	for _, p := range pts {
		s.schedulePublish(p, origin)
	}
	return len(pts), nil
}

func (s *Service) validate(in model.PointInput) error {
	if err := s.valid.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return nil
}

func (s *Service) activeSession(ctx context.Context, riderID string) (model.SessionInfo, error) {
	session, err := s.oracle.ActiveSession(ctx, riderID)
	if errors.Is(err, store.ErrNotFound) {
		return model.SessionInfo{}, ErrNoActiveSession
	}
	if err != nil {
		return model.SessionInfo{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return session, nil
}

func (s *Service) newPoint(session model.SessionInfo, in model.PointInput, now time.Time) model.LocationPoint {
	p := model.LocationPoint{
		ID:           uuid.NewString(),
		RiderID:      session.RiderID,
		SessionID:    session.SessionID,
		AssignmentID: session.AssignmentID,
		CampaignID:   session.CampaignID,
		Lat:          *in.Latitude,
		Lng:          *in.Longitude,
		Accuracy:     in.Accuracy,
		Altitude:     in.Altitude,
		Speed:        in.Speed,
		Heading:      in.Heading,
		RecordedAt:   now,
		Source:       sourceOf(in),
		Metadata:     in.Metadata,
		CreatedAt:    now,
	}
	if in.RecordedAt != nil {
		p.RecordedAt = in.RecordedAt.UTC()
	}
	if s.areas != nil {
		if a, ok := s.areas.Resolve(p.Lat, p.Lng); ok {
			p.AreaID, p.CountyID = a.ID, a.CountyID
		}
	}
	return p
}

// TriggerRecompute schedules a route recomputation for the session.
func (s *Service) TriggerRecompute(sessionID string) bool {
	return s.scheduleRecompute(sessionID)
}

func (s *Service) scheduleRecompute(sessionID string) bool {
	return s.jobs.Submit(jobs.Task{
		Kind: "recompute",
		Key:  "recompute:" + sessionID,
		Run:  func(ctx context.Context) error { return s.agg.Recompute(ctx, sessionID) },
	})
}

func (s *Service) schedulePublish(p model.LocationPoint, origin string) {
	if s.notify == nil {
		return
	}
	s.jobs.Submit(jobs.Task{
		Kind: "publish",
		Run: func(ctx context.Context) error {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			evt := broker.Event{Type: broker.EventLocationUpdated, Origin: origin, Data: data}
			s.notify.Publish(broker.TopicLive, evt)
			if p.CampaignID != "" {
				s.notify.Publish(broker.CampaignTopic(p.CampaignID), evt)
			}
			return nil
		},
	})
}

// CurrentLocation returns the rider's most recent point, or nil when none
// was ever recorded. The fast cache slot is tried first, then the store;
// the last-known slot covers a store outage.
func (s *Service) CurrentLocation(ctx context.Context, riderID string) (*model.LocationView, error) {
	now := s.now().UTC()
	if p, ok := s.live.Fast(ctx, riderID); ok {
		v := s.View(p, now)
		return &v, nil
	}
	p, err := s.store.LatestPoint(ctx, riderID)
	switch {
	case err == nil:
		s.live.Put(ctx, p)
		v := s.View(p, now)
		return &v, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	}
	if p, ok := s.live.LastKnown(ctx, riderID); ok {
		log.Printf("current location %s: store unavailable, serving last known: %v", riderID, err)
		v := s.View(p, now)
		return &v, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// RouteForDate returns the rider's route for a local calendar date with its
// ordered points and summary. found is false when no route exists yet.
func (s *Service) RouteForDate(ctx context.Context, riderID, date string) (details model.RouteDetails, found bool, err error) {
	from, to, err := s.dayBounds(date)
	if err != nil {
		return model.RouteDetails{}, false, err
	}
	r, err := s.store.GetRiderRoute(ctx, riderID, date)
	if errors.Is(err, store.ErrNotFound) {
		return model.RouteDetails{}, false, nil
	}
	if err != nil {
		return model.RouteDetails{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	pts, err := s.store.ListSessionPoints(ctx, r.SessionID)
	if err != nil {
		return model.RouteDetails{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	now := s.now().UTC()
	views := make([]model.LocationView, 0, len(pts))
	for _, p := range pts {
		if p.RecordedAt.Before(from) || !p.RecordedAt.Before(to) {
			continue
		}
		views = append(views, s.View(p, now))
	}
	return model.RouteDetails{Route: r, Points: views, Summary: Summarize(r)}, true, nil
}

// PointsForDate returns the rider's raw points for a local calendar date,
// the fallback when no route exists.
func (s *Service) PointsForDate(ctx context.Context, riderID, date string) ([]model.LocationView, error) {
	from, to, err := s.dayBounds(date)
	if err != nil {
		return nil, err
	}
	pts, err := s.store.ListRiderPoints(ctx, riderID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	now := s.now().UTC()
	views := make([]model.LocationView, 0, len(pts))
	for _, p := range pts {
		views = append(views, s.View(p, now))
	}
	return views, nil
}

func (s *Service) dayBounds(date string) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(model.DateLayout, date, s.opts.Location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidArgument, date)
	}
	return d, d.AddDate(0, 0, 1), nil
}

// LiveSnapshot returns the latest point recorded today by each rider with an
// open session, newest first.
func (s *Service) LiveSnapshot(ctx context.Context, f model.LiveFilter) (model.LiveSnapshot, error) {
	now := s.now()
	local := now.In(s.opts.Location)
	since := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.opts.Location)
	pts, err := s.store.ListLivePoints(ctx, since, f)
	if err != nil {
		return model.LiveSnapshot{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	latest := map[string]model.LocationPoint{}
	for _, p := range pts {
		if cur, ok := latest[p.RiderID]; !ok || p.RecordedAt.After(cur.RecordedAt) {
			latest[p.RiderID] = p
		}
	}
	snap := model.LiveSnapshot{
		ActiveRiders: len(latest),
		Locations:    make([]model.LocationView, 0, len(latest)),
		LastUpdated:  now.UTC(),
	}
	for _, p := range latest {
		snap.Locations = append(snap.Locations, s.View(p, now.UTC()))
	}
	sort.Slice(snap.Locations, func(i, j int) bool {
		a, b := snap.Locations[i], snap.Locations[j]
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.After(b.RecordedAt)
		}
		return a.RiderID < b.RiderID
	})
	return snap, nil
}

// Heatmap bins point density for the filter. Missing bounds default to the
// configured window ending now. A store failure yields an empty heatmap.
func (s *Service) Heatmap(ctx context.Context, f model.HeatmapFilter) (model.Heatmap, error) {
	if f.To.IsZero() {
		f.To = s.now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-s.opts.HeatmapWindow)
	}
	if f.From.After(f.To) {
		return model.Heatmap{}, fmt.Errorf("%w: date_from is after date_to", ErrInvalidArgument)
	}
	coords, err := s.store.ListCoords(ctx, f)
	if err != nil {
		log.Printf("heatmap: list coords: %v", err)
		return model.Heatmap{Cells: []model.HeatmapCell{}}, nil
	}
	return BuildHeatmap(coords, f.MinIntensity, s.opts.HeatmapMaxCells), nil
}

// Pause opens a pause interval on the session's route for the local date of
// at. Pausing an already paused route is a no-op.
func (s *Service) Pause(ctx context.Context, sessionID string, at time.Time) (model.Route, error) {
	key, err := s.pauseKey(ctx, sessionID, at)
	if err != nil {
		return model.Route{}, err
	}
	r, err := s.store.EnsureRoute(ctx, key)
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if n := len(r.Pauses); n > 0 && r.Pauses[n-1].End == nil {
		return r, nil
	}
	pauses := append(append([]model.PauseInterval(nil), r.Pauses...), model.PauseInterval{Start: at.UTC()})
	r, err = s.store.SaveRoutePauses(ctx, key, pauses, PauseMinutes(pauses))
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return r, nil
}

// Resume closes the open pause interval, if any, and updates the
// accumulated pause minutes.
func (s *Service) Resume(ctx context.Context, sessionID string, at time.Time) (model.Route, error) {
	key, err := s.pauseKey(ctx, sessionID, at)
	if err != nil {
		return model.Route{}, err
	}
	r, err := s.store.EnsureRoute(ctx, key)
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	n := len(r.Pauses)
	if n == 0 || r.Pauses[n-1].End != nil {
		return r, nil
	}
	pauses := append([]model.PauseInterval(nil), r.Pauses...)
	end := at.UTC()
	if end.Before(pauses[n-1].Start) {
		end = pauses[n-1].Start
	}
	pauses[n-1].End = &end
	r, err = s.store.SaveRoutePauses(ctx, key, pauses, PauseMinutes(pauses))
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return r, nil
}

func (s *Service) pauseKey(ctx context.Context, sessionID string, at time.Time) (model.RouteKey, error) {
	session, err := s.oracle.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !session.Open()) {
		return model.RouteKey{}, ErrNoActiveSession
	}
	if err != nil {
		return model.RouteKey{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return model.RouteKey{
		RiderID:      session.RiderID,
		SessionID:    session.SessionID,
		AssignmentID: session.AssignmentID,
		CampaignID:   session.CampaignID,
		Date:         at.In(s.opts.Location).Format(model.DateLayout),
	}, nil
}

// Session looks up a session through the oracle.
func (s *Service) Session(ctx context.Context, sessionID string) (model.SessionInfo, error) {
	session, err := s.oracle.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return model.SessionInfo{}, ErrNoActiveSession
	}
	if err != nil {
		return model.SessionInfo{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return session, nil
}

// Ready reports whether the store answers.
func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

func sourceOf(in model.PointInput) string {
	if in.Source == "" {
		return DefaultSource
	}
	return in.Source
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrNoActiveSession) {
		return "no_session"
	}
	return "error"
}
