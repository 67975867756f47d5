package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridertrack/internal/model"
)

func fptr(v float64) *float64 { return &v }

func TestMemoryActiveSession(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.ActiveSession(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	t0 := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	old := m.OpenSession(model.SessionInfo{SessionID: "s-old", RiderID: "r1", StartedAt: t0})
	m.OpenSession(model.SessionInfo{SessionID: "s-new", RiderID: "r1", StartedAt: t0.Add(time.Hour)})
	got, err := m.ActiveSession(ctx, "r1")
	if err != nil || got.SessionID != "s-new" {
		t.Fatalf("want latest open session, got %+v %v", got, err)
	}
	if err := m.CloseSession("s-new", t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, _ = m.ActiveSession(ctx, "r1")
	if got.SessionID != old.SessionID {
		t.Fatalf("want fallback to older open session, got %s", got.SessionID)
	}
	if err := m.CloseSession("missing", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound closing unknown session, got %v", err)
	}
}

func TestMemoryPointsOrderedAndFiltered(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	m.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1", StartedAt: t0})
	pts := []model.LocationPoint{
		{ID: "c", RiderID: "r1", SessionID: "s1", Lat: 1, Lng: 1, RecordedAt: t0.Add(2 * time.Minute)},
		{ID: "a", RiderID: "r1", SessionID: "s1", Lat: 2, Lng: 2, RecordedAt: t0},
		{ID: "b", RiderID: "r1", SessionID: "s1", Lat: 3, Lng: 3, RecordedAt: t0},
	}
	if err := m.InsertPoints(ctx, pts); err != nil {
		t.Fatal(err)
	}
	got, _ := m.ListSessionPoints(ctx, "s1")
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", got)
	}
	for _, p := range got {
		if p.CreatedAt.IsZero() {
			t.Fatalf("created_at not stamped")
		}
	}
	day, _ := m.ListRiderPoints(ctx, "r1", t0, t0.Add(time.Minute))
	if len(day) != 2 {
		t.Fatalf("want 2 points in window, got %d", len(day))
	}
	latest, err := m.LatestPoint(ctx, "r1")
	if err != nil || latest.ID != "c" {
		t.Fatalf("latest: %+v %v", latest, err)
	}
	if _, err := m.LatestPoint(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryLivePointsOpenSessionsOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	m.OpenSession(model.SessionInfo{SessionID: "open", RiderID: "r1", CampaignID: "c1", StartedAt: now.Add(-time.Hour)})
	m.OpenSession(model.SessionInfo{SessionID: "closed", RiderID: "r2", CampaignID: "c1", StartedAt: now.Add(-time.Hour)})
	m.OpenSession(model.SessionInfo{SessionID: "other", RiderID: "r3", CampaignID: "c2", StartedAt: now.Add(-time.Hour)})
	_ = m.InsertPoints(ctx, []model.LocationPoint{
		{ID: "1", RiderID: "r1", SessionID: "open", CampaignID: "c1", RecordedAt: now.Add(-10 * time.Minute)},
		{ID: "2", RiderID: "r1", SessionID: "open", CampaignID: "c1", RecordedAt: now.Add(-time.Minute)},
		{ID: "3", RiderID: "r2", SessionID: "closed", CampaignID: "c1", RecordedAt: now.Add(-time.Minute)},
		{ID: "4", RiderID: "r3", SessionID: "other", CampaignID: "c2", RecordedAt: now.Add(-time.Minute)},
		{ID: "5", RiderID: "r1", SessionID: "open", CampaignID: "c1", RecordedAt: now.Add(-3 * time.Hour)},
	})
	_ = m.CloseSession("closed", now)

	got, _ := m.ListLivePoints(ctx, now.Add(-5*time.Minute), model.LiveFilter{})
	if len(got) != 2 {
		t.Fatalf("want r1 and r3, got %+v", got)
	}
	got, _ = m.ListLivePoints(ctx, now.Add(-time.Hour), model.LiveFilter{CampaignID: "c1"})
	if len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("want latest r1 point only, got %+v", got)
	}
	got, _ = m.ListLivePoints(ctx, now.Add(-time.Hour), model.LiveFilter{RiderIDs: []string{"r3"}})
	if len(got) != 1 || got[0].RiderID != "r3" {
		t.Fatalf("rider filter: %+v", got)
	}
}

func TestMemoryCoordsFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	_ = m.InsertPoints(ctx, []model.LocationPoint{
		{RiderID: "r1", SessionID: "s1", CampaignID: "c1", CountyID: "k1", Lat: 1, Lng: 1, RecordedAt: t0},
		{RiderID: "r1", SessionID: "s1", CampaignID: "c1", CountyID: "k2", Lat: 2, Lng: 2, RecordedAt: t0},
		{RiderID: "r1", SessionID: "s1", CampaignID: "c2", CountyID: "k1", Lat: 3, Lng: 3, RecordedAt: t0},
		{RiderID: "r1", SessionID: "s1", CampaignID: "c1", CountyID: "k1", Lat: 4, Lng: 4, RecordedAt: t0.Add(48 * time.Hour)},
	})
	f := model.HeatmapFilter{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)}
	if got, _ := m.ListCoords(ctx, f); len(got) != 3 {
		t.Fatalf("window: want 3, got %d", len(got))
	}
	f.CampaignID = "c1"
	if got, _ := m.ListCoords(ctx, f); len(got) != 2 {
		t.Fatalf("campaign: want 2, got %d", len(got))
	}
	f.CountyID = "k1"
	if got, _ := m.ListCoords(ctx, f); len(got) != 1 || got[0].Lat != 1 {
		t.Fatalf("county: %+v", got)
	}
}

func TestMemoryRouteUpsertKeepsPauses(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := model.RouteKey{RiderID: "r1", SessionID: "s1", Date: "2024-01-15"}
	r, err := m.EnsureRoute(ctx, key)
	if err != nil || r.Status != model.RouteActive || r.ID == "" {
		t.Fatalf("ensure: %+v %v", r, err)
	}
	again, _ := m.EnsureRoute(ctx, key)
	if again.ID != r.ID {
		t.Fatalf("ensure must be idempotent: %s vs %s", again.ID, r.ID)
	}
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	if _, err := m.SaveRoutePauses(ctx, key, []model.PauseInterval{{Start: start}}, 0); err != nil {
		t.Fatal(err)
	}
	saved, _ := m.SaveRouteStats(ctx, key, model.RouteStats{DistanceKm: fptr(1.5), PointCount: 4, CoverageAreas: []string{"A"}, Status: model.RouteActive})
	if saved.ID != r.ID || len(saved.Pauses) != 1 || *saved.DistanceKm != 1.5 {
		t.Fatalf("stats upsert clobbered route: %+v", saved)
	}
	got, err := m.GetRoute(ctx, "s1", "2024-01-15")
	if err != nil || got.PointCount != 4 {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := m.GetRoute(ctx, "s1", "2024-01-16"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryRiderRouteMostRecentlyUpdated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	clock := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	_, _ = m.EnsureRoute(ctx, model.RouteKey{RiderID: "r1", SessionID: "s1", Date: "2024-01-15"})
	clock = clock.Add(time.Hour)
	_, _ = m.EnsureRoute(ctx, model.RouteKey{RiderID: "r1", SessionID: "s2", Date: "2024-01-15"})
	got, err := m.GetRiderRoute(ctx, "r1", "2024-01-15")
	if err != nil || got.SessionID != "s2" {
		t.Fatalf("want s2, got %+v %v", got, err)
	}
	clock = clock.Add(time.Hour)
	_, _ = m.SaveRouteStats(ctx, model.RouteKey{RiderID: "r1", SessionID: "s1", Date: "2024-01-15"}, model.RouteStats{Status: model.RouteCompleted})
	got, _ = m.GetRiderRoute(ctx, "r1", "2024-01-15")
	if got.SessionID != "s1" {
		t.Fatalf("want s1 after update, got %s", got.SessionID)
	}
	if _, err := m.GetRiderRoute(ctx, "r1", "2024-01-20"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
