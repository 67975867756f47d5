package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ridertrack/internal/broker"
	"ridertrack/internal/cache"
	"ridertrack/internal/config"
	"ridertrack/internal/model"
	"ridertrack/internal/store"
	"ridertrack/internal/tracking"
)

func newTestServer(t *testing.T, tweak func(*config.Config)) (*Server, *store.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RateRPS = 0
	if tweak != nil {
		tweak(&cfg)
	}
	mem := store.NewMemory()
	b := broker.NewBroker()
	svc := tracking.NewService(tracking.Deps{Store: mem, Cache: cache.NewMemory(), Notify: b}, tracking.Options{})
	s := newServer(cfg, svc, b)
	s.dev = mem
	return s, mem
}

type headers map[string]string

func do(t *testing.T, h http.Handler, method, path string, body any, hdr headers) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func rider(id string) headers { return headers{"X-Rider-Id": id, "X-Role": "rider"} }

var operator = headers{"X-Rider-Id": "op-1", "X-Role": "operator"}

func point(lat, lng float64, at time.Time, speed float64) map[string]any {
	return map[string]any{"latitude": lat, "longitude": lng, "recorded_at": at.Format(time.RFC3339), "speed": speed}
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()
	if rr := do(t, h, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestIngestThenRoute(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1", CampaignID: "c1"})

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rr := do(t, h, http.MethodPost, "/v1/locations", point(-1.2921, 36.8219, t0, 20), rider("r1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("ingest: %d %s", rr.Code, rr.Body)
	}
	var view model.LocationView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.SessionID != "s1" || view.CampaignID != "c1" || view.Source != tracking.DefaultSource {
		t.Fatalf("view: %+v", view)
	}
	rr = do(t, h, http.MethodPost, "/v1/locations", point(-1.2950, 36.8200, t0.Add(5*time.Minute), 30), rider("r1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("ingest: %d %s", rr.Code, rr.Body)
	}

	rr = do(t, h, http.MethodGet, "/v1/riders/r1/route?date=2025-03-10", nil, rider("r1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("route: %d %s", rr.Code, rr.Body)
	}
	var details model.RouteDetails
	if err := json.Unmarshal(rr.Body.Bytes(), &details); err != nil {
		t.Fatal(err)
	}
	if details.Route.PointCount != 2 || len(details.Points) != 2 || details.Route.DistanceKm == nil {
		t.Fatalf("route details: %+v", details.Route)
	}
	if *details.Route.DurationMinutes != 5 || details.Summary.AvgSpeed != 25 || details.Summary.MaxSpeed != 30 {
		t.Fatalf("summary: %+v", details.Summary)
	}
}

func TestRouteFallbackToPoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := do(t, s.Routes(), http.MethodGet, "/v1/riders/r9/route?date=2025-03-10", nil, rider("r9"))
	if rr.Code != http.StatusOK {
		t.Fatalf("route: %d %s", rr.Code, rr.Body)
	}
	var body struct {
		Route  *model.Route         `json:"route"`
		Points []model.LocationView `json:"points"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Route != nil || body.Points == nil || len(body.Points) != 0 {
		t.Fatalf("fallback: %s", rr.Body)
	}
	rr = do(t, s.Routes(), http.MethodGet, "/v1/riders/r9/route?date=10-03-2025", nil, rider("r9"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad date: got %d", rr.Code)
	}
}

func TestIngestErrors(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	now := time.Now().UTC()

	rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 2, now, 0), rider("nobody"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("no session: got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Type"), "json") {
		t.Fatalf("content type: %q", rr.Header().Get("Content-Type"))
	}
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})
	if rr := do(t, h, http.MethodPost, "/v1/locations", `{"latitude":`, rider("r1")); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/locations", point(95, 2, now, 0), rider("r1")); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad latitude: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/locations", map[string]any{"longitude": 2}, rider("r1")); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing latitude: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 2, now, 0), nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: got %d", rr.Code)
	}
	pts, _ := mem.ListSessionPoints(context.Background(), "s1")
	if len(pts) != 0 {
		t.Fatalf("rejected points were stored: %d", len(pts))
	}
}

func TestBatch(t *testing.T) {
	s, mem := newTestServer(t, func(c *config.Config) { c.Tracking.MaxBatch = 3 })
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})
	t0 := time.Now().UTC().Add(-time.Hour)

	batch := map[string]any{"points": []any{
		point(1, 1, t0, 10),
		point(1.001, 1, t0.Add(time.Minute), 12),
		point(1.002, 1, t0.Add(2*time.Minute), 14),
	}}
	rr := do(t, h, http.MethodPost, "/v1/locations/batch", batch, rider("r1"))
	if rr.Code != http.StatusCreated || !strings.Contains(rr.Body.String(), `"count":3`) {
		t.Fatalf("batch: %d %s", rr.Code, rr.Body)
	}

	tooMany := map[string]any{"points": []any{point(1, 1, t0, 0), point(1, 1, t0, 0), point(1, 1, t0, 0), point(1, 1, t0, 0)}}
	if rr := do(t, h, http.MethodPost, "/v1/locations/batch", tooMany, rider("r1")); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversized batch: got %d", rr.Code)
	}
	mixed := map[string]any{"points": []any{point(1, 1, t0, 0), point(1, 200, t0, 0)}}
	if rr := do(t, h, http.MethodPost, "/v1/locations/batch", mixed, rider("r1")); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid point in batch: got %d", rr.Code)
	}
	bare := []any{point(1.003, 1, t0.Add(3*time.Minute), 16), point(1.004, 1, t0.Add(4*time.Minute), 18)}
	rr = do(t, h, http.MethodPost, "/v1/locations/batch", bare, rider("r1"))
	if rr.Code != http.StatusCreated || !strings.Contains(rr.Body.String(), `"count":2`) {
		t.Fatalf("bare array batch: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/v1/locations/batch", map[string]any{}, rider("r1")); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing points: got %d", rr.Code)
	}
	pts, _ := mem.ListSessionPoints(context.Background(), "s1")
	if len(pts) != 5 {
		t.Fatalf("want 5 stored points, got %d", len(pts))
	}
}

func TestRateLimit(t *testing.T) {
	s, mem := newTestServer(t, func(c *config.Config) {
		c.Server.RateRPS = 0.001
		c.Server.RateBurst = 1
	})
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})
	now := time.Now().UTC()
	if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1, now, 0), rider("r1")); rr.Code != http.StatusCreated {
		t.Fatalf("first: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1, now, 0), rider("r1")); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: got %d", rr.Code)
	}
}

func TestReadAccess(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})
	if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1, time.Now().UTC(), 0), rider("r1")); rr.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", rr.Code)
	}

	if rr := do(t, h, http.MethodGet, "/v1/riders/r1/location", nil, rider("r2")); rr.Code != http.StatusForbidden {
		t.Fatalf("other rider: got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/riders/r1/location", nil, operator)
	if rr.Code != http.StatusOK {
		t.Fatalf("operator: got %d", rr.Code)
	}
	var body struct {
		Location *model.LocationView `json:"location"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Location == nil || !body.Location.IsRecent {
		t.Fatalf("location: %s", rr.Body)
	}

	rr = do(t, h, http.MethodGet, "/v1/riders/ghost/location", nil, operator)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"location":null`) {
		t.Fatalf("unknown rider: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodGet, "/v1/locations/live", nil, rider("r1")); rr.Code != http.StatusForbidden {
		t.Fatalf("live as rider: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/heatmap", nil, rider("r1")); rr.Code != http.StatusForbidden {
		t.Fatalf("heatmap as rider: got %d", rr.Code)
	}
}

func TestLiveSnapshotFilters(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1", CampaignID: "c1"})
	mem.OpenSession(model.SessionInfo{SessionID: "s2", RiderID: "r2", CampaignID: "c2"})
	now := time.Now().UTC()
	for _, id := range []string{"r1", "r2"} {
		if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1, now, 0), rider(id)); rr.Code != http.StatusCreated {
			t.Fatalf("ingest %s: %d", id, rr.Code)
		}
	}
	cases := map[string]int{
		"/v1/locations/live":                             2,
		"/v1/locations/live?campaign_id=c1":              1,
		"/v1/locations/live?rider_ids=r1,r2":             2,
		"/v1/locations/live?rider_ids[]=r2":              1,
		"/v1/locations/live?rider_ids=r3":                0,
		"/v1/locations/live?campaign_id=c2&rider_ids=r1": 0,
	}
	for path, want := range cases {
		rr := do(t, h, http.MethodGet, path, nil, operator)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, rr.Code)
		}
		var snap model.LiveSnapshot
		_ = json.Unmarshal(rr.Body.Bytes(), &snap)
		if snap.ActiveRiders != want || len(snap.Locations) != want {
			t.Errorf("%s: want %d riders, got %d", path, want, snap.ActiveRiders)
		}
	}
}

func TestHeatmapParams(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1", CampaignID: "c1"})
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	batch := map[string]any{"points": []any{point(1.00001, 2.00001, t0, 0), point(1.00002, 2.00002, t0.Add(time.Minute), 0), point(3, 4, t0.Add(2*time.Minute), 0)}}
	if rr := do(t, h, http.MethodPost, "/v1/locations/batch", batch, rider("r1")); rr.Code != http.StatusCreated {
		t.Fatalf("batch: %d %s", rr.Code, rr.Body)
	}

	rr := do(t, h, http.MethodGet, "/v1/heatmap?date_from=2025-03-10&date_to=2025-03-10&campaign_id=c1", nil, operator)
	if rr.Code != http.StatusOK {
		t.Fatalf("heatmap: %d %s", rr.Code, rr.Body)
	}
	var hm model.Heatmap
	_ = json.Unmarshal(rr.Body.Bytes(), &hm)
	if hm.Count != 2 || hm.MaxIntensity != 2 || hm.Cells[0].Intensity != 2 {
		t.Fatalf("heatmap: %+v", hm)
	}
	var raw struct {
		Points []map[string]float64 `json:"points"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil || len(raw.Points) == 0 {
		t.Fatalf("raw heatmap: %v %s", err, rr.Body)
	}
	if lon, ok := raw.Points[0]["lon"]; !ok || lon != 2 || raw.Points[0]["lat"] != 1 {
		t.Fatalf("cell keys: %v", raw.Points[0])
	}

	rr = do(t, h, http.MethodGet, "/v1/heatmap?date_from=2025-03-10&date_to=2025-03-10&intensity_threshold=2", nil, operator)
	_ = json.Unmarshal(rr.Body.Bytes(), &hm)
	if hm.Count != 1 {
		t.Fatalf("threshold: %+v", hm)
	}
	for _, q := range []string{"date_from=yesterday", "intensity_threshold=-1", "date_from=2025-03-11&date_to=2025-03-10"} {
		if rr := do(t, h, http.MethodGet, "/v1/heatmap?"+q, nil, operator); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d", q, rr.Code)
		}
	}
}

func TestPauseResumeRecompute(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	rr := do(t, h, http.MethodPost, "/v1/sessions/s1/pause", map[string]any{"at": t0}, rider("r1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rr.Code, rr.Body)
	}
	rr = do(t, h, http.MethodPost, "/v1/sessions/s1/resume", map[string]any{"at": t0.Add(10 * time.Minute)}, rider("r1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rr.Code, rr.Body)
	}
	var route model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &route)
	if route.PauseMinutes != 10 || len(route.Pauses) != 1 {
		t.Fatalf("route: %+v", route)
	}
	if rr := do(t, h, http.MethodPost, "/v1/sessions/s1/pause", nil, rider("r2")); rr.Code != http.StatusForbidden {
		t.Fatalf("other rider pause: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/sessions/nope/pause", nil, rider("r1")); rr.Code != http.StatusConflict {
		t.Fatalf("unknown session: got %d", rr.Code)
	}

	if rr := do(t, h, http.MethodPost, "/v1/sessions/s1/recompute", nil, operator); rr.Code != http.StatusForbidden {
		t.Fatalf("recompute as operator: got %d", rr.Code)
	}
	admin := headers{"X-Rider-Id": "a1", "X-Role": "admin"}
	if rr := do(t, h, http.MethodPost, "/v1/sessions/s1/recompute", nil, admin); rr.Code != http.StatusAccepted {
		t.Fatalf("recompute: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/sessions/nope/recompute", nil, admin); rr.Code != http.StatusNotFound {
		t.Fatalf("recompute unknown: got %d", rr.Code)
	}
}

func TestDevSessions(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()
	rr := do(t, h, http.MethodPost, "/v1/dev/sessions", map[string]any{"campaign_id": "c1"}, rider("r1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("open: %d %s", rr.Code, rr.Body)
	}
	var session model.SessionInfo
	_ = json.Unmarshal(rr.Body.Bytes(), &session)
	if session.SessionID == "" || session.RiderID != "r1" || !session.Open() {
		t.Fatalf("session: %+v", session)
	}
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1+float64(i)/1000, t0.Add(time.Duration(i)*time.Minute), 0), rider("r1")); rr.Code != http.StatusCreated {
			t.Fatalf("ingest: %d", rr.Code)
		}
	}
	rr = do(t, h, http.MethodPost, "/v1/dev/sessions/"+session.SessionID+"/close", nil, rider("r1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rr.Code, rr.Body)
	}
	rr = do(t, h, http.MethodGet, "/v1/riders/r1/route?date=2025-03-10", nil, rider("r1"))
	if !strings.Contains(rr.Body.String(), `"status":"completed"`) {
		t.Fatalf("route after close: %s", rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1, t0, 0), rider("r1")); rr.Code != http.StatusConflict {
		t.Fatalf("ingest after close: got %d", rr.Code)
	}
}

func TestDebugAndDocs(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()
	if rr := do(t, h, http.MethodGet, "/v1/debug", nil, operator); rr.Code != http.StatusForbidden {
		t.Fatalf("debug as operator: got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/debug", nil, headers{"X-Rider-Id": "a1", "X-Role": "admin"})
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"store_driver":"memory"`) {
		t.Fatalf("debug: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodGet, "/openapi.yaml", nil, nil); rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "openapi:") {
		t.Fatalf("openapi.yaml: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/openapi.json", nil, nil)
	var doc map[string]any
	if rr.Code != http.StatusOK || json.Unmarshal(rr.Body.Bytes(), &doc) != nil || doc["paths"] == nil {
		t.Fatalf("openapi.json: %d", rr.Code)
	}
}

func TestBearerTokens(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Routes()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})
	rr := do(t, h, http.MethodPost, "/v1/locations", point(1, 1, time.Now().UTC(), 0), headers{"Authorization": "Bearer r1:rider"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("dev bearer: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodGet, "/v1/riders/r1/location", nil, headers{"Authorization": "Bearer garbage"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", rr.Code)
	}

	hs, _ := newTestServer(t, func(c *config.Config) {
		c.Auth.Mode = "hmac"
		c.Auth.HMACSecret = "s3cret"
	})
	if rr := do(t, hs.Routes(), http.MethodGet, "/v1/riders/r1/location", nil, rider("r1")); rr.Code != http.StatusUnauthorized {
		t.Fatalf("headers outside dev mode: got %d", rr.Code)
	}
}

func TestLiveStreamSSE(t *testing.T) {
	s, mem := newTestServer(t, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1", CampaignID: "c1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/live/stream?campaign_id=c1", nil)
	req.Header.Set("X-Rider-Id", "op-1")
	req.Header.Set("X-Role", "operator")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("stream: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": subscribed campaign:c1") {
		t.Fatalf("preamble: %q %v", line, err)
	}

	body, _ := json.Marshal(point(1, 1, time.Now().UTC(), 0))
	post, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/locations", bytes.NewReader(body))
	post.Header.Set("X-Rider-Id", "r1")
	pr, err := http.DefaultClient.Do(post)
	if err != nil {
		t.Fatal(err)
	}
	pr.Body.Close()

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("no event received: %v", err)
		}
		if line == fmt.Sprintf("event: %s\n", broker.EventLocationUpdated) {
			data, _ := br.ReadString('\n')
			if !strings.Contains(data, `"rider_id":"r1"`) {
				t.Fatalf("data: %q", data)
			}
			return
		}
	}
}

func TestLiveWebsocket(t *testing.T) {
	s, mem := newTestServer(t, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	mem.OpenSession(model.SessionInfo{SessionID: "s1", RiderID: "r1"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live/ws?access_token=op-1:operator"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatal(err)
	}
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" {
		t.Fatalf("ack: %+v %v", msg, err)
	}
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1"}); err != nil {
		t.Fatal(err)
	}
	// the subscription is registered once the server has read the message
	deadline := time.Now().Add(2 * time.Second)
	for s.Broker.(*broker.Broker).Subscribers(broker.TopicLive) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rr := do(t, s.Routes(), http.MethodPost, "/v1/locations", point(1, 1, time.Now().UTC(), 0), rider("r1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", rr.Code)
	}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "ping" {
			continue
		}
		break
	}
	if msg.Type != "next" || msg.ID != "1" {
		t.Fatalf("message: %+v", msg)
	}
	var evt broker.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil || evt.Type != broker.EventLocationUpdated {
		t.Fatalf("event: %s %v", msg.Payload, err)
	}
}

func TestLiveWebsocketRepeatedInit(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.keepAlive = 100 * time.Millisecond
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live/ws?access_token=op-1:operator"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
			t.Fatal(err)
		}
	}
	acks := 0
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for acks < 3 {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read ack: %v", err)
		}
		if msg.Type == "connection_ack" {
			acks++
		}
	}

	// one keep-alive loop sends at most one ping per interval
	pings := 0
	_ = conn.SetReadDeadline(time.Now().Add(550 * time.Millisecond))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == "ping" {
			pings++
		}
	}
	if pings == 0 || pings > 7 {
		t.Fatalf("got %d pings in 550ms with a 100ms keep-alive", pings)
	}
}
