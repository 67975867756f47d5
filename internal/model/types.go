package model

import "time"

// Route lifecycle statuses.
const (
	RouteActive    = "active"
	RouteCompleted = "completed"
)

// DateLayout is the calendar-date format used for route keys and query params.
const DateLayout = "2006-01-02"

// LocationPoint is one accepted GPS sample. Points are never updated.
type LocationPoint struct {
	ID           string         `json:"id" bson:"_id"`
	RiderID      string         `json:"rider_id" bson:"rider_id"`
	SessionID    string         `json:"session_id" bson:"session_id"`
	AssignmentID string         `json:"assignment_id,omitempty" bson:"assignment_id,omitempty"`
	CampaignID   string         `json:"campaign_id,omitempty" bson:"campaign_id,omitempty"`
	Lat          float64        `json:"latitude" bson:"lat"`
	Lng          float64        `json:"longitude" bson:"lng"`
	Accuracy     *float64       `json:"accuracy,omitempty" bson:"accuracy,omitempty"`
	Altitude     *float64       `json:"altitude,omitempty" bson:"altitude,omitempty"`
	Speed        *float64       `json:"speed,omitempty" bson:"speed,omitempty"` // km/h, device reported
	Heading      *float64       `json:"heading,omitempty" bson:"heading,omitempty"`
	AreaID       string         `json:"area_id,omitempty" bson:"area_id,omitempty"`
	CountyID     string         `json:"county_id,omitempty" bson:"county_id,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at" bson:"recorded_at"`
	Source       string         `json:"source" bson:"source"`
	Metadata     map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
}

// PointInput is the ingestion payload for a single sample.
type PointInput struct {
	Latitude   *float64       `json:"latitude" validate:"required,latitude"`
	Longitude  *float64       `json:"longitude" validate:"required,longitude"`
	Accuracy   *float64       `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Altitude   *float64       `json:"altitude,omitempty"`
	Speed      *float64       `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading    *float64       `json:"heading,omitempty" validate:"omitempty,gte=0,lte=360"`
	RecordedAt *time.Time     `json:"recorded_at,omitempty"`
	Source     string         `json:"source,omitempty" validate:"omitempty,max=32"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionInfo describes a rider's work session as reported by the check-in subsystem.
type SessionInfo struct {
	SessionID    string     `json:"session_id" bson:"_id"`
	RiderID      string     `json:"rider_id" bson:"rider_id"`
	AssignmentID string     `json:"assignment_id,omitempty" bson:"assignment_id,omitempty"`
	CampaignID   string     `json:"campaign_id,omitempty" bson:"campaign_id,omitempty"`
	StartedAt    time.Time  `json:"started_at" bson:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
}

// Open reports whether the session has not been checked out yet.
func (s SessionInfo) Open() bool { return s.EndedAt == nil }

// RouteKey identifies a route: one per session per calendar date.
type RouteKey struct {
	RiderID      string
	SessionID    string
	AssignmentID string
	CampaignID   string
	Date         string
}

// PauseInterval is a paused stretch of a route. End is nil while paused.
type PauseInterval struct {
	Start time.Time  `json:"start" bson:"start"`
	End   *time.Time `json:"end,omitempty" bson:"end,omitempty"`
}

// RouteStats are the fields a recomputation owns. Nil pointers mean "not computed".
type RouteStats struct {
	DistanceKm      *float64   `json:"distance_km,omitempty" bson:"distance_km,omitempty"`
	DurationMinutes *float64   `json:"duration_minutes,omitempty" bson:"duration_minutes,omitempty"`
	AvgSpeed        *float64   `json:"avg_speed,omitempty" bson:"avg_speed,omitempty"`
	MaxSpeed        *float64   `json:"max_speed,omitempty" bson:"max_speed,omitempty"`
	PointCount      int        `json:"location_points_count" bson:"point_count"`
	CoverageAreas   []string   `json:"coverage_areas" bson:"coverage_areas"`
	EncodedPath     string     `json:"encoded_path,omitempty" bson:"encoded_path,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Status          string     `json:"status" bson:"status"`
}

// Route is the per-session-per-day aggregate derived from raw points.
type Route struct {
	ID           string `json:"id" bson:"_id"`
	RiderID      string `json:"rider_id" bson:"rider_id"`
	SessionID    string `json:"session_id" bson:"session_id"`
	AssignmentID string `json:"assignment_id,omitempty" bson:"assignment_id,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty" bson:"campaign_id,omitempty"`
	Date         string `json:"date" bson:"date"`
	RouteStats   `bson:",inline"`
	PauseMinutes float64         `json:"pause_minutes" bson:"pause_minutes"`
	Pauses       []PauseInterval `json:"pauses,omitempty" bson:"pauses,omitempty"`
	CreatedAt    time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" bson:"updated_at"`
}

// Key returns the route's identifying key.
func (r Route) Key() RouteKey {
	return RouteKey{RiderID: r.RiderID, SessionID: r.SessionID, AssignmentID: r.AssignmentID, CampaignID: r.CampaignID, Date: r.Date}
}

// LocationView is a point enriched with presentation fields.
type LocationView struct {
	LocationPoint
	Address  string `json:"address,omitempty"`
	TimeAgo  string `json:"time_ago"`
	IsRecent bool   `json:"is_recent"`
}

// LiveFilter narrows a live snapshot.
type LiveFilter struct {
	CampaignID string
	RiderIDs   []string
}

// LiveSnapshot holds the latest point per rider with an open session.
type LiveSnapshot struct {
	ActiveRiders int            `json:"active_riders"`
	Locations    []LocationView `json:"locations"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// HeatmapFilter selects the points that feed a heatmap.
type HeatmapFilter struct {
	CampaignID   string
	CountyID     string
	From         time.Time
	To           time.Time
	MinIntensity int
}

// Coord is a bare latitude/longitude pair.
type Coord struct {
	Lat float64 `bson:"lat"`
	Lng float64 `bson:"lng"`
}

// HeatmapCell is a rounded-coordinate bucket with its point count.
type HeatmapCell struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Intensity int     `json:"intensity"`
}

// Heatmap is the ranked, capped list of cells for a query.
type Heatmap struct {
	Cells        []HeatmapCell `json:"points"`
	MaxIntensity int           `json:"max_intensity"`
	Count        int           `json:"count"`
}

// RouteSummary is the presentation summary of a route.
type RouteSummary struct {
	DistanceKm        float64 `json:"distance_km"`
	DurationMinutes   float64 `json:"duration_minutes"`
	DurationFormatted string  `json:"duration_formatted"`
	ActiveMinutes     float64 `json:"active_minutes"`
	PauseMinutes      float64 `json:"pause_minutes"`
	AvgSpeed          float64 `json:"avg_speed"`
	MaxSpeed          float64 `json:"max_speed"`
	PointCount        int     `json:"location_points_count"`
	CoverageCount     int     `json:"coverage_areas_count"`
}

// RouteDetails bundles a route with its ordered points and summary.
type RouteDetails struct {
	Route   Route          `json:"route"`
	Points  []LocationView `json:"points"`
	Summary RouteSummary   `json:"summary"`
}
