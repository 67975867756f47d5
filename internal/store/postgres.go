package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ridertrack/internal/model"
)

// insertChunk keeps a bulk insert well below the 65535 bind-parameter limit.
const insertChunk = 1000

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every *.sql file in dir in lexical order. Migrations are
// written to be idempotent.
func (p *Postgres) MigrateDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

const sessionCols = `id, rider_id, COALESCE(assignment_id,''), COALESCE(campaign_id,''), started_at, ended_at`

func (p *Postgres) ActiveSession(ctx context.Context, riderID string) (model.SessionInfo, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE rider_id=$1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, riderID)
	return scanSession(row)
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (model.SessionInfo, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

func scanSession(row rowScanner) (model.SessionInfo, error) {
	var s model.SessionInfo
	var ended sql.NullTime
	if err := row.Scan(&s.SessionID, &s.RiderID, &s.AssignmentID, &s.CampaignID, &s.StartedAt, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionInfo{}, ErrNotFound
		}
		return model.SessionInfo{}, err
	}
	s.EndedAt = nullTime(ended)
	return s, nil
}

const pointCols = `id::text, rider_id, session_id, COALESCE(assignment_id,''), COALESCE(campaign_id,''),
	lat, lng, accuracy, altitude, speed, heading, COALESCE(area_id,''), COALESCE(county_id,''),
	recorded_at, source, metadata, created_at`

const livePointCols = `lp.id::text, lp.rider_id, lp.session_id, COALESCE(lp.assignment_id,''), COALESCE(lp.campaign_id,''),
	lp.lat, lp.lng, lp.accuracy, lp.altitude, lp.speed, lp.heading, COALESCE(lp.area_id,''), COALESCE(lp.county_id,''),
	lp.recorded_at, lp.source, lp.metadata, lp.created_at`

const pointInsertCols = 17

// InsertPoints writes the whole batch in one transaction using multi-row inserts.
func (p *Postgres) InsertPoints(ctx context.Context, points []model.LocationPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for start := 0; start < len(points); start += insertChunk {
		end := start + insertChunk
		if end > len(points) {
			end = len(points)
		}
		chunk := points[start:end]
		var sb strings.Builder
		sb.WriteString(`INSERT INTO location_points (id, rider_id, session_id, assignment_id, campaign_id, lat, lng, accuracy, altitude, speed, heading, area_id, county_id, recorded_at, source, metadata, created_at) VALUES `)
		args := make([]any, 0, len(chunk)*pointInsertCols)
		for i, pt := range chunk {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('(')
			for c := 0; c < pointInsertCols; c++ {
				if c > 0 {
					sb.WriteByte(',')
				}
				fmt.Fprintf(&sb, "$%d", i*pointInsertCols+c+1)
			}
			sb.WriteByte(')')
			id := pt.ID
			if id == "" {
				id = uuid.NewString()
			}
			created := pt.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			args = append(args, id, pt.RiderID, pt.SessionID, nullIfEmpty(pt.AssignmentID), nullIfEmpty(pt.CampaignID),
				pt.Lat, pt.Lng, pt.Accuracy, pt.Altitude, pt.Speed, pt.Heading,
				nullIfEmpty(pt.AreaID), nullIfEmpty(pt.CountyID), pt.RecordedAt, pt.Source, toJSON(pt.Metadata), created)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListSessionPoints(ctx context.Context, sessionID string) ([]model.LocationPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+pointCols+` FROM location_points WHERE session_id=$1 ORDER BY recorded_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectPoints(rows)
}

func (p *Postgres) ListRiderPoints(ctx context.Context, riderID string, from, to time.Time) ([]model.LocationPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+pointCols+` FROM location_points WHERE rider_id=$1 AND recorded_at >= $2 AND recorded_at < $3 ORDER BY recorded_at, id`, riderID, from, to)
	if err != nil {
		return nil, err
	}
	return collectPoints(rows)
}

func (p *Postgres) LatestPoint(ctx context.Context, riderID string) (model.LocationPoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pointCols+` FROM location_points WHERE rider_id=$1 ORDER BY recorded_at DESC, id DESC LIMIT 1`, riderID)
	pt, err := scanPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LocationPoint{}, ErrNotFound
	}
	return pt, err
}

// ListLivePoints returns the latest point per rider among open sessions.
func (p *Postgres) ListLivePoints(ctx context.Context, since time.Time, f model.LiveFilter) ([]model.LocationPoint, error) {
	q := `SELECT DISTINCT ON (lp.rider_id) ` + livePointCols + `
		FROM location_points lp JOIN work_sessions ws ON ws.id = lp.session_id
		WHERE ws.ended_at IS NULL AND lp.recorded_at >= $1`
	args := []any{since}
	if f.CampaignID != "" {
		args = append(args, f.CampaignID)
		q += fmt.Sprintf(" AND lp.campaign_id = $%d", len(args))
	}
	if len(f.RiderIDs) > 0 {
		ph := make([]string, 0, len(f.RiderIDs))
		for _, id := range f.RiderIDs {
			args = append(args, id)
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		q += " AND lp.rider_id IN (" + strings.Join(ph, ",") + ")"
	}
	q += " ORDER BY lp.rider_id, lp.recorded_at DESC, lp.id DESC"
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectPoints(rows)
}

func (p *Postgres) ListCoords(ctx context.Context, f model.HeatmapFilter) ([]model.Coord, error) {
	q := `SELECT lat, lng FROM location_points WHERE recorded_at >= $1 AND recorded_at <= $2`
	args := []any{f.From, f.To}
	if f.CampaignID != "" {
		args = append(args, f.CampaignID)
		q += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}
	if f.CountyID != "" {
		args = append(args, f.CountyID)
		q += fmt.Sprintf(" AND county_id = $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Coord{}
	for rows.Next() {
		var c model.Coord
		if err := rows.Scan(&c.Lat, &c.Lng); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const routeCols = `id::text, rider_id, session_id, COALESCE(assignment_id,''), COALESCE(campaign_id,''), route_date::text,
	distance_km, duration_minutes, avg_speed, max_speed, point_count, coverage_areas, COALESCE(encoded_path,''),
	started_at, ended_at, status, pause_minutes, pauses, created_at, updated_at`

// EnsureRoute creates the (session, date) route if it does not exist yet.
func (p *Postgres) EnsureRoute(ctx context.Context, key model.RouteKey) (model.Route, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rider_routes (id, rider_id, session_id, assignment_id, campaign_id, route_date)
		VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (session_id, route_date) DO NOTHING`,
		uuid.NewString(), key.RiderID, key.SessionID, nullIfEmpty(key.AssignmentID), nullIfEmpty(key.CampaignID), key.Date)
	if err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, key.SessionID, key.Date)
}

// SaveRouteStats upserts the computed fields only; pause data is untouched.
func (p *Postgres) SaveRouteStats(ctx context.Context, key model.RouteKey, st model.RouteStats) (model.Route, error) {
	areas := st.CoverageAreas
	if areas == nil {
		areas = []string{}
	}
	ab, _ := json.Marshal(areas)
	row := p.db.QueryRowContext(ctx, `INSERT INTO rider_routes (id, rider_id, session_id, assignment_id, campaign_id, route_date,
			distance_km, duration_minutes, avg_speed, max_speed, point_count, coverage_areas, encoded_path, started_at, ended_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (session_id, route_date) DO UPDATE SET
			distance_km=EXCLUDED.distance_km, duration_minutes=EXCLUDED.duration_minutes,
			avg_speed=EXCLUDED.avg_speed, max_speed=EXCLUDED.max_speed, point_count=EXCLUDED.point_count,
			coverage_areas=EXCLUDED.coverage_areas, encoded_path=EXCLUDED.encoded_path,
			started_at=EXCLUDED.started_at, ended_at=EXCLUDED.ended_at, status=EXCLUDED.status, updated_at=now()
		RETURNING `+routeCols,
		uuid.NewString(), key.RiderID, key.SessionID, nullIfEmpty(key.AssignmentID), nullIfEmpty(key.CampaignID), key.Date,
		st.DistanceKm, st.DurationMinutes, st.AvgSpeed, st.MaxSpeed, st.PointCount, string(ab), nullIfEmpty(st.EncodedPath),
		st.StartedAt, st.EndedAt, st.Status)
	return scanRoute(row)
}

func (p *Postgres) SaveRoutePauses(ctx context.Context, key model.RouteKey, pauses []model.PauseInterval, pauseMinutes float64) (model.Route, error) {
	if pauses == nil {
		pauses = []model.PauseInterval{}
	}
	pb, _ := json.Marshal(pauses)
	row := p.db.QueryRowContext(ctx, `INSERT INTO rider_routes (id, rider_id, session_id, assignment_id, campaign_id, route_date, pauses, pause_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id, route_date) DO UPDATE SET pauses=EXCLUDED.pauses, pause_minutes=EXCLUDED.pause_minutes, updated_at=now()
		RETURNING `+routeCols,
		uuid.NewString(), key.RiderID, key.SessionID, nullIfEmpty(key.AssignmentID), nullIfEmpty(key.CampaignID), key.Date,
		string(pb), pauseMinutes)
	return scanRoute(row)
}

func (p *Postgres) GetRoute(ctx context.Context, sessionID, date string) (model.Route, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+routeCols+` FROM rider_routes WHERE session_id=$1 AND route_date=$2`, sessionID, date)
	return scanRoute(row)
}

func (p *Postgres) GetRiderRoute(ctx context.Context, riderID, date string) (model.Route, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+routeCols+` FROM rider_routes WHERE rider_id=$1 AND route_date=$2 ORDER BY updated_at DESC LIMIT 1`, riderID, date)
	return scanRoute(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (model.LocationPoint, error) {
	var pt model.LocationPoint
	var acc, alt, spd, hdg sql.NullFloat64
	var meta []byte
	err := row.Scan(&pt.ID, &pt.RiderID, &pt.SessionID, &pt.AssignmentID, &pt.CampaignID,
		&pt.Lat, &pt.Lng, &acc, &alt, &spd, &hdg, &pt.AreaID, &pt.CountyID,
		&pt.RecordedAt, &pt.Source, &meta, &pt.CreatedAt)
	if err != nil {
		return model.LocationPoint{}, err
	}
	pt.Accuracy, pt.Altitude, pt.Speed, pt.Heading = nullFloat(acc), nullFloat(alt), nullFloat(spd), nullFloat(hdg)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &pt.Metadata)
	}
	return pt, nil
}

func collectPoints(rows *sql.Rows) ([]model.LocationPoint, error) {
	defer rows.Close()
	out := []model.LocationPoint{}
	for rows.Next() {
		pt, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func scanRoute(row rowScanner) (model.Route, error) {
	var r model.Route
	var dist, dur, avg, top sql.NullFloat64
	var started, ended sql.NullTime
	var areas, pauses []byte
	err := row.Scan(&r.ID, &r.RiderID, &r.SessionID, &r.AssignmentID, &r.CampaignID, &r.Date,
		&dist, &dur, &avg, &top, &r.PointCount, &areas, &r.EncodedPath,
		&started, &ended, &r.Status, &r.PauseMinutes, &pauses, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Route{}, ErrNotFound
		}
		return model.Route{}, err
	}
	r.DistanceKm, r.DurationMinutes, r.AvgSpeed, r.MaxSpeed = nullFloat(dist), nullFloat(dur), nullFloat(avg), nullFloat(top)
	r.StartedAt, r.EndedAt = nullTime(started), nullTime(ended)
	r.CoverageAreas = []string{}
	if len(areas) > 0 {
		_ = json.Unmarshal(areas, &r.CoverageAreas)
	}
	if len(pauses) > 0 {
		_ = json.Unmarshal(pauses, &r.Pauses)
	}
	return r, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(m map[string]any) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}
