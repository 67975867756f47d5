package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"ridertrack/internal/model"
)

const mongoTimeout = 5 * time.Second

// Mongo stores sessions, points and routes in three collections.
type Mongo struct {
	client   *mongo.Client
	sessions *mongo.Collection
	points   *mongo.Collection
	routes   *mongo.Collection
}

func NewMongo(uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri not provided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	m := &Mongo{
		client:   client,
		sessions: db.Collection("work_sessions"),
		points:   db.Collection("location_points"),
		routes:   db.Collection("rider_routes"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	log.Printf("mongo store ready (database=%s)", database)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	if _, err := m.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "rider_id", Value: 1}, {Key: "ended_at", Value: 1}}}); err != nil {
		return err
	}
	if _, err := m.points.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "recorded_at", Value: 1}}},
		{Keys: bson.D{{Key: "rider_id", Value: 1}, {Key: "recorded_at", Value: -1}}},
		{Keys: bson.D{{Key: "recorded_at", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := m.routes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "date", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "rider_id", Value: 1}, {Key: "date", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	return err
}

func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

func (m *Mongo) Ping(ctx context.Context) error { return m.client.Ping(ctx, readpref.Primary()) }

func (m *Mongo) ActiveSession(ctx context.Context, riderID string) (model.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})
	var s model.SessionInfo
	err := m.sessions.FindOne(ctx, bson.M{"rider_id": riderID, "ended_at": nil}, opts).Decode(&s)
	return s, notFound(err)
}

func (m *Mongo) GetSession(ctx context.Context, sessionID string) (model.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	var s model.SessionInfo
	err := m.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&s)
	return s, notFound(err)
}

func (m *Mongo) InsertPoints(ctx context.Context, points []model.LocationPoint) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	docs := make([]any, 0, len(points))
	for _, p := range points {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		docs = append(docs, p)
	}
	_, err := m.points.InsertMany(ctx, docs)
	return err
}

var ascByTime = bson.D{{Key: "recorded_at", Value: 1}, {Key: "_id", Value: 1}}
var descByTime = bson.D{{Key: "recorded_at", Value: -1}, {Key: "_id", Value: -1}}

func (m *Mongo) ListSessionPoints(ctx context.Context, sessionID string) ([]model.LocationPoint, error) {
	return m.findPoints(ctx, bson.M{"session_id": sessionID})
}

func (m *Mongo) ListRiderPoints(ctx context.Context, riderID string, from, to time.Time) ([]model.LocationPoint, error) {
	return m.findPoints(ctx, bson.M{"rider_id": riderID, "recorded_at": bson.M{"$gte": from, "$lt": to}})
}

func (m *Mongo) findPoints(ctx context.Context, filter bson.M) ([]model.LocationPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	cursor, err := m.points.Find(ctx, filter, options.Find().SetSort(ascByTime))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []model.LocationPoint{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) LatestPoint(ctx context.Context, riderID string) (model.LocationPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	var p model.LocationPoint
	err := m.points.FindOne(ctx, bson.M{"rider_id": riderID}, options.FindOne().SetSort(descByTime)).Decode(&p)
	return p, notFound(err)
}

// ListLivePoints returns the latest point per rider among open sessions.
func (m *Mongo) ListLivePoints(ctx context.Context, since time.Time, f model.LiveFilter) ([]model.LocationPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	sessFilter := bson.M{"ended_at": nil}
	if len(f.RiderIDs) > 0 {
		sessFilter["rider_id"] = bson.M{"$in": f.RiderIDs}
	}
	ids, err := m.sessions.Distinct(ctx, "_id", sessFilter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.LocationPoint{}, nil
	}
	match := bson.M{"session_id": bson.M{"$in": ids}, "recorded_at": bson.M{"$gte": since}}
	if f.CampaignID != "" {
		match["campaign_id"] = f.CampaignID
	}
	if len(f.RiderIDs) > 0 {
		match["rider_id"] = bson.M{"$in": f.RiderIDs}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: descByTime}},
		{{Key: "$group", Value: bson.M{"_id": "$rider_id", "doc": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$doc"}}},
	}
	cursor, err := m.points.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []model.LocationPoint{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) ListCoords(ctx context.Context, f model.HeatmapFilter) ([]model.Coord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	filter := bson.M{"recorded_at": bson.M{"$gte": f.From, "$lte": f.To}}
	if f.CampaignID != "" {
		filter["campaign_id"] = f.CampaignID
	}
	if f.CountyID != "" {
		filter["county_id"] = f.CountyID
	}
	opts := options.Find().SetProjection(bson.M{"_id": 0, "lat": 1, "lng": 1})
	cursor, err := m.points.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []model.Coord{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func routeFilter(key model.RouteKey) bson.M {
	return bson.M{"session_id": key.SessionID, "date": key.Date}
}

func routeOnInsert(key model.RouteKey, now time.Time) bson.M {
	doc := bson.M{
		"_id":        uuid.NewString(),
		"rider_id":   key.RiderID,
		"created_at": now,
	}
	if key.AssignmentID != "" {
		doc["assignment_id"] = key.AssignmentID
	}
	if key.CampaignID != "" {
		doc["campaign_id"] = key.CampaignID
	}
	return doc
}

func (m *Mongo) EnsureRoute(ctx context.Context, key model.RouteKey) (model.Route, error) {
	now := time.Now().UTC()
	ins := routeOnInsert(key, now)
	ins["status"] = model.RouteActive
	ins["point_count"] = 0
	ins["coverage_areas"] = []string{}
	ins["pause_minutes"] = 0.0
	ins["updated_at"] = now
	return m.upsertRoute(ctx, key, bson.M{"$setOnInsert": ins})
}

// SaveRouteStats upserts the computed fields only; pause data is untouched.
func (m *Mongo) SaveRouteStats(ctx context.Context, key model.RouteKey, st model.RouteStats) (model.Route, error) {
	now := time.Now().UTC()
	areas := st.CoverageAreas
	if areas == nil {
		areas = []string{}
	}
	set := bson.M{
		"distance_km":      st.DistanceKm,
		"duration_minutes": st.DurationMinutes,
		"avg_speed":        st.AvgSpeed,
		"max_speed":        st.MaxSpeed,
		"point_count":      st.PointCount,
		"coverage_areas":   areas,
		"encoded_path":     st.EncodedPath,
		"started_at":       st.StartedAt,
		"ended_at":         st.EndedAt,
		"status":           st.Status,
		"updated_at":       now,
	}
	ins := routeOnInsert(key, now)
	ins["pause_minutes"] = 0.0
	return m.upsertRoute(ctx, key, bson.M{"$set": set, "$setOnInsert": ins})
}

func (m *Mongo) SaveRoutePauses(ctx context.Context, key model.RouteKey, pauses []model.PauseInterval, pauseMinutes float64) (model.Route, error) {
	now := time.Now().UTC()
	if pauses == nil {
		pauses = []model.PauseInterval{}
	}
	ins := routeOnInsert(key, now)
	ins["status"] = model.RouteActive
	ins["point_count"] = 0
	ins["coverage_areas"] = []string{}
	set := bson.M{"pauses": pauses, "pause_minutes": pauseMinutes, "updated_at": now}
	return m.upsertRoute(ctx, key, bson.M{"$set": set, "$setOnInsert": ins})
}

func (m *Mongo) upsertRoute(ctx context.Context, key model.RouteKey, update bson.M) (model.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var r model.Route
	err := m.routes.FindOneAndUpdate(ctx, routeFilter(key), update, opts).Decode(&r)
	if mongo.IsDuplicateKeyError(err) {
		// a concurrent upsert won the insert; the retry takes the update path
		err = m.routes.FindOneAndUpdate(ctx, routeFilter(key), update, opts).Decode(&r)
	}
	if err != nil {
		return model.Route{}, err
	}
	if r.CoverageAreas == nil {
		r.CoverageAreas = []string{}
	}
	return r, nil
}

func (m *Mongo) GetRoute(ctx context.Context, sessionID, date string) (model.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	var r model.Route
	err := m.routes.FindOne(ctx, bson.M{"session_id": sessionID, "date": date}).Decode(&r)
	return r, notFound(err)
}

func (m *Mongo) GetRiderRoute(ctx context.Context, riderID, date string) (model.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	var r model.Route
	err := m.routes.FindOne(ctx, bson.M{"rider_id": riderID, "date": date}, opts).Decode(&r)
	return r, notFound(err)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
