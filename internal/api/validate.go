package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"ridertrack/internal/model"
)

var validate = validator.New()

// batchRequest accepts {"points":[...]} or a bare array of points.
type batchRequest struct {
	Points []model.PointInput `json:"points" validate:"required"`
}

func (b *batchRequest) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &b.Points)
	}
	type wrapped batchRequest
	return json.Unmarshal(data, (*wrapped)(b))
}

type pauseRequest struct {
	At *time.Time `json:"at,omitempty"`
}

type openSessionRequest struct {
	SessionID    string `json:"session_id,omitempty" validate:"omitempty,max=64"`
	RiderID      string `json:"rider_id" validate:"required,max=64"`
	AssignmentID string `json:"assignment_id,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
}

func validateBatch(req *batchRequest, maxBatch int) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if maxBatch > 0 && len(req.Points) > maxBatch {
		return fmt.Errorf("batch holds %d points; at most %d allowed", len(req.Points), maxBatch)
	}
	return nil
}

// parseLiveFilter reads campaign_id and rider_ids given either as a comma
// separated list or as repeated rider_ids[] parameters.
func parseLiveFilter(q url.Values) model.LiveFilter {
	f := model.LiveFilter{CampaignID: strings.TrimSpace(q.Get("campaign_id"))}
	seen := map[string]struct{}{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		f.RiderIDs = append(f.RiderIDs, id)
	}
	for _, v := range q["rider_ids"] {
		for _, id := range strings.Split(v, ",") {
			add(id)
		}
	}
	for _, v := range q["rider_ids[]"] {
		add(v)
	}
	return f
}

// parseHeatmapFilter reads the heatmap query. Dates are YYYY-MM-DD in loc or
// RFC3339; a bare date_to covers the whole day.
func parseHeatmapFilter(q url.Values, loc *time.Location) (model.HeatmapFilter, error) {
	f := model.HeatmapFilter{
		CampaignID: strings.TrimSpace(q.Get("campaign_id")),
		CountyID:   strings.TrimSpace(q.Get("county_id")),
	}
	var err error
	if v := q.Get("date_from"); v != "" {
		if f.From, err = parseBound(v, loc, false); err != nil {
			return f, fmt.Errorf("date_from: %w", err)
		}
	}
	if v := q.Get("date_to"); v != "" {
		if f.To, err = parseBound(v, loc, true); err != nil {
			return f, fmt.Errorf("date_to: %w", err)
		}
	}
	if v := q.Get("intensity_threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("intensity_threshold must be a non-negative integer")
		}
		f.MinIntensity = n
	}
	return f, nil
}

func parseBound(v string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseInLocation(model.DateLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", v)
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return d.UTC(), nil
}
