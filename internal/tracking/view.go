package tracking

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"ridertrack/internal/geo"
	"ridertrack/internal/model"
)

// View decorates a point with presentation fields relative to now.
func (s *Service) View(p model.LocationPoint, now time.Time) model.LocationView {
	v := model.LocationView{
		LocationPoint: p,
		TimeAgo:       humanize.RelTime(p.RecordedAt, now, "ago", "from now"),
		IsRecent:      now.Sub(p.RecordedAt) <= s.opts.RecentWindow,
	}
	if s.areas != nil {
		if a, ok := s.areas.Resolve(p.Lat, p.Lng); ok {
			v.Address = a.Name
		}
	}
	return v
}

// Summarize flattens a route's statistics; unset values read as zero.
func Summarize(r model.Route) model.RouteSummary {
	sum := model.RouteSummary{
		DistanceKm:      deref(r.DistanceKm),
		DurationMinutes: deref(r.DurationMinutes),
		PauseMinutes:    r.PauseMinutes,
		AvgSpeed:        deref(r.AvgSpeed),
		MaxSpeed:        deref(r.MaxSpeed),
		PointCount:      r.PointCount,
		CoverageCount:   len(r.CoverageAreas),
	}
	sum.ActiveMinutes = geo.Round(math.Max(0, sum.DurationMinutes-sum.PauseMinutes), 2)
	sum.DurationFormatted = FormatMinutes(sum.DurationMinutes)
	return sum
}

// FormatMinutes renders a duration as "2h 05m" or "45m".
func FormatMinutes(m float64) string {
	total := int(math.Round(m))
	if total < 60 {
		return fmt.Sprintf("%dm", total)
	}
	return fmt.Sprintf("%dh %02dm", total/60, total%60)
}

// PauseMinutes sums the closed pause intervals.
func PauseMinutes(pauses []model.PauseInterval) float64 {
	var total float64
	for _, p := range pauses {
		if p.End != nil {
			total += p.End.Sub(p.Start).Minutes()
		}
	}
	return geo.Round(total, 2)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
