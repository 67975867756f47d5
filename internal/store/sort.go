package store

import (
	"sort"

	"ridertrack/internal/model"
)

// SortPoints orders points by capture time; ties break on id so the order
// depends only on the point set, never on arrival order.
func SortPoints(pts []model.LocationPoint) {
	sort.SliceStable(pts, func(i, j int) bool {
		if !pts[i].RecordedAt.Equal(pts[j].RecordedAt) {
			return pts[i].RecordedAt.Before(pts[j].RecordedAt)
		}
		return pts[i].ID < pts[j].ID
	})
}
