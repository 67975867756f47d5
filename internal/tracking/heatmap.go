package tracking

import (
	"math"
	"sort"

	"ridertrack/internal/geo"
	"ridertrack/internal/model"
)

// HeatmapPrecision is the number of decimal places cells are rounded to (~11 m).
const HeatmapPrecision = 4

// DefaultHeatmapCells caps the cells returned by one query.
const DefaultHeatmapCells = 10000

type cellKey struct{ lat, lng int64 }

// BuildHeatmap bins coordinates into rounded cells, drops cells below
// minIntensity, ranks them by descending intensity and caps the result.
// Equal intensities are ordered by latitude then longitude.
func BuildHeatmap(coords []model.Coord, minIntensity, maxCells int) model.Heatmap {
	if minIntensity < 1 {
		minIntensity = 1
	}
	if maxCells <= 0 {
		maxCells = DefaultHeatmapCells
	}
	counts := map[cellKey]int{}
	for _, c := range coords {
		k := cellKey{geo.CellIndex(c.Lat, HeatmapPrecision), geo.CellIndex(c.Lng, HeatmapPrecision)}
		counts[k]++
	}
	keys := make([]cellKey, 0, len(counts))
	for k, n := range counts {
		if n >= minIntensity {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		if a.lat != b.lat {
			return a.lat < b.lat
		}
		return a.lng < b.lng
	})
	if len(keys) > maxCells {
		keys = keys[:maxCells]
	}
	scale := math.Pow10(HeatmapPrecision)
	hm := model.Heatmap{Cells: make([]model.HeatmapCell, 0, len(keys))}
	for _, k := range keys {
		hm.Cells = append(hm.Cells, model.HeatmapCell{
			Lat:       float64(k.lat) / scale,
			Lon:       float64(k.lng) / scale,
			Intensity: counts[k],
		})
	}
	if len(hm.Cells) > 0 {
		hm.MaxIntensity = hm.Cells[0].Intensity
	}
	hm.Count = len(hm.Cells)
	return hm
}
