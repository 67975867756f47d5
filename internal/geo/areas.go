package geo

import "sort"

// Area is a circular administrative zone (ward) with its parent county.
type Area struct {
	ID       string  `yaml:"id" json:"id" validate:"required"`
	CountyID string  `yaml:"county_id" json:"countyId,omitempty"`
	Name     string  `yaml:"name" json:"name,omitempty"`
	Lat      float64 `yaml:"lat" json:"lat" validate:"latitude"`
	Lng      float64 `yaml:"lng" json:"lng" validate:"longitude"`
	RadiusM  float64 `yaml:"radius_m" json:"radiusM" validate:"gt=0"`
}

// AreaIndex resolves coordinates to the nearest containing area.
type AreaIndex struct {
	areas []Area
}

// NewAreaIndex builds an index; areas are checked in id order so lookups are deterministic.
func NewAreaIndex(areas []Area) *AreaIndex {
	cp := append([]Area(nil), areas...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	return &AreaIndex{areas: cp}
}

// Resolve returns the closest area whose radius contains the coordinate.
func (x *AreaIndex) Resolve(lat, lng float64) (Area, bool) {
	if x == nil {
		return Area{}, false
	}
	best := -1
	bestD := 0.0
	for i, a := range x.areas {
		d := HaversineKm(lat, lng, a.Lat, a.Lng) * 1000
		if d > a.RadiusM {
			continue
		}
		if best < 0 || d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return Area{}, false
	}
	return x.areas[best], true
}

// Len reports the number of configured areas.
func (x *AreaIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.areas)
}
