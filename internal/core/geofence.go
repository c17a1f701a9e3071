package core

import (
	"errors"
	"fmt"
	"math"

	"shiftwatch.service/internal/core/model"
)

const earthRadiusMeters = 6371000

// ErrInvalidCoordinate marks geo input outside the valid degree ranges.
// Such events are rejected outright; a distance computed from them would
// look plausible and mislead the zone check.
var ErrInvalidCoordinate = errors.New("coordinate out of valid range")

// ZoneResult is the outcome of checking one point against the office zone.
type ZoneResult struct {
	WithinZone     bool    `json:"withinZone"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// Geofence is a circular zone around the office.
type Geofence struct {
	center model.Coordinate
	radius float64
}

// NewGeofence builds the office zone. The center is validated once here so
// a misconfigured deployment fails at startup, not per event.
func NewGeofence(center model.Coordinate, radiusMeters float64) (*Geofence, error) {
	if err := checkCoordinate(center); err != nil {
		return nil, fmt.Errorf("geofence center: %w", err)
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("geofence radius must be positive, got %v", radiusMeters)
	}
	return &Geofence{center: center, radius: radiusMeters}, nil
}

// Check validates point against the zone. The boundary is inclusive: a
// point exactly radius meters from the center is inside.
func (g *Geofence) Check(point model.Coordinate) (ZoneResult, error) {
	if err := checkCoordinate(point); err != nil {
		return ZoneResult{}, err
	}
	d := HaversineMeters(point, g.center)
	return ZoneResult{WithinZone: d <= g.radius, DistanceMeters: d}, nil
}

// Center reports the configured zone center.
func (g *Geofence) Center() model.Coordinate { return g.center }

// RadiusMeters reports the configured zone radius.
func (g *Geofence) RadiusMeters() float64 { return g.radius }

// HaversineMeters is the great-circle distance between two points.
func HaversineMeters(a, b model.Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

func checkCoordinate(c model.Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return fmt.Errorf("%w: NaN component", ErrInvalidCoordinate)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}
