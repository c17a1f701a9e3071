package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch.service/internal/core/model"
)

func TestHaversineMeters_KnownDistances(t *testing.T) {
	// One degree of latitude on the reference sphere.
	oneDegree := math.Pi / 180 * 6371000

	d := HaversineMeters(model.Coordinate{Lat: 0, Lon: 0}, model.Coordinate{Lat: 1, Lon: 0})
	assert.InDelta(t, oneDegree, d, 0.01)

	// Longitude degrees shrink with latitude; at the equator they match.
	d = HaversineMeters(model.Coordinate{Lat: 0, Lon: 0}, model.Coordinate{Lat: 0, Lon: 1})
	assert.InDelta(t, oneDegree, d, 0.01)

	// Antipodal along the equator is half the circumference.
	d = HaversineMeters(model.Coordinate{Lat: 0, Lon: 0}, model.Coordinate{Lat: 0, Lon: 180})
	assert.InDelta(t, math.Pi*6371000, d, 0.01)

	d = HaversineMeters(model.Coordinate{Lat: 37.909411, Lon: 23.871109}, model.Coordinate{Lat: 37.909411, Lon: 23.871109})
	assert.Zero(t, d)
}

func TestNewGeofence_RejectsBadConfig(t *testing.T) {
	_, err := NewGeofence(model.Coordinate{Lat: 91, Lon: 0}, 100)
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = NewGeofence(model.Coordinate{Lat: 0, Lon: -181}, 100)
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = NewGeofence(model.Coordinate{Lat: 0, Lon: 0}, 0)
	require.Error(t, err)

	_, err = NewGeofence(model.Coordinate{Lat: 0, Lon: 0}, -5)
	require.Error(t, err)
}

func TestGeofenceCheck_InsideAndOutside(t *testing.T) {
	center := model.Coordinate{Lat: 37.909411, Lon: 23.871109}
	fence, err := NewGeofence(center, 300)
	require.NoError(t, err)

	res, err := fence.Check(center)
	require.NoError(t, err)
	assert.True(t, res.WithinZone)
	assert.Zero(t, res.DistanceMeters)

	// Roughly 111 m north of the center.
	near := model.Coordinate{Lat: center.Lat + 0.001, Lon: center.Lon}
	res, err = fence.Check(near)
	require.NoError(t, err)
	assert.True(t, res.WithinZone)
	assert.InDelta(t, 111.2, res.DistanceMeters, 0.5)

	// Roughly 1.1 km north, well past the 300 m radius.
	far := model.Coordinate{Lat: center.Lat + 0.01, Lon: center.Lon}
	res, err = fence.Check(far)
	require.NoError(t, err)
	assert.False(t, res.WithinZone)
	assert.Greater(t, res.DistanceMeters, 1000.0)
}

func TestGeofenceCheck_BoundaryIsInside(t *testing.T) {
	center := model.Coordinate{Lat: 37.909411, Lon: 23.871109}
	point := model.Coordinate{Lat: center.Lat + 0.0027, Lon: center.Lon}

	// A fence whose radius is exactly the distance to the point must
	// include it.
	exact := HaversineMeters(point, center)
	fence, err := NewGeofence(center, exact)
	require.NoError(t, err)

	res, err := fence.Check(point)
	require.NoError(t, err)
	assert.True(t, res.WithinZone)
	assert.Equal(t, exact, res.DistanceMeters)
}

func TestGeofenceCheck_RejectsInvalidPoints(t *testing.T) {
	fence, err := NewGeofence(model.Coordinate{Lat: 0, Lon: 0}, 100)
	require.NoError(t, err)

	for _, point := range []model.Coordinate{
		{Lat: 90.0001, Lon: 0},
		{Lat: -90.0001, Lon: 0},
		{Lat: 0, Lon: 180.0001},
		{Lat: 0, Lon: -180.0001},
		{Lat: math.NaN(), Lon: 0},
		{Lat: 0, Lon: math.NaN()},
	} {
		_, err := fence.Check(point)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "point %+v", point)
	}
}
