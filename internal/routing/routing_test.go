package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"
)

type fakeDirections struct {
	req    *maps.DirectionsRequest
	routes []maps.Route
	err    error
}

func (f *fakeDirections) Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.req = r
	return f.routes, nil, f.err
}

var (
	from = geo.Point{Latitude: 12.9716, Longitude: 77.5946}
	to   = geo.Point{Latitude: 12.9352, Longitude: 77.6245}
)

func TestGoogleMaps_SumsLegs(t *testing.T) {
	fake := &fakeDirections{routes: []maps.Route{{
		Legs: []*maps.Leg{
			{Distance: maps.Distance{Meters: 4200}, Duration: 9 * time.Minute},
			{Distance: maps.Distance{Meters: 800}, Duration: 90 * time.Second},
		},
	}}}
	g := &GoogleMaps{client: fake}

	route, err := g.Route(context.Background(), from, to)
	require.NoError(t, err)

	assert.Equal(t, 5.0, route.DistanceKM)
	assert.Equal(t, 11, route.DurationMinutes)
	assert.Equal(t, "12.971600,77.594600", fake.req.Origin)
	assert.Equal(t, maps.TravelModeDriving, fake.req.Mode)
}

func TestGoogleMaps_Errors(t *testing.T) {
	_, err := (&GoogleMaps{client: &fakeDirections{}}).Route(context.Background(), from, to)
	assert.ErrorIs(t, err, ErrNoRoute)

	boom := errors.New("quota exceeded")
	_, err = (&GoogleMaps{client: &fakeDirections{err: boom}}).Route(context.Background(), from, to)
	assert.ErrorIs(t, err, boom)
}

func TestStraightLine(t *testing.T) {
	s := NewStraightLine(0, 0)
	assert.Equal(t, 30.0, s.SpeedKPH)
	assert.Equal(t, 1.3, s.DetourFactor)

	route, err := s.Route(context.Background(), from, to)
	require.NoError(t, err)
	assert.InDelta(t, geo.Distance(from, to)*1.3, route.DistanceKM, 0.01)
	assert.Greater(t, route.DurationMinutes, 0)

	same, err := s.Route(context.Background(), from, from)
	require.NoError(t, err)
	assert.Zero(t, same.DistanceKM)
	assert.Zero(t, same.DurationMinutes)

	_, err = s.Route(context.Background(), geo.Point{Latitude: 100}, to)
	assert.ErrorIs(t, err, geo.ErrInvalidPoint)
}
