package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	geo.Index
	drivers []geo.DriverCandidate
	err     error
	radius  float64
}

func (f *fakeIndex) NearbyDrivers(ctx context.Context, center geo.Point, radiusKM float64) ([]geo.DriverCandidate, error) {
	f.radius = radiusKM
	return f.drivers, f.err
}

func ids(candidates []geo.DriverCandidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.DriverID)
	}
	return out
}

func TestRank_CloserDriverFirst(t *testing.T) {
	ranked := Rank([]geo.DriverCandidate{
		{DriverID: "D1", DistanceKM: 2, Rating: 4.9},
		{DriverID: "D2", DistanceKM: 1, Rating: 4.0},
	}, 4.0)

	assert.Equal(t, []string{"D2", "D1"}, ids(ranked))
}

func TestRank_TieBreaks(t *testing.T) {
	tests := []struct {
		name       string
		candidates []geo.DriverCandidate
		expected   []string
	}{
		{
			name: "equal distance prefers higher rating",
			candidates: []geo.DriverCandidate{
				{DriverID: "a", DistanceKM: 1.5, Rating: 4.2},
				{DriverID: "b", DistanceKM: 1.5, Rating: 4.8},
			},
			expected: []string{"b", "a"},
		},
		{
			name: "equal distance and rating prefers smaller id",
			candidates: []geo.DriverCandidate{
				{DriverID: "d-9", DistanceKM: 1, Rating: 4.5},
				{DriverID: "d-1", DistanceKM: 1, Rating: 4.5},
			},
			expected: []string{"d-1", "d-9"},
		},
		{
			name: "low rated drivers come last but are kept",
			candidates: []geo.DriverCandidate{
				{DriverID: "close-low", DistanceKM: 0.2, Rating: 3.1},
				{DriverID: "far-high", DistanceKM: 4.0, Rating: 4.1},
				{DriverID: "mid-low", DistanceKM: 1.0, Rating: 2.0},
			},
			expected: []string{"far-high", "close-low", "mid-low"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ids(Rank(tt.candidates, 4.0)))
		})
	}
}

func TestRank_DoesNotModifyInput(t *testing.T) {
	in := []geo.DriverCandidate{
		{DriverID: "D1", DistanceKM: 2, Rating: 4.9},
		{DriverID: "D2", DistanceKM: 1, Rating: 4.0},
	}

	Rank(in, 4.0)

	assert.Equal(t, "D1", in[0].DriverID)
}

func TestFindCandidates_TruncatesAndUsesRadius(t *testing.T) {
	index := &fakeIndex{drivers: []geo.DriverCandidate{
		{DriverID: "a", DistanceKM: 3, Rating: 5},
		{DriverID: "b", DistanceKM: 1, Rating: 5},
		{DriverID: "c", DistanceKM: 2, Rating: 5},
	}}
	service := NewService(index, logger.NewNop(), Config{SearchRadiusKM: 5, MinRating: 4, MaxCandidates: 2})

	got, err := service.FindCandidates(context.Background(), geo.Point{Latitude: 12.97, Longitude: 77.59})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, ids(got))
	assert.Equal(t, 5.0, index.radius)
}

func TestFindCandidates_PropagatesIndexFailure(t *testing.T) {
	boom := errors.New("redis: connection refused")
	service := NewService(&fakeIndex{err: boom}, logger.NewNop(), DefaultConfig())

	_, err := service.FindCandidates(context.Background(), geo.Point{})

	assert.ErrorIs(t, err, boom)
}
