package routing

import (
	"context"
	"errors"
	"math"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// Route is a driving estimate between two points
type Route struct {
	DistanceKM      float64
	DurationMinutes int
}

// Provider computes routes
type Provider interface {
	Route(ctx context.Context, from, to geo.Point) (Route, error)
}

var ErrNoRoute = errors.New("no route found")

// StraightLine estimates a route from the great-circle distance
type StraightLine struct {
	SpeedKPH     float64
	DetourFactor float64
}

// NewStraightLine returns an estimator. Non-positive values fall back to 30 km/h and a 1.3 detour.
func NewStraightLine(speedKPH, detourFactor float64) StraightLine {
	if speedKPH <= 0 {
		speedKPH = 30
	}
	if detourFactor < 1 {
		detourFactor = 1.3
	}
	return StraightLine{SpeedKPH: speedKPH, DetourFactor: detourFactor}
}

func (s StraightLine) Route(ctx context.Context, from, to geo.Point) (Route, error) {
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}
	if from.Validate() != nil || to.Validate() != nil {
		return Route{}, geo.ErrInvalidPoint
	}
	km := geo.Distance(from, to) * s.DetourFactor
	return Route{
		DistanceKM:      math.Round(km*100) / 100,
		DurationMinutes: int(math.Ceil(km / s.SpeedKPH * 60)),
	}, nil
}
