package routing

import (
	"context"
	"fmt"
	"math"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"googlemaps.github.io/maps"
)

type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// GoogleMaps resolves driving routes with the Directions API
type GoogleMaps struct {
	client directionsClient
}

// NewGoogleMaps creates a provider for the given API key
func NewGoogleMaps(apiKey string) (*GoogleMaps, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMaps{client: client}, nil
}

// Route sums every leg of the first route returned
func (g *GoogleMaps) Route(ctx context.Context, from, to geo.Point) (Route, error) {
	req := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, ErrNoRoute
	}

	var meters int
	var seconds float64
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		seconds += leg.Duration.Seconds()
	}
	return Route{
		DistanceKM:      float64(meters) / 1000,
		DurationMinutes: int(math.Ceil(seconds / 60)),
	}, nil
}

func latLng(p geo.Point) string {
	return fmt.Sprintf("%f,%f", p.Latitude, p.Longitude)
}
