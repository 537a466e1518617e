// Package redis keeps the proximity index and conversation sessions in Redis.
package redis

import (
	"context"
	"sort"
	"strconv"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	"github.com/redis/go-redis/v9"
)

const (
	driversKey = "dispatch:geo:drivers"
	ridesKey   = "dispatch:geo:rides"
	ratingsKey = "dispatch:driver:ratings"
)

// GeoIndex is a geo.Index on Redis GEO sets. Driver ratings live in a hash
// next to the driver set so a proximity query can return them in one round trip.
type GeoIndex struct {
	client *redis.Client
}

func NewGeoIndex(client *redis.Client) *GeoIndex {
	return &GeoIndex{client: client}
}

func (g *GeoIndex) NearbyDrivers(ctx context.Context, center geo.Point, radiusKM float64) ([]geo.DriverCandidate, error) {
	found, err := g.search(ctx, driversKey, center, radiusKM)
	if err != nil || len(found) == 0 {
		return nil, err
	}

	names := make([]string, len(found))
	for i, loc := range found {
		names[i] = loc.Name
	}
	ratings, err := g.client.HMGet(ctx, ratingsKey, names...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]geo.DriverCandidate, len(found))
	for i, loc := range found {
		out[i] = geo.DriverCandidate{
			DriverID:   loc.Name,
			DistanceKM: loc.Dist,
			Rating:     parseRating(ratings[i]),
		}
	}
	return out, nil
}

func (g *GeoIndex) NearbyRides(ctx context.Context, center geo.Point, radiusKM float64) ([]geo.RideCandidate, error) {
	found, err := g.search(ctx, ridesKey, center, radiusKM)
	if err != nil {
		return nil, err
	}
	out := make([]geo.RideCandidate, len(found))
	for i, loc := range found {
		out[i] = geo.RideCandidate{RideID: loc.Name, DistanceKM: loc.Dist}
	}
	return out, nil
}

func (g *GeoIndex) search(ctx context.Context, key string, center geo.Point, radiusKM float64) ([]redis.GeoLocation, error) {
	found, err := g.client.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Longitude,
			Latitude:   center.Latitude,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	// equal distances come back in arbitrary order
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Dist != found[j].Dist {
			return found[i].Dist < found[j].Dist
		}
		return found[i].Name < found[j].Name
	})
	return found, nil
}

func (g *GeoIndex) UpsertDriver(ctx context.Context, driverID string, at geo.Point, rating float64) error {
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driversKey, &redis.GeoLocation{Name: driverID, Longitude: at.Longitude, Latitude: at.Latitude})
		pipe.HSet(ctx, ratingsKey, driverID, strconv.FormatFloat(rating, 'f', -1, 64))
		return nil
	})
	return err
}

func (g *GeoIndex) RemoveDriver(ctx context.Context, driverID string) error {
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, driversKey, driverID)
		pipe.HDel(ctx, ratingsKey, driverID)
		return nil
	})
	return err
}

func (g *GeoIndex) UpsertRide(ctx context.Context, rideID string, at geo.Point) error {
	return g.client.GeoAdd(ctx, ridesKey, &redis.GeoLocation{Name: rideID, Longitude: at.Longitude, Latitude: at.Latitude}).Err()
}

func (g *GeoIndex) RemoveRide(ctx context.Context, rideID string) error {
	return g.client.ZRem(ctx, ridesKey, rideID).Err()
}

func parseRating(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return user.DefaultRating
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return user.DefaultRating
	}
	return f
}
