package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Service finds and orders candidate drivers for a pickup
type Service struct {
	index  geo.Index
	logger *logger.Logger
	config Config
}

// Config holds matching configuration
type Config struct {
	SearchRadiusKM float64
	MinRating      float64 // drivers below it are only offered after everyone above it
	MaxCandidates  int     // 0 means unlimited
}

// DefaultConfig searches 5km and prefers drivers rated 4.0 or better
func DefaultConfig() Config {
	return Config{
		SearchRadiusKM: 5.0,
		MinRating:      4.0,
	}
}

// NewService creates a new matching service
func NewService(index geo.Index, logger *logger.Logger, config Config) *Service {
	return &Service{
		index:  index,
		logger: logger,
		config: config,
	}
}

// FindCandidates returns the drivers around pickup in offer order
func (s *Service) FindCandidates(ctx context.Context, pickup geo.Point) ([]geo.DriverCandidate, error) {
	startTime := time.Now()

	found, err := s.index.NearbyDrivers(ctx, pickup, s.config.SearchRadiusKM)
	if err != nil {
		return nil, fmt.Errorf("failed to search nearby drivers: %w", err)
	}

	ranked := Rank(found, s.config.MinRating)
	if s.config.MaxCandidates > 0 && len(ranked) > s.config.MaxCandidates {
		ranked = ranked[:s.config.MaxCandidates]
	}

	s.logger.Info("Candidate drivers ranked",
		logger.Float64("pickup_lat", pickup.Latitude),
		logger.Float64("pickup_lng", pickup.Longitude),
		logger.Float64("search_radius_km", s.config.SearchRadiusKM),
		logger.Int("found", len(found)),
		logger.Int("candidates", len(ranked)),
		logger.Int64("latency_ms", time.Since(startTime).Milliseconds()),
	)

	return ranked, nil
}

// Rank orders candidates: those rated at least minRating first, then the rest.
// Within each group the closer driver wins, equal distances go to the higher
// rating and then the smaller driver id. The input slice is not modified.
func Rank(candidates []geo.DriverCandidate, minRating float64) []geo.DriverCandidate {
	ranked := make([]geo.DriverCandidate, len(candidates))
	copy(ranked, candidates)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if aOK, bOK := a.Rating >= minRating, b.Rating >= minRating; aOK != bOK {
			return aOK
		}
		if a.DistanceKM != b.DistanceKM {
			return a.DistanceKM < b.DistanceKM
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.DriverID < b.DriverID
	})

	return ranked
}
