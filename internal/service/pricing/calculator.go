package pricing

import (
	"math"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Service handles fare calculation
type Service struct {
	config Config
	surge  SurgeRule
	logger *logger.Logger
}

// Config holds pricing configuration
type Config struct {
	BaseFare      float64
	PerKMRate     float64
	PerMinuteRate float64
	MinimumFare   float64
}

// DefaultConfig returns the standard tariff
func DefaultConfig() Config {
	return Config{
		BaseFare:      5,
		PerKMRate:     2,
		PerMinuteRate: 0.5,
		MinimumFare:   10,
	}
}

// FareBreakdown represents the breakdown of a fare
type FareBreakdown struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Subtotal        float64 `json:"subtotal"`
	Total           float64 `json:"total"`
}

// NewService creates a new pricing service
func NewService(config Config, surge SurgeRule, logger *logger.Logger) *Service {
	return &Service{
		config: config,
		surge:  surge,
		logger: logger,
	}
}

// EstimateFare is max((base + distance*perKM + duration*perMinute) * surge, minimum)
func (s *Service) EstimateFare(distanceKM float64, durationMinutes int, surgeMultiplier float64) float64 {
	return s.breakdown(distanceKM, durationMinutes, surgeMultiplier).Total
}

// Quote prices a trip starting at the given time
func (s *Service) Quote(distanceKM float64, durationMinutes int, at time.Time) FareBreakdown {
	multiplier := s.surge.MultiplierAt(at)
	fare := s.breakdown(distanceKM, durationMinutes, multiplier)

	s.logger.Debug("Fare quoted",
		logger.Float64("distance_km", distanceKM),
		logger.Int("duration_minutes", durationMinutes),
		logger.Float64("surge_multiplier", multiplier),
		logger.Float64("total", fare.Total),
	)
	return fare
}

// SurgeMultiplier returns the multiplier in effect at t
func (s *Service) SurgeMultiplier(t time.Time) float64 {
	return s.surge.MultiplierAt(t)
}

func (s *Service) breakdown(distanceKM float64, durationMinutes int, surgeMultiplier float64) FareBreakdown {
	distanceFare := distanceKM * s.config.PerKMRate
	timeFare := float64(durationMinutes) * s.config.PerMinuteRate
	subtotal := s.config.BaseFare + distanceFare + timeFare

	total := math.Max(subtotal*surgeMultiplier, s.config.MinimumFare)

	return FareBreakdown{
		BaseFare:        s.config.BaseFare,
		DistanceFare:    distanceFare,
		TimeFare:        timeFare,
		SurgeMultiplier: surgeMultiplier,
		Subtotal:        subtotal,
		Total:           roundCents(total),
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
