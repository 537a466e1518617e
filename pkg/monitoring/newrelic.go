package monitoring

import (
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
}

// NewRelicApp wraps the New Relic application. A disabled app ignores every call.
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a new New Relic application
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return &NewRelicApp{nil, false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.IsEnabled() {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.IsEnabled() {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown flushes and stops the agent
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.IsEnabled() {
		return
	}
	nr.Application.Shutdown(timeout)
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr != nil && nr.enabled && nr.Application != nil
}

// Ride lifecycle telemetry

func (nr *NewRelicApp) RecordRideCreated(rideID string, estimatedFare float64) {
	nr.RecordCustomEvent("RideCreated", map[string]interface{}{
		"ride_id":        rideID,
		"estimated_fare": estimatedFare,
		"timestamp":      time.Now().Unix(),
	})
}

func (nr *NewRelicApp) RecordRideTransition(rideID, from, to string) {
	nr.RecordCustomMetric(fmt.Sprintf("custom/ride/transition/%s_to_%s", from, to), 1)
}

func (nr *NewRelicApp) RecordRideCompleted(rideID string, fare, distanceKM float64, durationMinutes int) {
	nr.RecordCustomEvent("RideCompleted", map[string]interface{}{
		"ride_id":  rideID,
		"fare":     fare,
		"distance": distanceKM,
		"duration": durationMinutes,
	})
}

// RecordPoolStats reports connection pool gauges under custom/<name>/
func (nr *NewRelicApp) RecordPoolStats(name string, stats map[string]interface{}) {
	for key, v := range stats {
		var value float64
		switch n := v.(type) {
		case int:
			value = float64(n)
		case int64:
			value = float64(n)
		case uint32:
			value = float64(n)
		default:
			continue
		}
		nr.RecordCustomMetric(fmt.Sprintf("custom/%s/%s", name, key), value)
	}
}
