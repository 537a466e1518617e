package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

// Dispatch holds scheduler collectors
type Dispatch struct {
	OffersSent        *prometheus.CounterVec
	OffersResolved    *prometheus.CounterVec
	SearchesActive    prometheus.Gauge
	PollersActive     prometheus.Gauge
	SearchesExhausted prometheus.Counter
	SearchRetries     prometheus.Counter
	AcceptLatency     prometheus.Histogram
}

// NewDispatch registers dispatch collectors on reg. A nil reg uses a private registry.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Dispatch{
		OffersSent: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers sent to drivers"},
			[]string{"source"},
		),
		OffersResolved: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Offers that left the sent state"},
			[]string{"outcome"},
		),
		SearchesActive:    f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "searches_active", Help: "Rides currently being searched"}),
		PollersActive:     f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pollers_active", Help: "Online drivers being polled"}),
		SearchesExhausted: f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "searches_exhausted_total", Help: "Searches that ran out of candidates"}),
		SearchRetries:     f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "search_retries_total", Help: "Search rounds repeated after a store failure"}),
		AcceptLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accept_latency_seconds",
			Help:      "Time spent applying an offer acceptance",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// HTTP holds transport collectors
type HTTP struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTP registers HTTP collectors on reg. A nil reg uses a private registry.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &HTTP{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distribution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
}
