package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus metrics. Each client instance
// registers against its own registry so that shared-tag instances and
// tests never collide.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	RefusalsTotal   prometheus.Counter
	TimeoutsTotal   prometheus.Counter
	RotationsTotal  *prometheus.CounterVec
	InFlight        prometheus.Gauge
	ServersDown     prometheus.Gauge
}

// New creates and registers the client metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redfed_commands_total",
				Help: "Total number of commands dispatched, by verb and outcome",
			},
			[]string{"verb", "status"},
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redfed_command_duration_seconds",
				Help:    "Duration from dispatch to reply",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"verb"},
		),

		RefusalsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "redfed_refusals_total",
				Help: "Commands refused because the target address is in backoff",
			},
		),

		TimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "redfed_timeouts_total",
				Help: "Requests cancelled by the batch command timeout",
			},
		),

		RotationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redfed_rotations_total",
				Help: "Rotations to an alternate address, by node",
			},
			[]string{"node"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "redfed_requests_in_flight",
				Help: "Open requests in the current batch",
			},
		),

		ServersDown: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "redfed_servers_down",
				Help: "Backend addresses currently marked down",
			},
		),
	}
}

// RecordCommand records a completed command.
func (m *Metrics) RecordCommand(verb, status string, seconds float64) {
	m.CommandsTotal.WithLabelValues(verb, status).Inc()
	m.CommandDuration.WithLabelValues(verb).Observe(seconds)
}

// RecordRefusal records a dispatch refused by the health gate.
func (m *Metrics) RecordRefusal(verb string) {
	m.CommandsTotal.WithLabelValues(verb, "refused").Inc()
	m.RefusalsTotal.Inc()
}

// RecordRotation records a rotation to an alternate address.
func (m *Metrics) RecordRotation(node string) {
	m.RotationsTotal.WithLabelValues(node).Inc()
}
