package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for RelayDeliveries.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

var (
	RelayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Envelopes posted to the collector, by outcome",
		},
		[]string{"outcome"},
	)

	RelayCommandsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_commands_dropped_total",
			Help: "Pixel commands dropped because the queue was full or closed",
		},
	)

	RelayPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_processor_panics_total",
			Help: "Panics recovered inside the pixel command processor",
		},
	)

	RelayDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of collector POSTs",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngressEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingress_events_total",
			Help: "Storefront events received on /produce, by result",
		},
		[]string{"result"},
	)

	InstallRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "install_runs_total",
			Help: "Relay (re)registration runs, by status",
		},
		[]string{"status"},
	)

	ScriptTagsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "script_tags_deleted_total",
			Help: "Stale or duplicate relay script tags deleted",
		},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RelayDeliveries)
		prometheus.MustRegister(RelayCommandsDropped)
		prometheus.MustRegister(RelayPanics)
		prometheus.MustRegister(RelayDeliveryDuration)
		prometheus.MustRegister(IngressEvents)
		prometheus.MustRegister(InstallRuns)
		prometheus.MustRegister(ScriptTagsDeleted)
	})
}
