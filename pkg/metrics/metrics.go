package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

var (
	// MessagesProcessed counts publish attempts by outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_processed_total",
		Help: "Total number of outbox messages attempted by the relay, by outcome",
	}, []string{"status"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_duration_seconds",
		Help:    "Duration of one fetch, dispatch and commit cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_size",
		Help:    "Number of outbox messages fetched per cycle",
		Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 500, 1000},
	})

	// OutboxBacklog is the number of rows still waiting for delivery. A value that
	// keeps growing usually means a row is failing forever; check last_error.
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_outbox_backlog",
		Help: "Current number of pending outbox messages",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_store_errors_total",
		Help: "Outbox store failures by operation",
	}, []string{"operation"})

	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_reconnections_total",
		Help: "Total number of broker reconnections",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
