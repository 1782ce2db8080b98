package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the consumer's Prometheus metrics.
type Metrics struct {
	RecordsTotal      *prometheus.CounterVec
	RecordsSkipped    *prometheus.CounterVec
	DecodeDuration    *prometheus.HistogramVec
	SchemaRetries     *prometheus.CounterVec
	OutOfOrderOffsets *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	CommittedOffset   *prometheus.GaugeVec
	AggregateTotal    prometheus.Gauge
	DLQTotal          *prometheus.CounterVec

	SchemaCacheLookups *prometheus.CounterVec
	SchemaFetches      *prometheus.CounterVec
	SchemaCacheSize    prometheus.Gauge
	RegistryBreaker    prometheus.Gauge
}

// NewMetrics creates and registers all consumer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_records_total",
			Help: "Records handled, by outcome.",
		}, []string{"topic", "status"}),

		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_records_skipped_total",
			Help: "Records skipped without reaching the aggregate, by reason.",
		}, []string{"topic", "reason"}),

		DecodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccsr_decode_duration_seconds",
			Help:    "Time to decode a record, including schema resolution and retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),

		SchemaRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_schema_retries_total",
			Help: "Decode retries caused by an unavailable schema.",
		}, []string{"topic"}),

		OutOfOrderOffsets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_out_of_order_offsets_total",
			Help: "Offsets delivered behind the partition's progress mark.",
		}, []string{"topic"}),

		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_commits_total",
			Help: "Offset commit attempts, by status.",
		}, []string{"status"}),

		CommittedOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccsr_committed_offset",
			Help: "Last committed progress mark per partition.",
		}, []string{"topic", "partition"}),

		AggregateTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccsr_aggregate_total",
			Help: "Current value of the running aggregate.",
		}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_dlq_total",
			Help: "Skipped records published to the dead-letter topic.",
		}, []string{"topic"}),

		SchemaCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_schema_cache_lookups_total",
			Help: "Schema cache lookups, by hit or miss.",
		}, []string{"result"}),

		SchemaFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccsr_schema_fetches_total",
			Help: "Schema registry fetches, by status.",
		}, []string{"status"}),

		SchemaCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccsr_schema_cache_entries",
			Help: "Schemas currently cached.",
		}),

		RegistryBreaker: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccsr_registry_circuit_state",
			Help: "Schema registry circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}
}
