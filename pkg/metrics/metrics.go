package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventql_servers_total",
			Help: "Total number of cluster servers by status",
		},
		[]string{"status"},
	)

	PartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventql_partitions_total",
			Help: "Total number of locally loaded partitions by lifecycle state",
		},
		[]string{"state"},
	)

	SealedSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventql_sealed_segments_total",
			Help: "Total sealed (not yet compacted) segments across tracked partitions",
		},
	)

	// Ingestion metrics
	IngestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventql_ingest_requests_total",
			Help: "Total insert requests routed by result",
		},
		[]string{"result"},
	)

	IngestRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventql_ingest_request_duration_seconds",
			Help:    "Time to route and dispatch one insert request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Metadata coordinator / client metrics
	MetadataAdvanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventql_metadata_advance_total",
			Help: "Total metadata CompareAndSwap attempts by result",
		},
		[]string{"result"},
	)

	MetadataFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventql_metadata_fetch_duration_seconds",
			Help:    "Time to fetch the latest metadata file across all coordinator peers",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication transport metrics
	ReplicateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventql_replicate_requests_total",
			Help: "Total /tsdb/replicate requests handled, by response status class",
		},
		[]string{"status"},
	)

	ReplicateRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventql_replicate_request_duration_seconds",
			Help:    "Server-side duration of /tsdb/replicate requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Compaction and split metrics
	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventql_compactions_total",
			Help: "Total partition compactions completed",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventql_compaction_duration_seconds",
			Help:    "Time taken to compact sealed segments into one",
			Buckets: prometheus.DefBuckets,
		},
	)

	SplitsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventql_splits_started_total",
			Help: "Total partition splits started",
		},
	)

	SplitsFinalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventql_splits_finalized_total",
			Help: "Total partition splits finalized",
		},
	)
)

func init() {
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(SealedSegmentsTotal)
	prometheus.MustRegister(IngestRequestsTotal)
	prometheus.MustRegister(IngestRequestDuration)
	prometheus.MustRegister(MetadataAdvanceTotal)
	prometheus.MustRegister(MetadataFetchDuration)
	prometheus.MustRegister(ReplicateRequestsTotal)
	prometheus.MustRegister(ReplicateRequestDuration)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(SplitsStartedTotal)
	prometheus.MustRegister(SplitsFinalizedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
