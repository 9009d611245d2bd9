package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antoniostano/streamrelay/internal/stream"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	ActiveStreams      prometheus.Gauge
	Streams            *prometheus.CounterVec
	Batches            *prometheus.CounterVec
	BatchFragments     prometheus.Histogram
	StreamDuration     *prometheus.HistogramVec
	FirstBatchLatency  prometheus.Histogram
	WSMessages         *prometheus.CounterVec
	GeneratorErrors    *prometheus.CounterVec
	TranscriptFailures prometheus.Counter
}

// NewMetrics registers the instruments on a private registry so several
// instances (tests, embedded servers) can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		window:   newLatencyWindow(256),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of in-flight relay streams.",
		}),
		Streams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Finished streams by format and outcome.",
		}, []string{"format", "outcome"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Flushed batches by format.",
		}, []string{"format"}),
		BatchFragments: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_fragments",
			Help:      "Fragments per flushed batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_ms",
			Help:      "Wall time of a relay stream in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"format"}),
		FirstBatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_batch_latency_ms",
			Help:      "Latency from request start to the first delivered batch in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 300, 500, 700, 1000, 2000},
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		GeneratorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_errors_total",
			Help:      "Upstream generator failures by generator.",
		}, []string{"generator"}),
		TranscriptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_failures_total",
			Help:      "Transcript records that could not be saved.",
		}),
	}
}

// BatchFlushed implements stream.Observer.
func (m *Metrics) BatchFlushed(format stream.Format, fragments int) {
	m.Batches.WithLabelValues(string(format)).Inc()
	m.BatchFragments.Observe(float64(fragments))
}

// StreamFinished implements stream.Observer.
func (m *Metrics) StreamFinished(format stream.Format, outcome stream.Outcome, elapsed time.Duration) {
	m.Streams.WithLabelValues(string(format), string(outcome)).Inc()
	m.StreamDuration.WithLabelValues(string(format)).Observe(float64(elapsed.Milliseconds()))
	m.window.finished(format, outcome, elapsed)
}

func (m *Metrics) ObserveFirstBatch(format stream.Format, d time.Duration) {
	m.FirstBatchLatency.Observe(float64(d.Milliseconds()))
	m.window.firstBatch(format, d)
}

// SnapshotLatency returns rolling per-format latency for /v1/perf/latency.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.window.snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
