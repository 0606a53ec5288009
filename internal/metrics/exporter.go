package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shotmon"

// Exporter publishes the latest snapshot on its own registry.
type Exporter struct {
	registry *prometheus.Registry

	mu   sync.RWMutex
	last MetricsSnapshot
}

func NewExporter(sessionID string) (*Exporter, error) {
	e := &Exporter{registry: prometheus.NewRegistry()}
	labels := prometheus.Labels{"session": sessionID}

	counter := func(subsystem, name, help string, value func(*MetricsSnapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, e.read(value))
	}
	gauge := func(subsystem, name, help string, value func(*MetricsSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, e.read(value))
	}

	collectors := []prometheus.Collector{
		counter("ingest", "shots_total", "Shots committed to the rolling buffers.",
			func(s *MetricsSnapshot) float64 { return float64(s.Ingest.Ingested) }),
		counter("ingest", "cycles_total", "Ingestion cycles run.",
			func(s *MetricsSnapshot) float64 { return float64(s.Ingest.Cycles) }),
		counter("ingest", "empty_cycles_total", "Ingestion cycles with no new shots.",
			func(s *MetricsSnapshot) float64 { return float64(s.Ingest.EmptyCycles) }),
		counter("ingest", "fetch_errors_total", "Failed upstream reads.",
			func(s *MetricsSnapshot) float64 { return float64(s.Ingest.FetchErrors) }),
		gauge("ingest", "running", "1 while ingestion is running.",
			func(s *MetricsSnapshot) float64 { return float64(boolToInt(s.Ingest.Running)) }),
		gauge("ingest", "watermark", "Newest ingested shot index.",
			func(s *MetricsSnapshot) float64 { return float64(s.Ingest.Watermark) }),
		gauge("ingest", "cycle_latency_p50_seconds", "Median ingestion cycle latency.",
			func(s *MetricsSnapshot) float64 { return s.Ingest.LatencyP50.Seconds() }),
		gauge("ingest", "cycle_latency_p99_seconds", "99th percentile ingestion cycle latency.",
			func(s *MetricsSnapshot) float64 { return s.Ingest.LatencyP99.Seconds() }),
		gauge("ingest", "series_length", "Values held by the tags series.",
			func(s *MetricsSnapshot) float64 { return float64(s.Ingest.SeriesLength) }),
		counter("binning", "updates_total", "Worker updates folded into the aggregate.",
			func(s *MetricsSnapshot) float64 { return float64(s.Binning.Received) }),
		counter("binning", "gated_total", "Shots that passed gating.",
			func(s *MetricsSnapshot) float64 { return float64(s.Binning.Gated) }),
		counter("binning", "out_of_range_total", "Gated shots outside the binning axis.",
			func(s *MetricsSnapshot) float64 { return float64(s.Binning.OutOfRange) }),
		gauge("binning", "queue_depth", "Updates waiting for the aggregator.",
			func(s *MetricsSnapshot) float64 { return float64(s.Binning.QueueDepth) }),
		counter("worker", "frames_total", "Frames reduced by the ROI worker.",
			func(s *MetricsSnapshot) float64 { return float64(s.Worker.Processed) }),
		counter("worker", "failures_total", "Failed ROI worker cycles.",
			func(s *MetricsSnapshot) float64 { return float64(s.Worker.Failures) }),
	}

	for _, c := range collectors {
		if err := e.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Exporter) read(value func(*MetricsSnapshot) float64) func() float64 {
	return func() float64 {
		e.mu.RLock()
		defer e.mu.RUnlock()

		return value(&e.last)
	}
}

// Observe replaces the published snapshot.
func (e *Exporter) Observe(s *MetricsSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.last = *s
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
