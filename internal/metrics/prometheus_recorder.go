package metrics

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "mdbook_typst_math"

// PrometheusRecorder implements Recorder on a private registry so tests and
// concurrent runs never fight over the global one.
type PrometheusRecorder struct {
	registry *prom.Registry

	spanDuration    *prom.HistogramVec
	chapterDuration prom.Histogram
	spanResults     *prom.CounterVec
	cacheLookups    *prom.CounterVec
	packageFetches  prom.Counter
	workers         prom.Gauge
}

// NewPrometheusRecorder constructs a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{registry: prom.NewRegistry()}

	r.spanDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "span_render_duration_seconds",
		Help:      "Duration of individual span renders",
		Buckets:   prom.DefBuckets,
	}, []string{"kind"})
	r.chapterDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "chapter_duration_seconds",
		Help:      "Duration of whole-chapter transforms",
		Buckets:   prom.DefBuckets,
	})
	r.spanResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "span_results_total",
		Help:      "Span outcomes by kind and result",
	}, []string{"kind", "result"})
	r.cacheLookups = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "render_cache_lookups_total",
		Help:      "Render cache lookups by outcome",
	}, []string{"outcome"})
	r.packageFetches = prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "package_fetches_total",
		Help:      "Registry package downloads",
	})
	r.workers = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "render_workers",
		Help:      "Size of the span render worker pool",
	})

	r.registry.MustRegister(
		r.spanDuration,
		r.chapterDuration,
		r.spanResults,
		r.cacheLookups,
		r.packageFetches,
		r.workers,
	)
	return r
}

func (r *PrometheusRecorder) ObserveSpanDuration(kind string, d time.Duration) {
	r.spanDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *PrometheusRecorder) ObserveChapterDuration(d time.Duration) {
	r.chapterDuration.Observe(d.Seconds())
}

func (r *PrometheusRecorder) IncSpanResult(kind string, result ResultLabel) {
	r.spanResults.WithLabelValues(kind, string(result)).Inc()
}

func (r *PrometheusRecorder) IncRenderCache(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheLookups.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) IncPackageFetch() {
	r.packageFetches.Inc()
}

func (r *PrometheusRecorder) SetWorkers(n int) {
	r.workers.Set(float64(n))
}

// Registry exposes the private registry, mainly for tests.
func (r *PrometheusRecorder) Registry() *prom.Registry { return r.registry }

// WriteTextfile exports all metrics in the textfile collector format. Called
// once at the end of a run.
func (r *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
