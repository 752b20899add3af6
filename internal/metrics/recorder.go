// Package metrics defines the observability hooks of the render pipeline.
// Components receive a Recorder by injection; the default NoopRecorder makes
// instrumentation free when nothing is configured, and PrometheusRecorder
// exports a textfile for the node-exporter textfile collector, which fits a
// short-lived preprocessor better than a scrape endpoint.
package metrics

import "time"

// ResultLabel categorizes span outcomes.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultWarning  ResultLabel = "warning"
	ResultError    ResultLabel = "error"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder receives pipeline measurements. Implementations must be safe for
// concurrent use; span renders run on a worker pool.
type Recorder interface {
	// ObserveSpanDuration records one span render, labeled by span kind.
	ObserveSpanDuration(kind string, d time.Duration)
	// ObserveChapterDuration records the transform of one whole chapter.
	ObserveChapterDuration(d time.Duration)
	// IncSpanResult counts a span outcome by kind.
	IncSpanResult(kind string, result ResultLabel)
	// IncRenderCache counts render-cache lookups by hit or miss.
	IncRenderCache(hit bool)
	// IncPackageFetch counts registry downloads.
	IncPackageFetch()
	// SetWorkers records the size of the render worker pool.
	SetWorkers(n int)
}

// NoopRecorder is the default Recorder; every method does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveSpanDuration(string, time.Duration) {}
func (NoopRecorder) ObserveChapterDuration(time.Duration)      {}
func (NoopRecorder) IncSpanResult(string, ResultLabel)         {}
func (NoopRecorder) IncRenderCache(bool)                       {}
func (NoopRecorder) IncPackageFetch()                          {}
func (NoopRecorder) SetWorkers(int)                            {}
