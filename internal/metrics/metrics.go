// Package metrics collects and exposes Prometheus metrics for the sync pipeline.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the records, catalog and reconcile
// packages and the HTTP layer.
type Recorder interface {
	RecordSnapshot()
	RecordNewSessions(count int)
	RecordMergeWritten(added int)
	RecordMergeConflict()
	RecordPersistFailure()
	RecordCatalogMissing(count int)
	RecordHTTPStatus(statusCode int)
	RunStarted()
	RunStopped()
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	snapshots      prometheus.Counter
	newSessions    prometheus.Counter
	mergesWritten  prometheus.Counter
	refsAdded      prometheus.Counter
	mergeConflicts prometheus.Counter
	persistFail    prometheus.Counter
	catalogMissing prometheus.Counter
	httpStatus     *prometheus.CounterVec
	activeRuns     prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_live_snapshots_total",
			Help: "Live section snapshots processed by reconciliation runs.",
		}),
		newSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_new_sessions_detected_total",
			Help: "Sessions that entered a live set and were not previously seen.",
		}),
		mergesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_record_merges_written_total",
			Help: "Saved-record merges that resulted in a write.",
		}),
		refsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_record_refs_added_total",
			Help: "Session references appended to saved records.",
		}),
		mergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_record_merge_conflicts_total",
			Help: "Saved-record writes retried after a version conflict.",
		}),
		persistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_persist_failures_total",
			Help: "Background saved-record persists that failed.",
		}),
		catalogMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pemss_catalog_missing_total",
			Help: "Saved session references whose document no longer exists.",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pemss_http_responses_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pemss_active_live_runs",
			Help: "Reconciliation runs currently watching a live section feed.",
		}),
	}

	reg.MustRegister(
		c.snapshots,
		c.newSessions,
		c.mergesWritten,
		c.refsAdded,
		c.mergeConflicts,
		c.persistFail,
		c.catalogMissing,
		c.httpStatus,
		c.activeRuns,
	)
	return c
}

func (c *Collector) RecordSnapshot() { c.snapshots.Inc() }

func (c *Collector) RecordNewSessions(count int) { c.newSessions.Add(float64(count)) }

// RecordMergeWritten counts one write that appended added references.
func (c *Collector) RecordMergeWritten(added int) {
	c.mergesWritten.Inc()
	c.refsAdded.Add(float64(added))
}

func (c *Collector) RecordMergeConflict() { c.mergeConflicts.Inc() }

func (c *Collector) RecordPersistFailure() { c.persistFail.Inc() }

func (c *Collector) RecordCatalogMissing(count int) { c.catalogMissing.Add(float64(count)) }

func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) RunStarted() { c.activeRuns.Inc() }

func (c *Collector) RunStopped() { c.activeRuns.Dec() }

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything. It is the default when no collector is wired.
type Nop struct{}

func (Nop) RecordSnapshot()          {}
func (Nop) RecordNewSessions(int)    {}
func (Nop) RecordMergeWritten(int)   {}
func (Nop) RecordMergeConflict()     {}
func (Nop) RecordPersistFailure()    {}
func (Nop) RecordCatalogMissing(int) {}
func (Nop) RecordHTTPStatus(int)     {}
func (Nop) RunStarted()              {}
func (Nop) RunStopped()              {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
