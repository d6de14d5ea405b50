// Package metrics exposes engine counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so components take one
// optionally and tests can leave it out.
//
// Exposed series:
//
//	erpsync_build_info{version,commit,go}
//	erpsync_extractions_total{source_type,status}
//	erpsync_extraction_duration_seconds{source_type}
//	erpsync_records_extracted_total{source_type}
//	erpsync_batch_jobs_total{status}
//	erpsync_batch_records_total{outcome}
//	erpsync_batch_jobs_active
//	erpsync_batch_throughput_records_per_second
//	erpsync_sync_runs_total{source_type,status}
//	erpsync_sync_changes_total{source_type,kind}
//	erpsync_sync_conflicts_total{source_type,strategy}
//	erpsync_reconcile_runs_total{status}
//	erpsync_reconcile_discrepancies_total{type,severity}
//	erpsync_reconcile_corrections_total
//	erpsync_scheduler_executions_total{job_type,status}
//	erpsync_scheduler_execution_duration_seconds{job_type}
//	erpsync_scheduler_running_jobs
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/version"
)

const namespace = "erpsync"

// Collector holds every engine metric.
type Collector struct {
	registry *prometheus.Registry

	extractions        *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	recordsExtracted   *prometheus.CounterVec

	batchJobs       *prometheus.CounterVec
	batchRecords    *prometheus.CounterVec
	batchActive     prometheus.Gauge
	batchThroughput prometheus.Gauge

	syncRuns      *prometheus.CounterVec
	syncChanges   *prometheus.CounterVec
	syncConflicts *prometheus.CounterVec

	reconcileRuns          *prometheus.CounterVec
	reconcileDiscrepancies *prometheus.CounterVec
	reconcileCorrections   prometheus.Counter

	schedulerExecutions *prometheus.CounterVec
	schedulerDuration   *prometheus.HistogramVec
	schedulerRunning    prometheus.Gauge
}

// NewCollector creates a Collector registered on its own registry, along
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Extractions by source type and final status",
		}, []string{"source_type", "status"}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Extraction latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source_type"}),
		recordsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Valid records returned by extractions",
		}, []string{"source_type"}),

		batchJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_total",
			Help:      "Batch jobs by terminal status",
		}, []string{"status"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_records_total",
			Help:      "Records handled by batch jobs, by outcome",
		}, []string{"outcome"}),
		batchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_jobs_active",
			Help:      "Batch jobs currently processing",
		}),
		batchThroughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_throughput_records_per_second",
			Help:      "Aggregate batch throughput",
		}),

		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by source type and final status",
		}, []string{"source_type", "status"}),
		syncChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_changes_total",
			Help:      "Changes detected by sync runs",
		}, []string{"source_type", "kind"}),
		syncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Conflicts resolved by sync runs, by strategy",
		}, []string{"source_type", "strategy"}),

		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by final status",
		}, []string{"status"}),
		reconcileDiscrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_discrepancies_total",
			Help:      "Discrepancies found by reconciliation",
		}, []string{"type", "severity"}),
		reconcileCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_corrections_total",
			Help:      "Discrepancies auto-corrected on the destination",
		}),

		schedulerExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_executions_total",
			Help:      "Scheduled executions by job type and status",
		}, []string{"job_type", "status"}),
		schedulerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_execution_duration_seconds",
			Help:      "Scheduled execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job_type"}),
		schedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running_jobs",
			Help:      "Scheduled jobs currently executing",
		}),
	}

	info := version.Get()
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build of the running binary; always 1",
		ConstLabels: prometheus.Labels{"version": info.Version, "commit": info.ShortCommit(), "go": info.Go},
	})
	buildInfo.Set(1)

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		buildInfo,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.extractions, c.extractionDuration, c.recordsExtracted,
		c.batchJobs, c.batchRecords, c.batchActive, c.batchThroughput,
		c.syncRuns, c.syncChanges, c.syncConflicts,
		c.reconcileRuns, c.reconcileDiscrepancies, c.reconcileCorrections,
		c.schedulerExecutions, c.schedulerDuration, c.schedulerRunning,
	)
	return c
}

// Registry returns the registry the collector publishes to.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordExtraction records one finished extraction.
func (c *Collector) RecordExtraction(sourceType, status string, extracted int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.extractions.WithLabelValues(sourceType, status).Inc()
	c.extractionDuration.WithLabelValues(sourceType).Observe(elapsed.Seconds())
	c.recordsExtracted.WithLabelValues(sourceType).Add(float64(extracted))
}

// RecordBatchJob records a batch job reaching a terminal or paused status.
func (c *Collector) RecordBatchJob(status string) {
	if c == nil {
		return
	}
	c.batchJobs.WithLabelValues(status).Inc()
}

// RecordBatchRecords adds processed and failed record counts.
func (c *Collector) RecordBatchRecords(processed, failed int) {
	if c == nil {
		return
	}
	c.batchRecords.WithLabelValues("processed").Add(float64(processed))
	c.batchRecords.WithLabelValues("failed").Add(float64(failed))
}

// SetBatchActive sets the number of processing jobs and aggregate throughput.
func (c *Collector) SetBatchActive(active int, throughput float64) {
	if c == nil {
		return
	}
	c.batchActive.Set(float64(active))
	c.batchThroughput.Set(throughput)
}

// RecordSync records one finished sync run and the changes it detected.
func (c *Collector) RecordSync(sourceType, status string, changes map[string]int) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(sourceType, status).Inc()
	for kind, n := range changes {
		c.syncChanges.WithLabelValues(sourceType, kind).Add(float64(n))
	}
}

// RecordConflict records one resolved conflict.
func (c *Collector) RecordConflict(sourceType, strategy string) {
	if c == nil {
		return
	}
	c.syncConflicts.WithLabelValues(sourceType, strategy).Inc()
}

// RecordReconciliation records one finished reconciliation run.
func (c *Collector) RecordReconciliation(status string, corrected int) {
	if c == nil {
		return
	}
	c.reconcileRuns.WithLabelValues(status).Inc()
	c.reconcileCorrections.Add(float64(corrected))
}

// RecordDiscrepancy records one discrepancy.
func (c *Collector) RecordDiscrepancy(kind, severity string) {
	if c == nil {
		return
	}
	c.reconcileDiscrepancies.WithLabelValues(kind, severity).Inc()
}

// RecordExecution records one finished scheduled execution.
func (c *Collector) RecordExecution(jobType, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.schedulerExecutions.WithLabelValues(jobType, status).Inc()
	if elapsed > 0 {
		c.schedulerDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
	}
}

// SetSchedulerRunning sets the number of executing scheduled jobs.
func (c *Collector) SetSchedulerRunning(n int) {
	if c == nil {
		return
	}
	c.schedulerRunning.Set(float64(n))
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "metrics server on %s", addr)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "failed to shut down metrics server")
		}
		return nil
	}
}
