// Package metrics provides Prometheus metrics for the Parquet loader.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// File outcomes used as the "outcome" label.
const (
	OutcomeCommitted   = "committed"
	OutcomeSkipped     = "already_committed"
	OutcomeQuarantined = "quarantined"
	OutcomeDeferred    = "deferred"
)

// Metrics holds all Prometheus metrics for the loader.
type Metrics struct {
	// File metrics
	FilesDiscovered *prometheus.CounterVec
	FilesProcessed  *prometheus.CounterVec

	// Row metrics
	RowsCommitted *prometheus.CounterVec
	RowsSkipped   *prometheus.CounterVec

	// Checkpoint metrics
	CheckpointVersion *prometheus.GaugeVec
	CheckpointAdvance *prometheus.GaugeVec

	// Timing metrics
	FileLoadDuration   *prometheus.HistogramVec
	FileCommitDuration *prometheus.HistogramVec

	// Size metrics
	FileRows  *prometheus.HistogramVec
	FileBytes *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth *prometheus.GaugeVec
	SequencerPending *prometheus.GaugeVec
	InFlightFiles    *prometheus.GaugeVec

	// Error metrics
	SourceErrors  *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec
	AuditErrors   *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
	Namespace string `yaml:"namespace"`
}

var defaultMetrics *Metrics

// Init registers the global metrics with the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// New builds a metrics set registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "parquet_loader"
	}
	f := promauto.With(reg)
	pipeline := []string{"pipeline"}

	return &Metrics{
		FilesDiscovered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_discovered_total",
				Help:      "Total number of files dispatched after discovery",
			},
			pipeline,
		),
		FilesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of files finished, by outcome",
			},
			[]string{"pipeline", "outcome"},
		),
		RowsCommitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_committed_total",
				Help:      "Total number of rows committed to the sink",
			},
			pipeline,
		),
		RowsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_skipped_total",
				Help:      "Total number of malformed rows skipped",
			},
			pipeline,
		),
		CheckpointVersion: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "checkpoint_version",
				Help:      "Version of the last advanced checkpoint",
			},
			pipeline,
		),
		CheckpointAdvance: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "checkpoint_last_advance_timestamp_seconds",
				Help:      "Unix time of the last checkpoint advance",
			},
			pipeline,
		),
		FileLoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_load_duration_seconds",
				Help:      "Time to read, decode and map one file",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			pipeline,
		),
		FileCommitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_commit_duration_seconds",
				Help:      "Time to commit one file, including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			pipeline,
		),
		FileRows: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_rows",
				Help:      "Number of rows committed per file",
				Buckets:   prometheus.ExponentialBuckets(100, 2, 12), // 100 to ~400k
			},
			pipeline,
		),
		FileBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_bytes",
				Help:      "Size of source objects in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 18), // 1KB to ~256MB
			},
			pipeline,
		),
		WorkerQueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of files waiting for a worker",
			},
			pipeline,
		),
		SequencerPending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sequencer_pending",
				Help:      "Finished files waiting for an earlier file before the checkpoint can advance",
			},
			pipeline,
		),
		InFlightFiles: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_files",
				Help:      "Number of files currently being processed",
			},
			pipeline,
		),
		SourceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Total number of object store errors",
			},
			pipeline,
		),
		SinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Total number of sink errors",
			},
			[]string{"pipeline", "class"},
		),
		AuditErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_errors_total",
				Help:      "Total number of audit emission errors",
			},
			pipeline,
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"pipeline", "operation"},
		),
		Alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Operational alerts raised after retries were exhausted",
			},
			[]string{"pipeline", "reason"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer serves /metrics and /health until ctx is done.
func StartServer(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Pipeline  string
	Outcome   string
	Operation string
	Class     string
	Reason    string
}

// IncFilesDiscovered increments the discovered files counter.
func (m *Metrics) IncFilesDiscovered(l Labels) {
	m.FilesDiscovered.WithLabelValues(l.Pipeline).Inc()
}

// IncFilesProcessed increments the processed files counter for l.Outcome.
func (m *Metrics) IncFilesProcessed(l Labels) {
	m.FilesProcessed.WithLabelValues(l.Pipeline, l.Outcome).Inc()
}

// AddRowsCommitted adds to the committed rows counter.
func (m *Metrics) AddRowsCommitted(l Labels, n float64) {
	m.RowsCommitted.WithLabelValues(l.Pipeline).Add(n)
}

// AddRowsSkipped adds to the skipped rows counter.
func (m *Metrics) AddRowsSkipped(l Labels, n float64) {
	m.RowsSkipped.WithLabelValues(l.Pipeline).Add(n)
}

// SetCheckpoint records a checkpoint advance.
func (m *Metrics) SetCheckpoint(l Labels, version int64, at time.Time) {
	m.CheckpointVersion.WithLabelValues(l.Pipeline).Set(float64(version))
	m.CheckpointAdvance.WithLabelValues(l.Pipeline).Set(float64(at.Unix()))
}

// ObserveFileLoadDuration records the time spent loading a file.
func (m *Metrics) ObserveFileLoadDuration(l Labels, seconds float64) {
	m.FileLoadDuration.WithLabelValues(l.Pipeline).Observe(seconds)
}

// ObserveFileCommitDuration records the total time to commit a file.
func (m *Metrics) ObserveFileCommitDuration(l Labels, seconds float64) {
	m.FileCommitDuration.WithLabelValues(l.Pipeline).Observe(seconds)
}

// ObserveFileRows records the number of rows committed for a file.
func (m *Metrics) ObserveFileRows(l Labels, rows float64) {
	m.FileRows.WithLabelValues(l.Pipeline).Observe(rows)
}

// ObserveFileBytes records the size of a source object.
func (m *Metrics) ObserveFileBytes(l Labels, bytes float64) {
	m.FileBytes.WithLabelValues(l.Pipeline).Observe(bytes)
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(l Labels, depth float64) {
	m.WorkerQueueDepth.WithLabelValues(l.Pipeline).Set(depth)
}

// SetSequencerPending sets the number of finished files waiting on the sequencer.
func (m *Metrics) SetSequencerPending(l Labels, pending float64) {
	m.SequencerPending.WithLabelValues(l.Pipeline).Set(pending)
}

// AddInFlightFiles adjusts the in-flight files gauge.
func (m *Metrics) AddInFlightFiles(l Labels, delta float64) {
	m.InFlightFiles.WithLabelValues(l.Pipeline).Add(delta)
}

// IncSourceErrors increments the source errors counter.
func (m *Metrics) IncSourceErrors(l Labels) {
	m.SourceErrors.WithLabelValues(l.Pipeline).Inc()
}

// IncSinkErrors increments the sink errors counter for l.Class.
func (m *Metrics) IncSinkErrors(l Labels) {
	m.SinkErrors.WithLabelValues(l.Pipeline, l.Class).Inc()
}

// IncAuditErrors increments the audit errors counter.
func (m *Metrics) IncAuditErrors(l Labels) {
	m.AuditErrors.WithLabelValues(l.Pipeline).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Pipeline, l.Operation).Inc()
}

// IncAlerts increments the alerts counter.
func (m *Metrics) IncAlerts(l Labels) {
	m.Alerts.WithLabelValues(l.Pipeline, l.Reason).Inc()
}
