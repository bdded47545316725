// Package metrics provides Prometheus metrics for the bulk indexer.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
)

// Skip reasons for RecordsSkipped.
const (
	SkipContent   = "content"
	SkipDuplicate = "duplicate"
)

// Metrics holds all Prometheus metrics for the bulk indexer.
type Metrics struct {
	// Batch metrics
	BatchesProduced  prometheus.Counter
	BatchesDelivered prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchDocuments   prometheus.Histogram

	// Document metrics
	DocumentsDelivered prometheus.Counter
	RecordsSkipped     *prometheus.CounterVec

	// Upload metrics
	UploadAttempts  *prometheus.CounterVec
	RetryAttempts   prometheus.Counter
	UploadDuration  *prometheus.HistogramVec
	InFlightBatches prometheus.Gauge

	// Dead-letter metrics
	DeadLetterWrites *prometheus.CounterVec

	registry prometheus.Gatherer
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
	Namespace string `yaml:"namespace"`
}

var defaultMetrics atomic.Pointer[Metrics]

// Init creates metrics on the default Prometheus registry and installs them
// as the global instance. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	m.registry = prometheus.DefaultGatherer
	defaultMetrics.Store(m)
	return m
}

// New creates metrics registered on reg without touching the global instance.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bulk_indexer"
	}
	f := promauto.With(reg)

	m := &Metrics{
		BatchesProduced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_produced_total",
			Help:      "Total number of batches cut from the source stream",
		}),
		BatchesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Total number of batches accepted by the indexing API",
		}),
		BatchesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of batches that ended the run with a fatal error",
		}),
		BatchDocuments: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_documents",
			Help:      "Number of documents per batch",
			Buckets:   prometheus.LinearBuckets(25, 25, 20), // 25 to 500
		}),
		DocumentsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_delivered_total",
			Help:      "Total number of documents in delivered batches",
		}),
		RecordsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Total number of source records dropped before batching",
		}, []string{"reason"}),
		UploadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Total number of upload attempts by outcome",
		}, []string{"outcome"}),
		RetryAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of backoff waits before a retry",
		}),
		UploadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time for one upload attempt",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"outcome"}),
		InFlightBatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_batches",
			Help:      "Number of batches currently held by workers",
		}),
		DeadLetterWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_writes_total",
			Help:      "Total number of dead-letter archive writes by result",
		}, []string{"result"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics.Load()
}

// Reset clears the global instance.
func Reset() {
	defaultMetrics.Store(nil)
}

// Handler returns the scrape handler for these metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start installs the global metrics and serves them in the background until
// ctx is done. It returns nil when cfg.Enabled is false.
func Start(ctx context.Context, cfg Config) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	m := Init(cfg.Namespace)

	log := logging.Component("metrics")
	log.Info("serving metrics", "address", cfg.Address)
	go func() {
		if err := Serve(ctx, cfg.Address, m); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return m
}

// Serve runs an HTTP server for Prometheus scraping until ctx is done.
func Serve(ctx context.Context, address string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

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

// IncBatchesProduced increments the batches produced counter.
func (m *Metrics) IncBatchesProduced() {
	m.BatchesProduced.Inc()
}

// ObserveBatchDocuments records the size of a produced batch.
func (m *Metrics) ObserveBatchDocuments(n float64) {
	m.BatchDocuments.Observe(n)
}

// IncBatchesDelivered records a delivered batch of n documents.
func (m *Metrics) IncBatchesDelivered(n int) {
	m.BatchesDelivered.Inc()
	m.DocumentsDelivered.Add(float64(n))
}

// IncBatchesFailed increments the failed batches counter.
func (m *Metrics) IncBatchesFailed() {
	m.BatchesFailed.Inc()
}

// IncRecordsSkipped increments the skipped records counter for reason.
func (m *Metrics) IncRecordsSkipped(reason string) {
	m.RecordsSkipped.WithLabelValues(reason).Inc()
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(outcome string, seconds float64) {
	m.UploadAttempts.WithLabelValues(outcome).Inc()
	m.UploadDuration.WithLabelValues(outcome).Observe(seconds)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts() {
	m.RetryAttempts.Inc()
}

// AddInFlightBatches adjusts the number of batches held by workers.
func (m *Metrics) AddInFlightBatches(delta float64) {
	m.InFlightBatches.Add(delta)
}

// IncDeadLetterWrites counts a dead-letter write with result "ok" or "error".
func (m *Metrics) IncDeadLetterWrites(result string) {
	m.DeadLetterWrites.WithLabelValues(result).Inc()
}
