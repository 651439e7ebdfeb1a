// Package metrics exposes the Prometheus counters and histograms the
// freeze and thaw workers (and the backup/restore pipelines) report
// through, adapted from an HTTP-gateway's metrics into
// cryophile's upload/download/pipeline domain.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds all cryophile metrics. Callers obtain one per process
// via New or NewWithRegistry (the latter for tests, to avoid
// registration conflicts against the default registry).
type Metrics struct {
	fragmentsWritten *prometheus.CounterVec
	fragmentBytes    *prometheus.CounterVec
	uploadsTotal     *prometheus.CounterVec
	uploadDuration   *prometheus.HistogramVec
	uploadRetries    *prometheus.CounterVec
	downloadsTotal   *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	thawPollsTotal   *prometheus.CounterVec
	thawPollDuration *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	cellsRetired     prometheus.Counter
	cellsInFlight    *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default
// Prometheus registry.
func New() *Metrics {
	return newWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance against a caller-supplied
// registry, for test isolation.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWithRegistry(reg)
}

func newWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		fragmentsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cryophile_fragments_written_total",
			Help: "Fragments written to the local spool, by role.",
		}, []string{"role"}),
		fragmentBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cryophile_fragment_bytes_total",
			Help: "Bytes written to fragment files, by role.",
		}, []string{"role"}),
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cryophile_uploads_total",
			Help: "Fragment uploads attempted by the freeze worker, by outcome.",
		}, []string{"outcome"}),
		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryophile_upload_duration_seconds",
			Help:    "Fragment upload duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		uploadRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cryophile_upload_retries_total",
			Help: "Fragment upload retry attempts after a RemoteTransient error.",
		}, []string{"provider"}),
		downloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cryophile_downloads_total",
			Help: "Fragment downloads attempted by the thaw worker, by outcome.",
		}, []string{"outcome"}),
		downloadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryophile_download_duration_seconds",
			Help:    "Fragment download duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		thawPollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cryophile_thaw_polls_total",
			Help: "Archival-restore readiness polls issued, by outcome.",
		}, []string{"outcome"}),
		thawPollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryophile_thaw_poll_duration_seconds",
			Help:    "Duration of one archival-restore readiness poll (HEAD), in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"provider"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryophile_pipeline_stage_duration_seconds",
			Help:    "Wall-clock duration of one backup/restore pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		cellsRetired: factory.NewCounter(prometheus.CounterOpts{
			Name: "cryophile_cells_retired_total",
			Help: "Backup cells fully uploaded and removed from the local spool.",
		}),
		cellsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryophile_cells_in_flight",
			Help: "Cells currently tracked by the freeze or thaw worker, by state.",
		}, []string{"role", "state"}),
	}
}

// RecordFragmentWrite records one fragment written to the spool.
func (m *Metrics) RecordFragmentWrite(role string, bytes int64) {
	m.fragmentsWritten.WithLabelValues(role).Inc()
	m.fragmentBytes.WithLabelValues(role).Add(float64(bytes))
}

// RecordUpload records the outcome and duration of one fragment PUT,
// attaching a trace exemplar when ctx carries a valid span — the same
// pattern as the RecordS3Operation/getExemplar pairing used elsewhere in the gateway.
func (m *Metrics) RecordUpload(ctx context.Context, provider, outcome string, d time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.uploadsTotal.WithLabelValues(outcome).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.uploadsTotal.WithLabelValues(outcome).Inc()
		}
		if observer, ok := m.uploadDuration.WithLabelValues(provider).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(d.Seconds(), exemplar)
		} else {
			m.uploadDuration.WithLabelValues(provider).Observe(d.Seconds())
		}
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	m.uploadDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordUploadRetry records one RemoteTransient retry attempt.
func (m *Metrics) RecordUploadRetry(provider string) {
	m.uploadRetries.WithLabelValues(provider).Inc()
}

// RecordDownload records the outcome and duration of one fragment GET.
func (m *Metrics) RecordDownload(ctx context.Context, provider, outcome string, d time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.downloadsTotal.WithLabelValues(outcome).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.downloadsTotal.WithLabelValues(outcome).Inc()
		}
		if observer, ok := m.downloadDuration.WithLabelValues(provider).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(d.Seconds(), exemplar)
		} else {
			m.downloadDuration.WithLabelValues(provider).Observe(d.Seconds())
		}
		return
	}
	m.downloadsTotal.WithLabelValues(outcome).Inc()
	m.downloadDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordThawPoll records one readiness poll in the thaw worker's
// backoff loop.
func (m *Metrics) RecordThawPoll(provider, outcome string, d time.Duration) {
	m.thawPollsTotal.WithLabelValues(outcome).Inc()
	m.thawPollDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordStageDuration records one pipeline stage's wall-clock runtime
// (compressor/encryptor/splitter or concatenator/decryptor/decompressor).
func (m *Metrics) RecordStageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordCellRetired records one backup cell's successful retirement.
func (m *Metrics) RecordCellRetired() {
	m.cellsRetired.Inc()
}

// SetCellsInFlight reports the current count of cells in a given
// freeze/thaw state-machine state, for the Discovered/Draining/
// Sealed-seen/Retired gauge.
func (m *Metrics) SetCellsInFlight(role, state string, count int) {
	m.cellsInFlight.WithLabelValues(role, state).Set(float64(count))
}

// Handler returns the HTTP handler for the /metrics scrape endpoint,
// for operators who run freeze/thaw as a long-lived service.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx for exemplar attachment.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
