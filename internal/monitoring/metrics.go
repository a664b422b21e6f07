package monitoring

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "csisync"

// Metrics holds the Prometheus collectors for one batch run. Each run owns its
// own registry so concurrent runs (and tests) never share counters. The
// registry is written to a node_exporter textfile once the run completes.
//
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	capturesTotal      *prometheus.CounterVec   // device, status
	framesDecoded      *prometheus.CounterVec   // device
	captureBytes       *prometheus.CounterVec   // device
	decodeStops        *prometheus.CounterVec   // device, reason
	bandwidthFlagged   *prometheus.CounterVec   // device
	decodeSeconds      *prometheus.HistogramVec // decoder
	alignmentRuns      *prometheus.CounterVec   // group, status
	alignmentShifts    *prometheus.CounterVec   // group
	alignmentRemoved   *prometheus.CounterVec   // group
	alignedRows        *prometheus.GaugeVec     // group, file
	lastRunCompletedAt prometheus.Gauge
}

// NewMetrics creates a Metrics instance with a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		capturesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "captures_total",
			Help:      "Capture files processed, by device and outcome",
		}, []string{"device", "status"}),
		framesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_decoded_total",
			Help:      "CSI frames fully decoded",
		}, []string{"device"}),
		captureBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capture_bytes_total",
			Help:      "Uncompressed capture bytes read",
		}, []string{"device"}),
		decodeStops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_stops_total",
			Help:      "Reason the frame walk ended for each capture",
		}, []string{"device", "reason"}),
		bandwidthFlagged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bandwidth_flagged_total",
			Help:      "Captures whose inferred bandwidth is not a valid tier",
		}, []string{"device"}),
		decodeSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "decode_duration_seconds",
			Help:      "Wall time spent loading and decoding one capture",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"decoder"}),
		alignmentRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alignment_runs_total",
			Help:      "Alignment runs by device group and outcome",
		}, []string{"group", "status"}),
		alignmentShifts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alignment_shifts_total",
			Help:      "Tombstones inserted while aligning",
		}, []string{"group"}),
		alignmentRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alignment_rows_removed_total",
			Help:      "Row indices dropped from every device stream",
		}, []string{"group"}),
		alignedRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "aligned_rows",
			Help:      "Rows retained per device after alignment",
		}, []string{"group", "file"}),
		lastRunCompletedAt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_completed_timestamp_seconds",
			Help:      "Unix time the last batch run finished",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CaptureObservation summarises one capture decode for metrics purposes.
type CaptureObservation struct {
	Device         string
	Decoder        string
	Failed         bool
	Frames         int
	Bytes          int
	StopReason     string
	BandwidthValid bool
	Duration       time.Duration
}

// RecordCapture updates the decode metrics for one capture.
func (m *Metrics) RecordCapture(o CaptureObservation) {
	if m == nil {
		return
	}
	status := "ok"
	if o.Failed {
		status = "failed"
	}
	m.capturesTotal.WithLabelValues(o.Device, status).Inc()
	m.decodeSeconds.WithLabelValues(o.Decoder).Observe(o.Duration.Seconds())
	if o.Failed {
		return
	}
	m.framesDecoded.WithLabelValues(o.Device).Add(float64(o.Frames))
	m.captureBytes.WithLabelValues(o.Device).Add(float64(o.Bytes))
	if o.StopReason != "" {
		m.decodeStops.WithLabelValues(o.Device, o.StopReason).Inc()
	}
	if !o.BandwidthValid {
		m.bandwidthFlagged.WithLabelValues(o.Device).Inc()
	}
}

// AlignmentObservation summarises one alignment run.
type AlignmentObservation struct {
	Group   string
	File    string
	Failed  bool
	Shifts  int
	Removed int
	Rows    int
}

// RecordAlignment updates the alignment metrics for one group/file run.
func (m *Metrics) RecordAlignment(o AlignmentObservation) {
	if m == nil {
		return
	}
	status := "ok"
	if o.Failed {
		status = "failed"
	}
	m.alignmentRuns.WithLabelValues(o.Group, status).Inc()
	if o.Failed {
		return
	}
	m.alignmentShifts.WithLabelValues(o.Group).Add(float64(o.Shifts))
	m.alignmentRemoved.WithLabelValues(o.Group).Add(float64(o.Removed))
	m.alignedRows.WithLabelValues(o.Group, o.File).Set(float64(o.Rows))
}

// MarkRunComplete stamps the completion gauge.
func (m *Metrics) MarkRunComplete(at time.Time) {
	if m == nil {
		return
	}
	m.lastRunCompletedAt.Set(float64(at.Unix()))
}

// WriteTextfile writes every collected metric to path in the Prometheus text
// exposition format, suitable for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
