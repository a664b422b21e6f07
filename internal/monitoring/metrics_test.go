package monitoring

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordCapture(t *testing.T) {
	m := NewMetrics()

	m.RecordCapture(CaptureObservation{
		Device:         "nexmon-1",
		Decoder:        "nexmon",
		Frames:         120,
		Bytes:          4096,
		StopReason:     "truncated frame",
		BandwidthValid: false,
		Duration:       5 * time.Millisecond,
	})
	m.RecordCapture(CaptureObservation{Device: "nexmon-1", Decoder: "nexmon", Failed: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.capturesTotal.WithLabelValues("nexmon-1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capturesTotal.WithLabelValues("nexmon-1", "failed")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.framesDecoded.WithLabelValues("nexmon-1")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.captureBytes.WithLabelValues("nexmon-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeStops.WithLabelValues("nexmon-1", "truncated frame")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bandwidthFlagged.WithLabelValues("nexmon-1")))
}

func TestMetrics_RecordAlignment(t *testing.T) {
	m := NewMetrics()

	m.RecordAlignment(AlignmentObservation{Group: "g1", File: "run1", Shifts: 3, Removed: 2, Rows: 98})
	m.RecordAlignment(AlignmentObservation{Group: "g1", File: "run2", Failed: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.alignmentRuns.WithLabelValues("g1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alignmentRuns.WithLabelValues("g1", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.alignmentShifts.WithLabelValues("g1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alignmentRemoved.WithLabelValues("g1")))
	assert.Equal(t, 98.0, testutil.ToFloat64(m.alignedRows.WithLabelValues("g1", "run1")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordCapture(CaptureObservation{Device: "x"})
	m.RecordAlignment(AlignmentObservation{Group: "g"})
	m.MarkRunComplete(time.Now())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "unused.prom")))
	assert.Nil(t, m.Registry())
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordAlignment(AlignmentObservation{Group: "g1", File: "run1", Shifts: 1, Removed: 1, Rows: 10})
	m.MarkRunComplete(time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "csisync.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `csisync_alignment_shifts_total{group="g1"} 1`), text)
	assert.True(t, strings.Contains(text, "csisync_last_run_completed_timestamp_seconds 1.7e+09"), text)
}
