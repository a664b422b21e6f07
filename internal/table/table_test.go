package table

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/synth"
)

func TestColumnLabels(t *testing.T) {
	labels := ColumnLabels(800)
	tests := map[int]string{
		0:   "A",
		25:  "Z",
		26:  "AA",
		27:  "AB",
		51:  "AZ",
		52:  "BA",
		63:  "BL",
		701: "ZZ",
		702: "AAA",
	}
	for i, want := range tests {
		assert.Equal(t, want, labels[i], "index %d", i)
	}

	seen := map[string]bool{}
	for _, l := range labels {
		assert.False(t, seen[l], "duplicate label %s", l)
		seen[l] = true
	}
	assert.Empty(t, ColumnLabels(0))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" AMP ")
	require.NoError(t, err)
	assert.Equal(t, KindAmplitude, k)

	k, err = ParseKind("pha")
	require.NoError(t, err)
	assert.Equal(t, KindPhase, k)

	_, err = ParseKind("pca")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func decode(t *testing.T, frames []synth.Frame) *csi.SampleSet {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	data, err := synth.Capture(frames)
	require.NoError(t, err)
	dec, err := csi.NewDecoder(csi.VariantNexmon, csi.DecoderOptions{})
	require.NoError(t, err)
	set, err := dec.Decode(data)
	require.NoError(t, err)
	return set
}

func TestFromSampleSet(t *testing.T) {
	frames := synth.NewGenerator(5).Frames(3)
	frames[0].CSI[10] = 3 + 4i
	frames[0].CSI[11] = -1
	set := decode(t, frames)

	amp, err := FromSampleSet(set, KindAmplitude, csi.MaskNulls)
	require.NoError(t, err)
	require.Equal(t, 3, amp.Len())
	assert.Len(t, amp.Columns, 64)
	assert.Equal(t, 5.0, amp.Rows[0].Values[10])
	assert.Equal(t, 0.0, amp.Rows[0].Values[0], "null subcarrier masked")
	assert.Equal(t, []float64{0, 0.01, 0.02}, roundAll(amp.Times()))

	pha, err := FromSampleSet(set, KindPhase, csi.MaskNone)
	require.NoError(t, err)
	assert.InDelta(t, math.Pi, pha.Rows[0].Values[11], 1e-12)

	_, err = FromSampleSet(set, Kind("pca"), csi.MaskNone)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func roundAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Round(x*1e6) / 1e6
	}
	return out
}

func TestRowMeans(t *testing.T) {
	tb := &Table{
		Columns: ColumnLabels(2),
		Rows: []align.Row{
			{Time: 0, Values: []float64{1, 3}},
			{Time: 1, Values: []float64{}},
		},
	}
	assert.Equal(t, []float64{2, 0}, tb.RowMeans())
}

func TestCSVRoundTrip(t *testing.T) {
	tb := &Table{
		Columns: ColumnLabels(3),
		Rows: []align.Row{
			{Time: 0, Values: []float64{1.5, 0.1 + 0.2, 1e-300}},
			{Time: 0.010001, Values: []float64{-2, math.MaxFloat64, 0}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, tb))
	assert.True(t, strings.HasPrefix(buf.String(), "Time,A,B,C\n"))

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(tb, got); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCSVRejectsRaggedRows(t *testing.T) {
	tb := &Table{Columns: ColumnLabels(2), Rows: []align.Row{{Values: []float64{1}}}}
	assert.Error(t, WriteCSV(&bytes.Buffer{}, tb))
}

func TestReadCSVErrors(t *testing.T) {
	tests := map[string]string{
		"empty":      "",
		"bad header": "t,A\n0,1\n",
		"bad number": "Time,A\n0,x\n",
		"ragged":     "Time,A,B\n0,1\n",
		"bad time":   "Time,A\nnow,1\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	tb := &Table{Columns: ColumnLabels(1), Rows: []align.Row{{Time: 1, Values: []float64{2}}}}

	require.NoError(t, Save(fs, "data/csv-data/rx1/amp/walk.csv", tb))
	assert.True(t, fs.Exists("data/csv-data/rx1/amp"))

	got, err := Load(fs, "data/csv-data/rx1/amp/walk.csv")
	require.NoError(t, err)
	assert.Equal(t, tb, got)

	_, err = Load(fs, "data/csv-data/rx1/amp/missing.csv")
	assert.Error(t, err)
}
