package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csisync/internal/config"
	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/ledger"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/synth"
	"github.com/banshee-data/csisync/internal/table"
	"github.com/banshee-data/csisync/internal/testutil"
	"github.com/banshee-data/csisync/internal/timeutil"
)

func ptr[T any](v T) *T { return &v }

// seedInput writes three sessions for rx1 and rx2:
//
//	sit   lossless, gzip
//	walk  lossy with jitter, zstd
//	bad   rx1 copy is corrupt
//
// plus a session only rx2 captured and a stray text file.
func seedInput(t *testing.T, fs *fsutil.MemoryFileSystem) {
	t.Helper()
	devices := []string{"rx1", "rx2"}

	sit, err := synth.NewGenerator(1).Group(synth.GroupOptions{Devices: devices, Events: 30})
	require.NoError(t, err)
	testutil.WriteGroup(t, fs, "in", "sit", sit, csi.CompressionGzip)

	walk, err := synth.NewGenerator(2).Group(synth.GroupOptions{
		Devices: devices, Events: 60, Loss: 0.2, Jitter: time.Millisecond,
	})
	require.NoError(t, err)
	testutil.WriteGroup(t, fs, "in", "walk", walk, csi.CompressionZstd)

	bad, err := synth.NewGenerator(3).Group(synth.GroupOptions{Devices: devices, Events: 5})
	require.NoError(t, err)
	testutil.WriteCapture(t, fs, "in/rx2/bad", bad["rx2"], csi.CompressionNone)
	require.NoError(t, fs.WriteFile("in/rx1/bad.pcap", []byte{0xd4, 0xc3, 0xb2}, 0o644))

	testutil.WriteCapture(t, fs, "in/rx2/only", bad["rx2"], csi.CompressionNone)
	require.NoError(t, fs.WriteFile("in/rx1/notes.txt", []byte("lab session"), 0o644))
}

func testConfig() *config.Config {
	return &config.Config{
		InputDir:  ptr("in"),
		OutputDir: ptr("out"),
		Alpha:     ptr(0.002),
		Features:  []string{"amp", "pha"},
		Workers:   ptr(2),
	}
}

func newTestRunner(t *testing.T, cfg *config.Config, fs fsutil.FileSystem, opts Options) *Runner {
	t.Helper()
	opts.FS = fs
	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	clock.SetStep(time.Millisecond)
	opts.Clock = clock
	opts.NewRunID = func() string { return "run-test" }
	r, err := NewRunner(cfg, opts)
	require.NoError(t, err)
	return r
}

func TestCaptureStem(t *testing.T) {
	tests := []struct {
		name string
		stem string
		ok   bool
	}{
		{"walk.pcap", "walk", true},
		{"walk.PCAP.GZ", "walk", true},
		{"a.b.pcap.zst", "a.b", true},
		{".pcap", "", false},
		{"walk.csv", "", false},
		{"walk.pcapng", "", false},
	}
	for _, tt := range tests {
		stem, ok := CaptureStem(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.stem, stem, tt.name)
	}
}

func TestDiscoverDefaultGroup(t *testing.T) {
	testutil.QuietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	seedInput(t, fs)

	groups, err := Discover(fs, testConfig())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, config.DefaultGroup, g.Name)
	assert.Equal(t, []string{"rx1", "rx2"}, g.Devices)
	assert.Equal(t, []string{"bad", "sit", "walk"}, g.Stems())
	assert.Equal(t, map[string]string{"rx1": "sit.pcap.gz", "rx2": "sit.pcap.gz"}, g.Files["sit"])
}

func TestDiscoverConfiguredGroups(t *testing.T) {
	testutil.QuietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	seedInput(t, fs)

	cfg := testConfig()
	cfg.DeviceGroups = map[string][]string{"solo": {"rx2"}, "pair": {"rx2", "rx1"}}
	groups, err := Discover(fs, cfg)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "pair", groups[0].Name)
	assert.Equal(t, []string{"rx1", "rx2"}, groups[0].Devices)
	assert.Equal(t, "solo", groups[1].Name)
	assert.Equal(t, []string{"bad", "only", "sit", "walk"}, groups[1].Stems())

	cfg.DeviceGroups = map[string][]string{"ghost": {"rx9"}}
	_, err = Discover(fs, cfg)
	assert.Error(t, err)
}

func TestDiscoverEmptyInput(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("in", 0o755))
	_, err := Discover(fs, testConfig())
	assert.Error(t, err)

	_, err = Discover(fs, &config.Config{InputDir: ptr("missing")})
	assert.Error(t, err)
}

func TestRunIsolatesCorruptCapture(t *testing.T) {
	logs := testutil.CaptureLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	seedInput(t, fs)

	r := newTestRunner(t, testConfig(), fs, Options{})
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-test", sum.RunID)
	assert.Equal(t, ledger.StatusPartial, sum.Status)
	require.Len(t, sum.Captures, 6)
	capFailed, alignFailed := sum.Failed()
	assert.Equal(t, 1, capFailed)
	assert.Zero(t, alignFailed)

	var bad *CaptureResult
	for _, c := range sum.Captures {
		if c.Err != nil {
			bad = c
		}
	}
	require.NotNil(t, bad)
	assert.Equal(t, "rx1", bad.Device)
	assert.Equal(t, "bad", bad.Stem)
	assert.ErrorIs(t, bad.Err, csi.ErrShortCapture)

	// bad is skipped; sit and walk align for both kinds.
	require.Len(t, sum.Alignments, 4)
	for _, a := range sum.Alignments {
		assert.NotEqual(t, "bad", a.Stem)
		require.NoError(t, a.Err)
		n := len(a.Result.Series["rx1"])
		assert.Equal(t, n, len(a.Result.Series["rx2"]))
		if a.Stem == "sit" {
			assert.Equal(t, 30, n)
			assert.Empty(t, a.Result.Removed)
		} else {
			assert.Positive(t, n)
			assert.LessOrEqual(t, n, 60)
		}
	}
	assert.True(t, logs.Contains("not aligning bad"))
	assert.True(t, logs.Contains("skipping only"))

	paths := fs.Paths()
	assert.Contains(t, paths, filepath.Join("out", CSVDir, "rx1", "amp", "sit.csv"))
	assert.Contains(t, paths, filepath.Join("out", CSVDir, "rx2", "pha", "walk.csv"))
	assert.Contains(t, paths, filepath.Join("out", CSVDir, "rx2", "amp", "bad.csv"))
	assert.NotContains(t, paths, filepath.Join("out", CSVDir, "rx1", "amp", "bad.csv"))
	assert.Contains(t, paths, filepath.Join("out", AdjustedDir, "rx1", "pha", "sit.csv"))
	assert.Contains(t, paths, filepath.Join("out", AdjustedDir, "rx2", "amp", "walk.csv"))
	assert.NotContains(t, paths, filepath.Join("out", AdjustedDir, "rx2", "amp", "bad.csv"))
	for _, p := range paths {
		assert.False(t, strings.HasPrefix(p, filepath.Join("out", ReportDir)), "reports disabled: %s", p)
	}

	adjusted, err := table.Load(fs, filepath.Join("out", AdjustedDir, "rx1", "amp", "walk.csv"))
	require.NoError(t, err)
	other, err := table.Load(fs, filepath.Join("out", AdjustedDir, "rx2", "amp", "walk.csv"))
	require.NoError(t, err)
	require.Equal(t, adjusted.Len(), other.Len())
	assert.Len(t, adjusted.Columns, 64)
	for i := range adjusted.Rows {
		assert.InDelta(t, adjusted.Rows[i].Time, other.Rows[i].Time, 2*0.002)
	}
}

func TestRunWritesMaskedFeatures(t *testing.T) {
	testutil.QuietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	seedInput(t, fs)

	cfg := testConfig()
	cfg.Features = []string{"amp"}
	r := newTestRunner(t, cfg, fs, Options{})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	tb, err := table.Load(fs, filepath.Join("out", CSVDir, "rx1", "amp", "sit.csv"))
	require.NoError(t, err)
	for _, idx := range csi.NullSubcarriers(csi.Bandwidth20) {
		assert.Zero(t, tb.Rows[0].Values[idx], "null subcarrier %d", idx)
	}
	assert.False(t, fs.Exists(filepath.Join("out", CSVDir, "rx1", "pha")))
}

func TestRunWithLedgerMetricsAndReports(t *testing.T) {
	testutil.QuietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	seedInput(t, fs)

	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Reports = ptr(true)
	cfg.MetricsPath = ptr(filepath.Join(dir, "csisync.prom"))
	r := newTestRunner(t, cfg, fs, Options{Ledger: l, Metrics: monitoring.NewMetrics()})

	ctx := context.Background()
	sum, err := r.Run(ctx)
	require.NoError(t, err)

	runs, err := l.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-test", runs[0].ID)
	assert.Equal(t, ledger.StatusPartial, runs[0].Status)
	assert.False(t, runs[0].FinishedAt.IsZero())
	assert.Contains(t, runs[0].ConfigJSON, `"alpha":0.002`)

	captures, err := l.Captures(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Len(t, captures, 6)
	failures, err := l.Failures(ctx, sum.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "rx1", failures[0].Device)
	assert.Equal(t, "bad", failures[0].File)
	assert.Contains(t, failures[0].Error, "shorter")

	alignments, err := l.Alignments(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Len(t, alignments, 4)

	prom, err := os.ReadFile(filepath.Join(dir, "csisync.prom"))
	require.NoError(t, err)
	text := string(prom)
	assert.Contains(t, text, `csisync_captures_total{device="rx1",status="failed"} 1`)
	assert.Contains(t, text, `csisync_alignment_runs_total{group="default",status="ok"} 4`)
	assert.Contains(t, text, "csisync_last_run_completed_timestamp_seconds")

	assert.True(t, fs.Exists(filepath.Join("out", ReportDir, "rx1", "sit.png")))
	assert.True(t, fs.Exists(filepath.Join("out", ReportDir, "rx2", "bad.png")))
	assert.True(t, fs.Exists(filepath.Join("out", ReportDir, "default", "walk-amp.html")))
	assert.True(t, fs.Exists(filepath.Join("out", ReportDir, "default", "walk-pha.html")))
}

func TestRunCancelled(t *testing.T) {
	testutil.QuietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	seedInput(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newTestRunner(t, testConfig(), fs, Options{})
	sum, err := r.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, ledger.StatusFailed, sum.Status)
	assert.Empty(t, sum.Alignments)
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	_, err := NewRunner(&config.Config{Alpha: ptr(-1.0)}, Options{})
	assert.Error(t, err)

	r, err := NewRunner(nil, Options{})
	require.NoError(t, err)
	assert.NotNil(t, r.fs)
	assert.NotNil(t, r.clock)
}
