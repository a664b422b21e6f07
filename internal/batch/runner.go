// Package batch drives a whole decode and alignment run: it discovers the
// captures of every device group, decodes them concurrently, writes feature
// tables, aligns each capture session across its devices and records the
// outcome in the ledger and metrics.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/config"
	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/ledger"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/report"
	"github.com/banshee-data/csisync/internal/security"
	"github.com/banshee-data/csisync/internal/table"
	"github.com/banshee-data/csisync/internal/timeutil"
)

// Output sub-directories under the configured output directory.
const (
	CSVDir      = "csv-data"
	AdjustedDir = "adjusted-data"
	ReportDir   = "report"
)

// Options carries the collaborators of a Runner. Nil fields get defaults:
// the OS filesystem, the real clock and no ledger or metrics.
type Options struct {
	FS      fsutil.FileSystem
	Clock   timeutil.Clock
	Ledger  *ledger.Ledger
	Metrics *monitoring.Metrics
	// NewRunID overrides run id generation.
	NewRunID func() string
}

// Runner executes batch runs for one configuration.
type Runner struct {
	cfg      *config.Config
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	ledger   *ledger.Ledger
	metrics  *monitoring.Metrics
	decoder  csi.Decoder
	newRunID func() string
}

// NewRunner validates cfg and builds its decoder.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		cfg = config.EmptyConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	dec, err := csi.NewDecoder(cfg.GetDecoder(), csi.DecoderOptions{
		Bandwidth:  cfg.GetBandwidth(),
		MaxSamples: cfg.GetMaxSamples(),
	})
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:      cfg,
		fs:       opts.FS,
		clock:    opts.Clock,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		decoder:  dec,
		newRunID: opts.NewRunID,
	}
	if r.fs == nil {
		r.fs = fsutil.OSFileSystem{}
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.newRunID == nil {
		r.newRunID = uuid.NewString
	}
	return r, nil
}

// CaptureResult is the outcome of decoding one device capture.
type CaptureResult struct {
	Group    string
	Device   string
	Stem     string
	Path     string
	Frames   int
	Bytes    int
	Stop     csi.StopReason
	Duration time.Duration
	Err      error

	done   bool
	set    *csi.SampleSet
	tables map[table.Kind]*table.Table
}

// AlignmentResult is the outcome of aligning one capture session of a group
// for one feature kind.
type AlignmentResult struct {
	Group  string
	Stem   string
	Kind   table.Kind
	Result *align.Result
	Err    error
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Status     string
	Groups     []*Group
	Captures   []*CaptureResult
	Alignments []*AlignmentResult
	Duration   time.Duration
}

// Failed counts failed captures and alignments.
func (s *Summary) Failed() (captures, alignments int) {
	for _, c := range s.Captures {
		if c.Err != nil {
			captures++
		}
	}
	for _, a := range s.Alignments {
		if a.Err != nil {
			alignments++
		}
	}
	return captures, alignments
}

func (s *Summary) status() string {
	capFailed, alignFailed := s.Failed()
	switch {
	case len(s.Captures) > 0 && capFailed == len(s.Captures):
		return ledger.StatusFailed
	case capFailed > 0 || alignFailed > 0:
		return ledger.StatusPartial
	}
	return ledger.StatusOK
}

// Run performs one full batch run. Failures of individual captures or
// alignments are recorded in the summary and never abort the run; only
// discovery, ledger start and context cancellation do.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := r.clock.Now()
	sum := &Summary{RunID: r.newRunID()}

	groups, err := Discover(r.fs, r.cfg)
	if err != nil {
		return nil, err
	}
	sum.Groups = groups

	if r.ledger != nil {
		cfgJSON, err := json.Marshal(r.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode configuration: %w", err)
		}
		if err := r.ledger.StartRun(ctx, sum.RunID, start, string(cfgJSON)); err != nil {
			return nil, err
		}
	}
	monitoring.Logf("[batch] run %s: %d groups, decoder=%s workers=%d", sum.RunID, len(groups), r.cfg.GetDecoder(), r.cfg.GetWorkers())

	sum.Captures, err = r.decodeAll(ctx, sum.RunID, groups)
	if err == nil {
		sum.Alignments, err = r.alignAll(ctx, sum.RunID, groups, sum.Captures)
	}

	sum.Status = sum.status()
	if err != nil {
		sum.Status = ledger.StatusFailed
	}
	sum.Duration = r.clock.Since(start)
	r.finish(sum)
	return sum, err
}

func (r *Runner) finish(sum *Summary) {
	end := r.clock.Now()
	if r.ledger != nil {
		// The run context may already be cancelled.
		if err := r.ledger.FinishRun(context.Background(), sum.RunID, end, sum.Status); err != nil {
			monitoring.Warnf("ledger: %v", err)
		}
	}
	r.metrics.MarkRunComplete(end)
	if path := r.cfg.GetMetricsPath(); path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			monitoring.Warnf("%v", err)
		}
	}

	capFailed, alignFailed := sum.Failed()
	frames, bytes := 0, 0
	for _, c := range sum.Captures {
		frames += c.Frames
		bytes += c.Bytes
	}
	monitoring.Logf("[batch] run %s %s in %s: %d captures (%d failed), %s frames, %s, %d alignments (%d failed)",
		sum.RunID, sum.Status, sum.Duration.Round(time.Millisecond), len(sum.Captures), capFailed,
		humanize.Comma(int64(frames)), humanize.Bytes(uint64(bytes)), len(sum.Alignments), alignFailed)
}

// outputPath joins parts under the output directory and rejects anything
// that escapes it.
func (r *Runner) outputPath(parts ...string) (string, error) {
	root := r.cfg.GetOutputDir()
	path := filepath.Join(append([]string{root}, parts...)...)
	if err := security.ValidatePathWithinDirectory(path, root); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Runner) tablePath(dir, device string, kind table.Kind, stem string) (string, error) {
	return r.outputPath(dir, security.SanitizeFilename(device), string(kind), security.SanitizeFilename(stem)+".csv")
}

// decodeAll decodes every capture of every group. A capture shared by
// several groups is decoded once and attributed to the first group.
func (r *Runner) decodeAll(ctx context.Context, runID string, groups []*Group) ([]*CaptureResult, error) {
	var jobs []*CaptureResult
	seen := make(map[[2]string]bool)
	for _, g := range groups {
		for _, stem := range g.Stems() {
			for _, d := range g.Devices {
				if seen[[2]string{d, stem}] {
					continue
				}
				seen[[2]string{d, stem}] = true
				jobs = append(jobs, &CaptureResult{
					Group:  g.Name,
					Device: d,
					Stem:   stem,
					Path:   filepath.Join(r.cfg.GetInputDir(), d, g.Files[stem][d]),
				})
			}
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.GetWorkers())
	for _, job := range jobs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.decodeOne(ctx, runID, job)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, job := range jobs {
			if !job.done {
				job.Err = err
			}
		}
		return jobs, err
	}
	return jobs, nil
}

func (r *Runner) decodeOne(ctx context.Context, runID string, job *CaptureResult) {
	start := r.clock.Now()
	func() {
		defer func() {
			if p := recover(); p != nil {
				job.Err = fmt.Errorf("panic while decoding: %v", p)
			}
		}()
		job.Err = r.decode(job)
	}()
	job.Duration = r.clock.Since(start)
	job.done = true

	if job.Err != nil {
		monitoring.Logf("[batch] %s/%s failed: %v", job.Device, job.Stem, job.Err)
	} else {
		monitoring.Logf("[batch] %s/%s: %d frames, %s in %s (%s)", job.Device, job.Stem, job.Frames,
			humanize.Bytes(uint64(job.Bytes)), job.Duration.Round(time.Microsecond), job.Stop)
	}
	r.recordCapture(ctx, runID, job)
}

func (r *Runner) decode(job *CaptureResult) error {
	set, n, err := csi.DecodeFile(r.fs, r.decoder, job.Path)
	job.Bytes = n
	if err != nil {
		return err
	}
	job.set = set
	job.Frames = set.Len()
	job.Stop = set.Stop()

	mask := r.cfg.GetMask()
	if mask != csi.MaskNone && !set.BandwidthValid() {
		monitoring.Warnf("%s: no subcarrier table for %d MHz; exporting unmasked", job.Path, set.Bandwidth())
		mask = csi.MaskNone
	}

	job.tables = make(map[table.Kind]*table.Table)
	for _, kind := range r.cfg.GetFeatures() {
		t, err := table.FromSampleSet(set, kind, mask)
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		path, err := r.tablePath(CSVDir, job.Device, kind, job.Stem)
		if err != nil {
			return err
		}
		if err := table.Save(r.fs, path, t); err != nil {
			return err
		}
		job.tables[kind] = t
	}

	if r.cfg.GetReports() {
		amp, ok := job.tables[table.KindAmplitude]
		if !ok {
			amp, err = table.FromSampleSet(set, table.KindAmplitude, mask)
			if err != nil {
				return err
			}
		}
		path, err := r.outputPath(ReportDir, security.SanitizeFilename(job.Device), security.SanitizeFilename(job.Stem)+".png")
		if err != nil {
			return err
		}
		title := fmt.Sprintf("%s %s (%d MHz)", job.Device, job.Stem, set.Bandwidth())
		if err := report.SaveAmplitudePNG(r.fs, path, amp, title); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) recordCapture(ctx context.Context, runID string, job *CaptureResult) {
	o := monitoring.CaptureObservation{
		Device:   job.Device,
		Decoder:  r.cfg.GetDecoder().String(),
		Failed:   job.Err != nil,
		Frames:   job.Frames,
		Bytes:    job.Bytes,
		Duration: job.Duration,
	}
	out := ledger.CaptureOutcome{
		Group:    job.Group,
		Device:   job.Device,
		File:     job.Stem,
		Status:   ledger.StatusOK,
		Frames:   job.Frames,
		Bytes:    int64(job.Bytes),
		Duration: job.Duration,
	}
	if job.set != nil {
		o.StopReason = job.Stop.String()
		o.BandwidthValid = job.set.BandwidthValid()
		out.StopReason = job.Stop.String()
		out.Bandwidth = job.set.Bandwidth()
		out.BandwidthValid = job.set.BandwidthValid()
	}
	if job.Err != nil {
		out.Status = ledger.StatusFailed
		out.Error = job.Err.Error()
	}
	r.metrics.RecordCapture(o)

	if r.ledger == nil {
		return
	}
	out.RunID = runID
	if err := r.ledger.RecordCapture(ctx, out); err != nil {
		monitoring.Warnf("ledger: %v", err)
	}
}

// alignAll aligns every (group, stem, kind) whose captures all decoded.
func (r *Runner) alignAll(ctx context.Context, runID string, groups []*Group, captures []*CaptureResult) ([]*AlignmentResult, error) {
	byKey := make(map[[2]string]*CaptureResult, len(captures))
	for _, c := range captures {
		byKey[[2]string{c.Device, c.Stem}] = c
	}

	var jobs []*AlignmentResult
	for _, g := range groups {
		for _, stem := range g.Stems() {
			for _, kind := range r.cfg.GetFeatures() {
				jobs = append(jobs, &AlignmentResult{Group: g.Name, Stem: stem, Kind: kind})
			}
		}
	}
	groupByName := make(map[string]*Group, len(groups))
	for _, g := range groups {
		groupByName[g.Name] = g
	}

	var mu sync.Mutex
	var kept []*AlignmentResult
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.GetWorkers())
	for _, job := range jobs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			g := groupByName[job.Group]
			series := make(map[string][]align.Row, len(g.Devices))
			for _, d := range g.Devices {
				c := byKey[[2]string{d, job.Stem}]
				if c == nil || c.Err != nil {
					monitoring.Logf("[batch] group %s: not aligning %s, capture from %s failed", g.Name, job.Stem, d)
					return nil
				}
				series[d] = c.tables[job.Kind].Rows
			}
			r.alignOne(ctx, runID, g, job, series)
			mu.Lock()
			kept = append(kept, job)
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()

	// Preserve job order regardless of completion order.
	done := make(map[*AlignmentResult]bool, len(kept))
	for _, k := range kept {
		done[k] = true
	}
	out := make([]*AlignmentResult, 0, len(kept))
	for _, j := range jobs {
		if done[j] {
			out = append(out, j)
		}
	}
	return out, err
}

func (r *Runner) alignOne(ctx context.Context, runID string, g *Group, job *AlignmentResult, series map[string][]align.Row) {
	res, err := align.Align(series, align.Config{Alpha: r.cfg.GetAlpha(), Devices: g.Devices})
	if err == nil {
		job.Result = res
		err = r.writeAligned(g, job, series)
	}
	job.Err = err

	if err != nil {
		monitoring.Logf("[batch] group %s: aligning %s/%s failed: %v", g.Name, job.Stem, job.Kind, err)
	} else {
		monitoring.Logf("[batch] group %s: aligned %s/%s, %d rows, %d shifts, %d removed",
			g.Name, job.Stem, job.Kind, res.Len(), res.Shifts, len(res.Removed))
	}
	r.recordAlignment(ctx, runID, g, job)
}

func (r *Runner) writeAligned(g *Group, job *AlignmentResult, before map[string][]align.Row) error {
	res := job.Result
	for _, d := range g.Devices {
		path, err := r.tablePath(AdjustedDir, d, job.Kind, job.Stem)
		if err != nil {
			return err
		}
		cols := 0
		if rows := before[d]; len(rows) > 0 {
			cols = len(rows[0].Values)
		}
		t := &table.Table{Columns: table.ColumnLabels(cols), Rows: res.Series[d]}
		if err := table.Save(r.fs, path, t); err != nil {
			return err
		}
	}
	if !r.cfg.GetReports() {
		return nil
	}
	path, err := r.outputPath(ReportDir, security.SanitizeFilename(g.Name),
		security.SanitizeFilename(job.Stem)+"-"+string(job.Kind)+".html")
	if err != nil {
		return err
	}
	return report.SaveAlignmentHTML(r.fs, path, report.AlignmentChart{
		Group:  g.Name,
		File:   job.Stem,
		Before: before,
		After:  res.Series,
		Result: res,
	})
}

func (r *Runner) recordAlignment(ctx context.Context, runID string, g *Group, job *AlignmentResult) {
	o := monitoring.AlignmentObservation{Group: g.Name, File: job.Stem, Failed: job.Err != nil}
	out := ledger.AlignmentOutcome{
		Group:   g.Name,
		File:    job.Stem,
		Kind:    string(job.Kind),
		Status:  ledger.StatusOK,
		Devices: len(g.Devices),
	}
	if res := job.Result; res != nil {
		o.Shifts, o.Removed, o.Rows = res.Shifts, len(res.Removed), res.Len()
		out.Rows, out.Shifts, out.Removed, out.Degenerate = res.Len(), res.Shifts, len(res.Removed), res.Degenerate
		for _, n := range res.Trimmed {
			out.Trimmed += n
		}
	}
	if job.Err != nil {
		out.Status = ledger.StatusFailed
		out.Error = job.Err.Error()
	}
	r.metrics.RecordAlignment(o)

	if r.ledger == nil {
		return
	}
	out.RunID = runID
	if err := r.ledger.RecordAlignment(ctx, out); err != nil {
		monitoring.Warnf("ledger: %v", err)
	}
}

// IsCancelled reports whether err came from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
