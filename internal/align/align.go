// Package align synchronises CSI time series captured by several devices so
// that row i of every device describes the same transmitted frame.
//
// Devices drop frames independently. At each row the aligner measures the
// spread of timestamps across devices; when it exceeds the tolerance the
// device that is furthest ahead is assumed to have missed a frame the others
// saw, so a tombstone is inserted in front of its row and the row is
// re-evaluated. Rows that needed a tombstone anywhere are removed from every
// device once the scan completes.
package align

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/csisync/internal/monitoring"
)

// DefaultAlpha is the tolerance used when none is configured, in seconds.
const DefaultAlpha = 0.01

var (
	ErrInvalidAlpha     = errors.New("alpha must be a finite value > 0")
	ErrDeviceMismatch   = errors.New("device set mismatch")
	ErrInvalidTimestamp = errors.New("timestamp is NaN or infinite")
	ErrNoConvergence    = errors.New("alignment did not converge")
)

// Row is one sample of a device time series.
type Row struct {
	Time   float64
	Values []float64
}

// Config controls one alignment run.
type Config struct {
	// Alpha is the maximum population standard deviation of timestamps
	// across devices for a row to count as aligned.
	Alpha float64
	// Devices, when set, must match the keys of the input exactly.
	Devices []string
}

// Result is the outcome of a successful run.
type Result struct {
	// Series holds the aligned rows; every device has the same length.
	Series map[string][]Row
	// Removed lists, in ascending order, the row positions that received a
	// tombstone during the scan and were dropped from every device.
	Removed []int
	// Shifts counts tombstone insertions.
	Shifts int
	// Steps counts loop iterations.
	Steps int
	// Trimmed counts, per device, rows past the common scanned extent.
	Trimmed map[string]int
	// Degenerate is set when some device had no rows, which yields zero
	// rows for every device.
	Degenerate bool
}

// Len returns the common row count.
func (r *Result) Len() int {
	for _, rows := range r.Series {
		return len(rows)
	}
	return 0
}

// Validate checks cfg against the device keys of series before any row is
// scanned.
func Validate(series map[string][]Row, cfg Config) error {
	if math.IsNaN(cfg.Alpha) || math.IsInf(cfg.Alpha, 0) || cfg.Alpha <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidAlpha, cfg.Alpha)
	}
	if len(series) == 0 {
		return fmt.Errorf("%w: no devices", ErrDeviceMismatch)
	}
	for d, rows := range series {
		if d == "" {
			return fmt.Errorf("%w: empty device identifier", ErrDeviceMismatch)
		}
		for i, r := range rows {
			if math.IsNaN(r.Time) || math.IsInf(r.Time, 0) {
				return fmt.Errorf("%w: device %s row %d", ErrInvalidTimestamp, d, i)
			}
		}
	}
	if len(cfg.Devices) == 0 {
		return nil
	}

	want := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d == "" {
			return fmt.Errorf("%w: empty device identifier in config", ErrDeviceMismatch)
		}
		if want[d] {
			return fmt.Errorf("%w: device %s listed twice", ErrDeviceMismatch, d)
		}
		want[d] = true
	}
	var missing, extra []string
	for d := range want {
		if _, ok := series[d]; !ok {
			missing = append(missing, d)
		}
	}
	for d := range series {
		if !want[d] {
			extra = append(extra, d)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrDeviceMismatch, missing, extra)
	}
	return nil
}

// Align synchronises series. Inputs are not modified; the result shares
// Values slices with the input rows.
func Align(series map[string][]Row, cfg Config) (*Result, error) {
	if err := Validate(series, cfg); err != nil {
		return nil, err
	}

	s := newState(series)
	for d, t := range s.tables {
		if len(t) == 0 {
			monitoring.Warnf("align: device %s has no rows; result is empty for all devices", s.devices[d])
			return degenerate(s.devices), nil
		}
	}

	limit := (len(s.devices)+1)*s.totalRows() + 1
	steps := 0
	i := 0
	for i < s.shortest() {
		steps++
		if steps > limit {
			return nil, fmt.Errorf("%w after %d steps", ErrNoConvergence, limit)
		}

		s.collect(i)
		if s.spread() <= cfg.Alpha {
			i++
			continue
		}
		s.deferRow(s.leader(), i)
	}

	trimmed := s.trim(i)
	res := &Result{
		Series:  s.finalise(),
		Removed: s.removed(),
		Shifts:  s.shifts,
		Steps:   steps,
		Trimmed: trimmed,
	}
	if res.Len() == 0 {
		monitoring.Warnf("align: no rows survived alignment of %d devices", len(s.devices))
		res.Degenerate = true
	}
	if err := check(res.Series, cfg.Alpha); err != nil {
		return nil, err
	}
	return res, nil
}

// AlignTimestamps aligns bare timestamp sequences.
func AlignTimestamps(times map[string][]float64, cfg Config) (*Result, error) {
	series := make(map[string][]Row, len(times))
	for d, ts := range times {
		rows := make([]Row, len(ts))
		for i, t := range ts {
			rows[i] = Row{Time: t}
		}
		series[d] = rows
	}
	return Align(series, cfg)
}

// Times projects a result back to timestamps per device.
func (r *Result) Times() map[string][]float64 {
	out := make(map[string][]float64, len(r.Series))
	for d, rows := range r.Series {
		ts := make([]float64, len(rows))
		for i, row := range rows {
			ts[i] = row.Time
		}
		out[d] = ts
	}
	return out
}

func degenerate(devices []string) *Result {
	res := &Result{
		Series:     make(map[string][]Row, len(devices)),
		Removed:    []int{},
		Trimmed:    map[string]int{},
		Degenerate: true,
	}
	for _, d := range devices {
		res.Series[d] = []Row{}
	}
	return res
}

// check verifies the completion contract: equal lengths and every row within
// tolerance.
func check(series map[string][]Row, alpha float64) error {
	devices := make([]string, 0, len(series))
	for d := range series {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	n := len(series[devices[0]])
	for _, d := range devices[1:] {
		if len(series[d]) != n {
			return fmt.Errorf("aligned length mismatch: %s has %d rows, %s has %d", devices[0], n, d, len(series[d]))
		}
	}
	st := &state{values: make([]float64, 0, len(devices))}
	for i := 0; i < n; i++ {
		st.values = st.values[:0]
		for _, d := range devices {
			st.values = append(st.values, series[d][i].Time)
		}
		if sd := st.spread(); sd > alpha {
			return fmt.Errorf("aligned row %d has spread %g > alpha %g", i, sd, alpha)
		}
	}
	return nil
}
