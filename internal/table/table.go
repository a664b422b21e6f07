// Package table projects decoded CSI into per-device feature tables and
// persists them as CSV.
package table

import (
	"errors"
	"fmt"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/csi"
)

// Kind selects the per-subcarrier feature stored in a table.
type Kind string

const (
	KindAmplitude Kind = "amp"
	KindPhase     Kind = "pha"
)

// ErrUnknownKind is returned by ParseKind for unsupported feature names.
var ErrUnknownKind = errors.New("unknown feature kind")

// ParseKind validates a feature name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAmplitude, KindPhase:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q (want amp or pha)", ErrUnknownKind, s)
}

// TimeColumn heads the timestamp column.
const TimeColumn = "Time"

// Table is one device's time series: a relative timestamp plus one value
// per subcarrier for every row.
type Table struct {
	Columns []string
	Rows    []align.Row
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Times returns the timestamp column.
func (t *Table) Times() []float64 {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Time
	}
	return out
}

// RowMeans returns the mean across subcarriers of every row.
func (t *Table) RowMeans() []float64 {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		if len(r.Values) > 0 {
			out[i] = stat.Mean(r.Values, nil)
		}
	}
	return out
}

// ColumnLabels returns n spreadsheet style labels: A..Z, AA, AB, ...
func ColumnLabels(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = columnLabel(i)
	}
	return out
}

func columnLabel(i int) string {
	var buf [16]byte
	pos := len(buf)
	for k := i + 1; k > 0; k = (k - 1) / 26 {
		pos--
		buf[pos] = byte('A' + (k-1)%26)
	}
	return string(buf[pos:])
}

// FromSampleSet builds a table of kind from every frame in set, reading CSI
// through mask.
func FromSampleSet(set *csi.SampleSet, kind Kind, mask csi.Mask) (*Table, error) {
	var project func(complex128) float64
	switch kind {
	case KindAmplitude:
		project = cmplx.Abs
	case KindPhase:
		project = cmplx.Phase
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	t := &Table{
		Columns: ColumnLabels(set.NSubcarriers()),
		Rows:    make([]align.Row, set.Len()),
	}
	for i := 0; i < set.Len(); i++ {
		v, err := set.CSI(i, mask)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		ts, err := set.Timestamp(i)
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(v))
		for j, c := range v {
			values[j] = project(c)
		}
		t.Rows[i] = align.Row{Time: ts, Values: values}
	}
	return t, nil
}
