package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/fsutil"
)

// ErrMalformedCSV is returned when a table file does not have the expected
// header or row shape.
var ErrMalformedCSV = errors.New("malformed table csv")

// WriteCSV writes t with a "Time,A,B,..." header. Floats use the shortest
// representation that parses back to the same value.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	header := append([]string{TimeColumn}, t.Columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	record := make([]string, len(header))
	for i, r := range t.Rows {
		if len(r.Values) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, table has %d columns", i, len(r.Values), len(t.Columns))
		}
		record[0] = strconv.FormatFloat(r.Time, 'g', -1, 64)
		for j, v := range r.Values {
			record[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table written by WriteCSV.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedCSV)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) == 0 || header[0] != TimeColumn {
		return nil, fmt.Errorf("%w: first column must be %q", ErrMalformedCSV, TimeColumn)
	}
	t := &Table{Columns: append([]string(nil), header[1:]...)}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedCSV, line, err)
		}
		row := align.Row{Values: make([]float64, len(rec)-1)}
		if row.Time, err = strconv.ParseFloat(rec[0], 64); err != nil {
			return nil, fmt.Errorf("%w: line %d time: %v", ErrMalformedCSV, line, err)
		}
		for j, s := range rec[1:] {
			if row.Values[j], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("%w: line %d column %s: %v", ErrMalformedCSV, line, t.Columns[j], err)
			}
		}
		t.Rows = append(t.Rows, row)
	}
}

// Save writes t to path on fsys, creating parent directories.
func Save(fsys fsutil.FileSystem, path string, t *Table) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, t); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Load reads a table from path on fsys.
func Load(fsys fsutil.FileSystem, path string) (*Table, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	t, err := ReadCSV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
