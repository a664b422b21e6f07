// Package report renders per-capture amplitude plots (PNG, gonum/plot) and
// per-group alignment charts (HTML, go-echarts).
package report

import (
	"fmt"
	"io"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/table"
)

// maxTraces caps how many subcarrier traces are drawn next to the row mean.
const maxTraces = 4

// AmplitudePlot draws the mean value of every row against time, plus a few
// evenly spaced subcarrier traces.
func AmplitudePlot(t *table.Table, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Amplitude"

	if t.Len() == 0 {
		return p, nil
	}

	means := t.RowMeans()
	meanPts := make(plotter.XYs, len(means))
	for i, m := range means {
		meanPts[i] = plotter.XY{X: t.Rows[i].Time, Y: m}
	}
	meanLine, err := plotter.NewLine(meanPts)
	if err != nil {
		return nil, err
	}
	meanLine.Width = vg.Points(1.5)
	meanLine.Color = plotutil.Color(0)
	p.Add(meanLine)
	p.Legend.Add("mean", meanLine)

	for n, col := range traceColumns(len(t.Columns)) {
		pts := make(plotter.XYs, 0, t.Len())
		for _, r := range t.Rows {
			if col < len(r.Values) {
				pts = append(pts, plotter.XY{X: r.Time, Y: r.Values[col]})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Width = vg.Points(0.5)
		line.Color = plotutil.Color(n + 1)
		p.Add(line)
		p.Legend.Add(t.Columns[col], line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// traceColumns picks up to maxTraces column indices spread across n.
func traceColumns(n int) []int {
	if n == 0 {
		return nil
	}
	k := maxTraces
	if n < k {
		k = n
	}
	cols := make([]int, k)
	for i := range cols {
		cols[i] = (2*i + 1) * n / (2 * k)
	}
	return cols
}

// WritePNG renders p as a 10x4 inch PNG to w.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to create png canvas: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to render png: %w", err)
	}
	return nil
}

// SaveAmplitudePNG plots t and writes the image to path on fsys.
func SaveAmplitudePNG(fsys fsutil.FileSystem, path string, t *table.Table, title string) error {
	p, err := AmplitudePlot(t, title)
	if err != nil {
		return fmt.Errorf("failed to plot %s: %w", path, err)
	}
	return create(fsys, path, func(w io.Writer) error { return WritePNG(w, p) })
}

func create(fsys fsutil.FileSystem, path string, render func(io.Writer) error) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
