package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/fsutil"
)

// AlignmentChart describes one before/after alignment page.
type AlignmentChart struct {
	Group  string
	File   string
	Before map[string][]align.Row
	After  map[string][]align.Row
	Result *align.Result
}

// timestampLine plots each device's timestamps against row index.
func timestampLine(title, subtitle string, series map[string][]align.Row) *charts.Line {
	devices := make([]string, 0, len(series))
	longest := 0
	for d, rows := range series {
		devices = append(devices, d)
		if len(rows) > longest {
			longest = len(rows)
		}
	}
	sort.Strings(devices)

	x := make([]string, longest)
	for i := range x {
		x[i] = strconv.Itoa(i)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Row", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Time (s)", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x)
	for _, d := range devices {
		data := make([]opts.LineData, len(series[d]))
		for i, r := range series[d] {
			data[i] = opts.LineData{Value: r.Time}
		}
		line.AddSeries(d, data)
	}
	return line
}

// Render writes the page to w.
func (c AlignmentChart) Render(w io.Writer) error {
	subtitle := fmt.Sprintf("group=%s file=%s", c.Group, c.File)
	after := subtitle
	if c.Result != nil {
		after = fmt.Sprintf("%s shifts=%d removed=%d rows=%d", subtitle, c.Result.Shifts, len(c.Result.Removed), c.Result.Len())
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Alignment %s/%s", c.Group, c.File)
	page.AddCharts(
		timestampLine("Before alignment", subtitle, c.Before),
		timestampLine("After alignment", after, c.After),
	)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

// SaveAlignmentHTML renders c to path on fsys.
func SaveAlignmentHTML(fsys fsutil.FileSystem, path string, c AlignmentChart) error {
	return create(fsys, path, c.Render)
}
