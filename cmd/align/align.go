// Command align reads per-device feature tables from a csv-data tree,
// aligns them onto a common row index and writes the adjusted-data tree.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/batch"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/report"
	"github.com/banshee-data/csisync/internal/security"
	"github.com/banshee-data/csisync/internal/table"
	"github.com/banshee-data/csisync/internal/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// listDevices returns the device directories under <data>/csv-data.
func listDevices(fsys fsutil.FileSystem, root string) ([]string, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, e := range entries {
		if e.IsDir() {
			devices = append(devices, e.Name())
		}
	}
	return devices, nil
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("align", flag.ContinueOnError)
	dataDir := fs.String("data", "data", "root containing csv-data/ (adjusted-data/ is written alongside)")
	devicesFlag := fs.String("devices", "", "comma separated devices to align (default: every device under csv-data)")
	kindFlag := fs.String("kind", "amp", "feature table kind: amp or pha")
	alpha := fs.Float64("alpha", align.DefaultAlpha, "maximum timestamp standard deviation per aligned row, in seconds")
	html := fs.Bool("report", false, "write an HTML before/after chart per file under report/")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, "align", version.String())
		return nil
	}
	kind, err := table.ParseKind(*kindFlag)
	if err != nil {
		return err
	}

	fsys := fsutil.OSFileSystem{}
	csvRoot := filepath.Join(*dataDir, batch.CSVDir)
	devices := splitList(*devicesFlag)
	if len(devices) == 0 {
		if devices, err = listDevices(fsys, csvRoot); err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices under %s", csvRoot)
	}
	sort.Strings(devices)

	files := fs.Args()
	if len(files) == 0 {
		if files, err = commonStems(fsys, csvRoot, devices, kind); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no %s tables common to %s", kind, strings.Join(devices, ", "))
		}
	}

	opts := stemOptions{data: *dataDir, devices: devices, kind: kind, alpha: *alpha, html: *html}
	failed := 0
	for _, stem := range files {
		stem = security.SanitizeFilename(stem)
		res, err := alignStem(fsys, stem, opts)
		if err != nil {
			monitoring.Warnf("[align] %s: %v", stem, err)
			failed++
			continue
		}
		fmt.Fprintf(stdout, "%s: %d devices, %d rows, %d shifts, removed %v\n", stem, len(devices), res.Len(), res.Shifts, res.Removed)
	}
	if failed == len(files) {
		return fmt.Errorf("all %d files failed to align", failed)
	}
	if failed > 0 {
		fmt.Fprintf(stdout, "%d of %d files failed\n", failed, len(files))
	}
	return nil
}

// commonStems returns the sorted table stems present for every device.
// Stems missing on some device are logged and skipped.
func commonStems(fsys fsutil.FileSystem, csvRoot string, devices []string, kind table.Kind) ([]string, error) {
	seen := make(map[string]int)
	for _, d := range devices {
		dir := filepath.Join(csvRoot, d, string(kind))
		if !fsys.Exists(dir) {
			monitoring.Warnf("[align] %s has no %s tables", d, kind)
			continue
		}
		entries, err := fsys.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		for _, e := range entries {
			if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".csv") {
				seen[strings.TrimSuffix(name, ".csv")]++
			}
		}
	}

	var stems []string
	for stem, n := range seen {
		if n == len(devices) {
			stems = append(stems, stem)
		} else {
			monitoring.Warnf("[align] skipping %s, present for %d of %d devices", stem, n, len(devices))
		}
	}
	sort.Strings(stems)
	return stems, nil
}

type stemOptions struct {
	data    string
	devices []string
	kind    table.Kind
	alpha   float64
	html    bool
}

// alignStem aligns one file across every device and writes its adjusted
// tables (and report, if asked).
func alignStem(fsys fsutil.FileSystem, stem string, o stemOptions) (*align.Result, error) {
	csvRoot := filepath.Join(o.data, batch.CSVDir)
	series := make(map[string][]align.Row, len(o.devices))
	columns := make(map[string][]string, len(o.devices))
	for _, d := range o.devices {
		t, err := table.Load(fsys, filepath.Join(csvRoot, d, string(o.kind), stem+".csv"))
		if err != nil {
			return nil, err
		}
		series[d] = t.Rows
		columns[d] = t.Columns
	}

	res, err := align.Align(series, align.Config{Alpha: o.alpha, Devices: o.devices})
	if err != nil {
		return nil, err
	}
	for _, d := range o.devices {
		out := filepath.Join(o.data, batch.AdjustedDir, d, string(o.kind), stem+".csv")
		if err := security.ValidatePathWithinDirectory(out, o.data); err != nil {
			return nil, err
		}
		if err := table.Save(fsys, out, &table.Table{Columns: columns[d], Rows: res.Series[d]}); err != nil {
			return nil, err
		}
	}

	if o.html {
		out := filepath.Join(o.data, batch.ReportDir, "align", stem+"-"+string(o.kind)+".html")
		chart := report.AlignmentChart{Group: strings.Join(o.devices, "+"), File: stem, Before: series, After: res.Series, Result: res}
		if err := report.SaveAlignmentHTML(fsys, out, chart); err != nil {
			return nil, err
		}
	}
	return res, nil
}
