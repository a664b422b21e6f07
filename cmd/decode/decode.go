// Command decode decodes nexmon_csi captures, prints a per-file summary and
// optionally writes amplitude/phase tables as CSV.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/security"
	"github.com/banshee-data/csisync/internal/table"
	"github.com/banshee-data/csisync/internal/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func parseMask(s string) (csi.Mask, error) {
	m := csi.MaskNone
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "", "none":
		case "nulls":
			m |= csi.MaskNulls
		case "pilots":
			m |= csi.MaskPilots
		default:
			return 0, fmt.Errorf("invalid mask component %q (want nulls, pilots or none)", part)
		}
	}
	return m, nil
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	decoder := fs.String("decoder", "nexmon", "decoder variant: nexmon or pcapgo")
	bandwidth := fs.Int("bandwidth", 0, "bandwidth override in MHz (0 infers from the first frame)")
	maxSamples := fs.Int("max", 0, "maximum frames to decode per file (0 = no limit)")
	maskFlag := fs.String("mask", "nulls", "subcarriers to zero: comma separated nulls, pilots or none")
	features := fs.String("features", "amp", "tables to write: comma separated amp, pha")
	outDir := fs.String("out", "", "directory for <file>/<kind>.csv tables (empty prints only)")
	samples := fs.Int("samples", 0, "print the header of the first N frames of each file")
	quiet := fs.Bool("quiet", false, "suppress warnings")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, "decode", version.String())
		return nil
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: decode [flags] capture.pcap[.gz|.zst] ...")
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}

	variant, err := csi.ParseVariant(*decoder)
	if err != nil {
		return err
	}
	mask, err := parseMask(*maskFlag)
	if err != nil {
		return err
	}
	var kinds []table.Kind
	if *outDir != "" {
		for _, f := range strings.Split(*features, ",") {
			k, err := table.ParseKind(f)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}
	}
	dec, err := csi.NewDecoder(variant, csi.DecoderOptions{Bandwidth: *bandwidth, MaxSamples: *maxSamples})
	if err != nil {
		return err
	}

	fsys := fsutil.OSFileSystem{}
	for _, path := range fs.Args() {
		set, n, err := csi.DecodeFile(fsys, dec, path)
		if err != nil {
			return err
		}
		note := ""
		if !set.BandwidthValid() {
			note = " (not a supported tier)"
		}
		fmt.Fprintf(stdout, "%s: %d frames, %d MHz%s, %d subcarriers, %s, stopped at %s\n",
			path, set.Len(), set.Bandwidth(), note, set.NSubcarriers(), humanize.Bytes(uint64(n)), set.Stop())

		for i := 0; i < *samples && i < set.Len(); i++ {
			s, err := set.Summary(i)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, s)
		}

		fileMask := mask
		if fileMask != csi.MaskNone && !set.BandwidthValid() {
			monitoring.Warnf("%s: exporting unmasked, no subcarrier table for %d MHz", path, set.Bandwidth())
			fileMask = csi.MaskNone
		}
		stem := filepath.Base(path)
		for _, suffix := range []string{".zst", ".gz", ".pcap"} {
			stem = strings.TrimSuffix(stem, suffix)
		}
		for _, kind := range kinds {
			t, err := table.FromSampleSet(set, kind, fileMask)
			if err != nil {
				return err
			}
			out := filepath.Join(*outDir, security.SanitizeFilename(stem), string(kind)+".csv")
			if err := security.ValidatePathWithinDirectory(out, *outDir); err != nil {
				return err
			}
			if err := table.Save(fsys, out, t); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "  wrote %s\n", out)
		}
	}
	return nil
}
