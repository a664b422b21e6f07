// Command gen-capture writes synthetic nexmon_csi captures for a group of
// devices observing the same transmitter, for testing decode and alignment.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/security"
	"github.com/banshee-data/csisync/internal/synth"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("gen-capture", flag.ContinueOnError)
	outDir := fs.String("o", filepath.Join("data", "pcap-data"), "output root; captures go to <o>/<device>/<stem>.pcap")
	devices := fs.String("devices", "rx1,rx2", "comma separated device names")
	stem := fs.String("stem", "session", "capture file name without extension")
	events := fs.Int("n", 100, "number of transmitted frames")
	bandwidth := fs.Int("bw", csi.Bandwidth20, "bandwidth in MHz (20, 40, 80 or 160)")
	interval := fs.Duration("interval", 10*time.Millisecond, "time between frames")
	loss := fs.Float64("loss", 0, "per-device probability of missing a frame, in [0, 1)")
	jitter := fs.Duration("jitter", 0, "maximum per-frame timestamp noise")
	seed := fs.Int64("seed", 1, "random seed")
	compress := fs.String("compress", "none", "compression: none, gzip or zstd")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !csi.ValidBandwidth(*bandwidth) {
		return fmt.Errorf("bandwidth must be 20, 40, 80 or 160, got %d", *bandwidth)
	}
	c, err := csi.ParseCompression(*compress)
	if err != nil {
		return err
	}

	var names []string
	for _, d := range strings.Split(*devices, ",") {
		if d = strings.TrimSpace(d); d != "" {
			names = append(names, security.SanitizeFilename(d))
		}
	}

	gen := synth.NewGenerator(*seed)
	gen.Bandwidth = *bandwidth
	gen.Interval = *interval
	group, err := gen.Group(synth.GroupOptions{Devices: names, Events: *events, Loss: *loss, Jitter: *jitter})
	if err != nil {
		return err
	}

	fsys := fsutil.OSFileSystem{}
	name := security.SanitizeFilename(*stem) + synth.FileExtension(c)
	for _, d := range names {
		data, err := synth.Capture(group[d])
		if err != nil {
			return err
		}
		if data, err = synth.Compress(data, c); err != nil {
			return err
		}
		dir := filepath.Join(*outDir, d)
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := fsys.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %d frames\n", path, len(group[d]))
	}
	return nil
}
