package batch

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/csisync/internal/config"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
)

// captureSuffixes are the recognised capture file extensions, longest first.
var captureSuffixes = []string{".pcap.zst", ".pcap.gz", ".pcap"}

// CaptureStem strips a recognised capture extension from name. ok is false
// for files that are not captures.
func CaptureStem(name string) (stem string, ok bool) {
	lower := strings.ToLower(name)
	for _, suffix := range captureSuffixes {
		if strings.HasSuffix(lower, suffix) && len(name) > len(suffix) {
			return name[:len(name)-len(suffix)], true
		}
	}
	return "", false
}

// Group is a set of devices whose captures of the same session are aligned
// together.
type Group struct {
	Name    string
	Devices []string
	// Files maps a capture stem to its file name in each device directory,
	// keyed by device. Only stems present for every device are listed.
	Files map[string]map[string]string
}

// Stems returns the group's capture stems in sorted order.
func (g *Group) Stems() []string {
	stems := make([]string, 0, len(g.Files))
	for s := range g.Files {
		stems = append(stems, s)
	}
	sort.Strings(stems)
	return stems
}

// listCaptures maps stem to file name for every capture in dir.
func listCaptures(fsys fsutil.FileSystem, dir string) (map[string]string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, ok := CaptureStem(e.Name())
		if !ok {
			continue
		}
		if prev, dup := out[stem]; dup {
			monitoring.Warnf("%s: %s and %s share stem %s; keeping %s", dir, prev, e.Name(), stem, prev)
			continue
		}
		out[stem] = e.Name()
	}
	return out, nil
}

// Discover resolves the device groups of cfg against the input directory.
// Without configured groups every sub-directory of the input directory is a
// device of a single group named config.DefaultGroup.
func Discover(fsys fsutil.FileSystem, cfg *config.Config) ([]*Group, error) {
	root := cfg.GetInputDir()
	groups := make(map[string][]string)
	if len(cfg.DeviceGroups) == 0 {
		entries, err := fsys.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("failed to list input directory: %w", err)
		}
		var devices []string
		for _, e := range entries {
			if e.IsDir() {
				devices = append(devices, e.Name())
			}
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no device directories under %s", root)
		}
		groups[config.DefaultGroup] = devices
	} else {
		for name, devices := range cfg.DeviceGroups {
			groups[name] = devices
		}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Group, 0, len(names))
	for _, name := range names {
		devices := append([]string(nil), groups[name]...)
		sort.Strings(devices)

		perDevice := make(map[string]map[string]string, len(devices))
		for _, d := range devices {
			files, err := listCaptures(fsys, filepath.Join(root, d))
			if err != nil {
				return nil, fmt.Errorf("group %s: %w", name, err)
			}
			perDevice[d] = files
		}

		union := make(map[string]bool)
		for _, files := range perDevice {
			for stem := range files {
				union[stem] = true
			}
		}
		g := &Group{Name: name, Devices: devices, Files: make(map[string]map[string]string)}
		for stem := range union {
			byDevice := make(map[string]string, len(devices))
			for _, d := range devices {
				if f, ok := perDevice[d][stem]; ok {
					byDevice[d] = f
				}
			}
			if len(byDevice) != len(devices) {
				monitoring.Logf("[batch] group %s: skipping %s, captured by %d of %d devices", name, stem, len(byDevice), len(devices))
				continue
			}
			g.Files[stem] = byDevice
		}
		out = append(out, g)
	}
	return out, nil
}
