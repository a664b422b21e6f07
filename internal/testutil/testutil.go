// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/synth"
)

// QuietLogs mutes monitoring.Logf for the duration of the test.
func QuietLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

// LogBuffer collects formatted log lines. It is safe for concurrent use.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
}

// CaptureLogs redirects monitoring.Logf into a LogBuffer until the test ends.
func CaptureLogs(t *testing.T) *LogBuffer {
	t.Helper()
	b := &LogBuffer{}
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.lines = append(b.lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(prev) })
	return b
}

// Lines returns a copy of the collected lines.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Contains reports whether any line contains substr.
func (b *LogBuffer) Contains(substr string) bool {
	for _, l := range b.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// WriteCapture encodes frames as a capture, compresses it with c and writes
// it to path. It returns the path actually written, which carries the
// extension matching c.
func WriteCapture(t *testing.T, fsys fsutil.FileSystem, path string, frames []synth.Frame, c csi.Compression) string {
	t.Helper()
	data, err := synth.Capture(frames)
	if err != nil {
		t.Fatalf("failed to build capture: %v", err)
	}
	data, err = synth.Compress(data, c)
	if err != nil {
		t.Fatalf("failed to compress capture: %v", err)
	}
	path += synth.FileExtension(c)
	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// WriteGroup writes one capture per device to root/<device>/<stem>.
func WriteGroup(t *testing.T, fsys fsutil.FileSystem, root, stem string, group map[string][]synth.Frame, c csi.Compression) {
	t.Helper()
	for device, frames := range group {
		WriteCapture(t, fsys, filepath.Join(root, device, stem), frames, c)
	}
}
