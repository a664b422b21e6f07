package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/synth"
)

func TestCaptureLogs(t *testing.T) {
	logs := CaptureLogs(t)
	monitoring.Logf("decoded %d frames", 3)
	monitoring.Warnf("truncated")

	assert.Equal(t, []string{"decoded 3 frames", "warning: truncated"}, logs.Lines())
	assert.True(t, logs.Contains("3 frames"))
	assert.False(t, logs.Contains("panic"))
}

func TestWriteCapture(t *testing.T) {
	QuietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	frames := synth.NewGenerator(1).Frames(4)

	path := WriteCapture(t, fs, "in/rx1/walk", frames, csi.CompressionGzip)
	assert.Equal(t, "in/rx1/walk.pcap.gz", path)

	dec, err := csi.NewDecoder(csi.VariantNexmon, csi.DecoderOptions{})
	require.NoError(t, err)
	set, _, err := csi.DecodeFile(fs, dec, path)
	require.NoError(t, err)
	assert.Equal(t, 4, set.Len())
}

func TestWriteGroup(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	group, err := synth.NewGenerator(2).Group(synth.GroupOptions{Devices: []string{"rx1", "rx2"}, Events: 3})
	require.NoError(t, err)

	WriteGroup(t, fs, "in", "sit", group, csi.CompressionNone)
	assert.Equal(t, []string{"in/rx1/sit.pcap", "in/rx2/sit.pcap"}, fs.Paths())
}
