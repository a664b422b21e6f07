package csi_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/synth"
)

var variants = []csi.Variant{csi.VariantNexmon, csi.VariantPcapgo}

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func mustDecoder(t *testing.T, v csi.Variant, opts csi.DecoderOptions) csi.Decoder {
	t.Helper()
	dec, err := csi.NewDecoder(v, opts)
	require.NoError(t, err)
	return dec
}

func buildCapture(t *testing.T, frames []synth.Frame) []byte {
	t.Helper()
	data, err := synth.Capture(frames)
	require.NoError(t, err)
	return data
}

func recordSize(bw int) int {
	return csi.RecordHeaderSize + csi.FrameOverhead + csi.CSIOffset + csi.NSubcarriers(bw)*4
}

func TestDecodeRoundTrip(t *testing.T) {
	quiet(t)
	for _, v := range variants {
		for _, bw := range []int{csi.Bandwidth20, csi.Bandwidth40, csi.Bandwidth80, csi.Bandwidth160} {
			t.Run(fmt.Sprintf("%s/%dMHz", v, bw), func(t *testing.T) {
				g := synth.NewGenerator(int64(bw))
				g.Bandwidth = bw
				frames := g.Frames(5)
				frames[3].Fragment = 7
				frames[4].Sequence = 4095

				set, err := mustDecoder(t, v, csi.DecoderOptions{}).Decode(buildCapture(t, frames))
				require.NoError(t, err)

				require.Equal(t, len(frames), set.Len())
				assert.Equal(t, bw, set.Bandwidth())
				assert.True(t, set.BandwidthValid())
				assert.Equal(t, csi.NSubcarriers(bw), set.NSubcarriers())
				assert.Equal(t, csi.StopEndOfBuffer, set.Stop())
				assert.LessOrEqual(t, set.Len(), set.Capacity())

				epoch := frames[0].Time
				for i, f := range frames {
					rec, err := set.Record(i)
					require.NoError(t, err)
					assert.Equal(t, f.RSSI, rec.RSSI)
					assert.Equal(t, f.FrameControl, rec.FrameControl)
					assert.Equal(t, f.MAC, rec.MAC)
					assert.Equal(t, f.Sequence, rec.Sequence)
					assert.Equal(t, f.Fragment, rec.Fragment)
					assert.Equal(t, f.CoreSpatialStream, rec.CoreSpatialStream)
					assert.InDelta(t, f.Time.Sub(epoch).Seconds(), rec.Timestamp, 1e-6)
					if diff := cmp.Diff(f.CSI, rec.CSI); diff != "" {
						t.Errorf("frame %d CSI mismatch (-want +got):\n%s", i, diff)
					}
				}
			})
		}
	}
}

func TestDecodeVariantsAgree(t *testing.T) {
	quiet(t)
	g := synth.NewGenerator(99)
	g.Bandwidth = csi.Bandwidth40
	data := buildCapture(t, g.Frames(20))

	a, err := mustDecoder(t, csi.VariantNexmon, csi.DecoderOptions{}).Decode(data)
	require.NoError(t, err)
	b, err := mustDecoder(t, csi.VariantPcapgo, csi.DecoderOptions{}).Decode(data)
	require.NoError(t, err)

	require.Equal(t, a.Len(), b.Len())
	assert.Equal(t, a.Timestamps(), b.Timestamps())
	for i := 0; i < a.Len(); i++ {
		ra, _ := a.Record(i)
		rb, _ := b.Record(i)
		assert.Equal(t, ra, rb)
	}
}

func TestDecodeTruncatedBuffers(t *testing.T) {
	quiet(t)
	const n = 4
	data := buildCapture(t, synth.NewGenerator(5).Frames(n))
	rec := recordSize(csi.Bandwidth20)
	require.Equal(t, csi.FileHeaderSize+n*rec, len(data))

	for _, v := range variants {
		dec := mustDecoder(t, v, csi.DecoderOptions{})
		for cut := csi.FileHeaderSize; cut <= len(data); cut++ {
			buf := make([]byte, cut)
			copy(buf, data)

			set, err := dec.Decode(buf)
			require.NoError(t, err, "%s cut=%d", v, cut)

			want := (cut - csi.FileHeaderSize) / rec
			require.Equal(t, want, set.Len(), "%s cut=%d", v, cut)
			if (cut-csi.FileHeaderSize)%rec == 0 {
				assert.Equal(t, csi.StopEndOfBuffer, set.Stop(), "%s cut=%d", v, cut)
			} else {
				assert.Equal(t, csi.StopTruncatedFrame, set.Stop(), "%s cut=%d", v, cut)
			}
		}
	}
}

func TestDecodeShortFrameStops(t *testing.T) {
	quiet(t)
	g := synth.NewGenerator(8)
	frames := g.Frames(3)
	frames[2].CSI = frames[2].CSI[:10]

	for _, v := range variants {
		set, err := mustDecoder(t, v, csi.DecoderOptions{}).Decode(buildCapture(t, frames))
		require.NoError(t, err)
		assert.Equal(t, 2, set.Len(), v.String())
		assert.Equal(t, csi.StopShortFrame, set.Stop(), v.String())
	}
}

func TestDecodeMaxSamples(t *testing.T) {
	quiet(t)
	data := buildCapture(t, synth.NewGenerator(2).Frames(6))
	for _, v := range variants {
		set, err := mustDecoder(t, v, csi.DecoderOptions{MaxSamples: 2}).Decode(data)
		require.NoError(t, err)
		assert.Equal(t, 2, set.Len())
		assert.Equal(t, 2, set.Capacity())
		assert.Equal(t, csi.StopCapacity, set.Stop())
	}
}

func TestDecodeBandwidthOverride(t *testing.T) {
	quiet(t)
	g := synth.NewGenerator(4)
	g.Bandwidth = csi.Bandwidth40
	data := buildCapture(t, g.Frames(3))

	set, err := mustDecoder(t, csi.VariantNexmon, csi.DecoderOptions{Bandwidth: csi.Bandwidth20}).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, csi.Bandwidth20, set.Bandwidth())
	assert.Equal(t, 64, set.NSubcarriers())
	assert.Equal(t, 3, set.Len())
}

func TestDecodeUnrecognisedBandwidthProceeds(t *testing.T) {
	var logged []string
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	// 192 subcarriers: (60 + 768 + 68) / 256 = 3, so 60 MHz.
	g := synth.NewGenerator(6)
	frames := g.Frames(2)
	for i := range frames {
		frames[i].CSI = g.RandomCSI(192)
	}
	set, err := mustDecoder(t, csi.VariantNexmon, csi.DecoderOptions{}).Decode(buildCapture(t, frames))
	require.NoError(t, err)

	assert.Equal(t, 60, set.Bandwidth())
	assert.False(t, set.BandwidthValid())
	assert.Equal(t, 192, set.NSubcarriers())
	assert.Equal(t, 2, set.Len())
	require.NotEmpty(t, logged)
	assert.Contains(t, logged[0], "60 MHz")

	raw, err := set.CSI(0, csi.MaskNone)
	require.NoError(t, err)
	assert.Equal(t, frames[0].CSI, raw)

	_, err = set.CSI(0, csi.MaskNulls)
	assert.ErrorIs(t, err, csi.ErrNoSubcarrierTable)
}

func TestDecodeShortFirstFrameKeepsHeaders(t *testing.T) {
	quiet(t)
	// 16 subcarriers: captured length 124 infers 0 MHz.
	g := synth.NewGenerator(3)
	frames := g.Frames(3)
	frames[0].CSI = g.RandomCSI(16)

	for _, v := range variants {
		set, err := mustDecoder(t, v, csi.DecoderOptions{}).Decode(buildCapture(t, frames))
		require.NoError(t, err, v.String())

		assert.Equal(t, 0, set.Bandwidth(), v.String())
		assert.False(t, set.BandwidthValid(), v.String())
		assert.Equal(t, 0, set.NSubcarriers(), v.String())
		require.Equal(t, 3, set.Len(), v.String())
		assert.Equal(t, csi.StopEndOfBuffer, set.Stop(), v.String())

		for i, f := range frames {
			rec, err := set.Record(i)
			require.NoError(t, err)
			assert.Equal(t, f.MAC, rec.MAC)
			assert.Equal(t, f.Sequence, rec.Sequence)
			assert.Equal(t, f.RSSI, rec.RSSI)
			assert.Empty(t, rec.CSI)
		}
	}
}

func TestDecodeDegenerateBuffers(t *testing.T) {
	quiet(t)
	header := buildCapture(t, nil)
	require.Len(t, header, csi.FileHeaderSize)

	for _, v := range variants {
		dec := mustDecoder(t, v, csi.DecoderOptions{})

		_, err := dec.Decode(header[:10])
		assert.ErrorIs(t, err, csi.ErrShortCapture, v.String())

		set, err := dec.Decode(header)
		require.NoError(t, err, v.String())
		assert.Equal(t, 0, set.Len())
		assert.Equal(t, csi.StopEndOfBuffer, set.Stop())
		assert.False(t, set.BandwidthValid())

		set, err = dec.Decode(append(append([]byte(nil), header...), 1, 2, 3, 4, 5, 6))
		require.NoError(t, err, v.String())
		assert.Equal(t, 0, set.Len())
		assert.Equal(t, csi.StopTruncatedFrame, set.Stop())
	}
}

func TestPcapgoRejectsUnknownMagic(t *testing.T) {
	quiet(t)
	data := buildCapture(t, synth.NewGenerator(1).Frames(2))
	data[0], data[1], data[2], data[3] = 0, 0, 0, 0

	_, err := mustDecoder(t, csi.VariantPcapgo, csi.DecoderOptions{}).Decode(data)
	assert.Error(t, err)

	// the byte walker never looks at the file header
	set, err := mustDecoder(t, csi.VariantNexmon, csi.DecoderOptions{}).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
}

func TestDecodeFileCompressed(t *testing.T) {
	quiet(t)
	frames := synth.NewGenerator(12).Frames(3)
	data := buildCapture(t, frames)
	fs := fsutil.NewMemoryFileSystem()
	dec := mustDecoder(t, csi.VariantNexmon, csi.DecoderOptions{})

	for _, c := range []csi.Compression{csi.CompressionNone, csi.CompressionGzip, csi.CompressionZstd} {
		packed, err := synth.Compress(data, c)
		require.NoError(t, err)
		path := "captures/rx1/walk" + synth.FileExtension(c)
		require.NoError(t, fs.WriteFile(path, packed, 0o644))

		set, size, err := csi.DecodeFile(fs, dec, path)
		require.NoError(t, err, c.String())
		assert.Equal(t, len(data), size)
		assert.Equal(t, 3, set.Len())
	}

	_, _, err := csi.DecodeFile(fs, dec, "captures/missing.pcap")
	assert.Error(t, err)
}

func TestNewDecoderValidation(t *testing.T) {
	_, err := csi.NewDecoder(csi.VariantNexmon, csi.DecoderOptions{Bandwidth: -1})
	assert.Error(t, err)
	_, err = csi.NewDecoder(csi.VariantNexmon, csi.DecoderOptions{MaxSamples: -1})
	assert.Error(t, err)
	_, err = csi.NewDecoder(csi.Variant(9), csi.DecoderOptions{})
	assert.ErrorIs(t, err, csi.ErrUnknownVariant)
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    csi.Variant
		wantErr bool
	}{
		{"", csi.VariantNexmon, false},
		{"nexmon", csi.VariantNexmon, false},
		{" PcapGo ", csi.VariantPcapgo, false},
		{"decoders.interleaved", 0, true},
	}
	for _, tt := range tests {
		got, err := csi.ParseVariant(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, csi.ErrUnknownVariant)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]csi.Compression{
		"":     csi.CompressionNone,
		"none": csi.CompressionNone,
		"GZIP": csi.CompressionGzip,
		"zst":  csi.CompressionZstd,
	} {
		got, err := csi.ParseCompression(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := csi.ParseCompression("bzip2")
	assert.Error(t, err)
}
