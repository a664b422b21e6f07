package synth

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/csisync/internal/csi"
)

// SnapLen is the snapshot length written into the pcap file header.
const SnapLen = 65536

// WriteCapture writes frames as a microsecond pcap file to w.
func WriteCapture(w io.Writer, frames []Frame) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}
	for i, f := range frames {
		data, err := Encode(f)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     f.Time,
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := pw.WritePacket(ci, data); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", i, err)
		}
	}
	return nil
}

// Capture returns frames as an in-memory pcap file.
func Capture(frames []Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCapture(&buf, frames); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compress encodes a capture the way it may be stored on disk.
func Compress(data []byte, c csi.Compression) ([]byte, error) {
	switch c {
	case csi.CompressionNone:
		return data, nil
	case csi.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case csi.CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to gzip capture: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip capture: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported compression %v", c)
}

// FileExtension returns the conventional suffix for a compressed capture.
func FileExtension(c csi.Compression) string {
	switch c {
	case csi.CompressionGzip:
		return ".pcap.gz"
	case csi.CompressionZstd:
		return ".pcap.zst"
	}
	return ".pcap"
}
