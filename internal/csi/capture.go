package csi

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/csisync/internal/fsutil"
)

// MaxCaptureSize bounds the decompressed size of a single capture.
const MaxCaptureSize = 1 << 30

// Compression identifies how a capture file is stored on disk.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	}
	return "none"
}

// ParseCompression maps "none", "gzip" or "zstd" to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "gzip", "gz":
		return CompressionGzip, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q (want none, gzip or zstd)", name)
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectCompression sniffs the leading magic bytes of a file.
func DetectCompression(data []byte) Compression {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(data, gzipMagic):
		return CompressionGzip
	}
	return CompressionNone
}

// Decompress returns the raw capture bytes for data, inflating gzip or zstd
// content. Uncompressed input is returned as is.
func Decompress(data []byte) ([]byte, error) {
	switch DetectCompression(data) {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxCaptureSize))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress zstd capture: %w", err)
		}
		return out, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip capture: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, MaxCaptureSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip capture: %w", err)
		}
		if len(out) > MaxCaptureSize {
			return nil, fmt.Errorf("gzip capture exceeds %d bytes", MaxCaptureSize)
		}
		return out, nil
	}
	return data, nil
}

// LoadCapture reads a whole capture file into memory, decompressing it when
// needed.
func LoadCapture(fsys fsutil.FileSystem, path string) ([]byte, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture %s: %w", path, err)
	}
	buf, err := Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return buf, nil
}

// DecodeFile loads path and decodes it with dec. It also returns the number
// of capture bytes decoded, after decompression.
func DecodeFile(fsys fsutil.FileSystem, dec Decoder, path string) (*SampleSet, int, error) {
	buf, err := LoadCapture(fsys, path)
	if err != nil {
		return nil, 0, err
	}
	set, err := dec.Decode(buf)
	if err != nil {
		return nil, len(buf), fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return set, len(buf), nil
}
