package csi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/csisync/internal/monitoring"
)

var (
	// ErrShortCapture is returned when a buffer cannot even hold the pcap
	// file header.
	ErrShortCapture = errors.New("capture shorter than file header")
	// ErrUnknownVariant is returned for a decoder name outside the supported set.
	ErrUnknownVariant = errors.New("unknown decoder variant")
)

// Decoder turns a complete in-memory capture into a SampleSet. A Decoder is
// stateless between calls and safe for concurrent use.
type Decoder interface {
	Decode(buf []byte) (*SampleSet, error)
}

// Variant enumerates the supported decoder implementations.
type Variant int

const (
	VariantNexmon Variant = iota // fixed-offset byte walker
	VariantPcapgo                // gopacket pcapgo reader + UDP layer
)

func (v Variant) String() string {
	switch v {
	case VariantNexmon:
		return "nexmon"
	case VariantPcapgo:
		return "pcapgo"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant maps a configuration value to a Variant. Matching is case
// insensitive; the empty string selects the nexmon walker.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nexmon":
		return VariantNexmon, nil
	case "pcapgo":
		return VariantPcapgo, nil
	}
	return 0, fmt.Errorf("%w: %q (want nexmon or pcapgo)", ErrUnknownVariant, name)
}

// DecoderOptions tune a decode. Zero values mean infer.
type DecoderOptions struct {
	// Bandwidth overrides inference from the first frame when > 0.
	Bandwidth int
	// MaxSamples lowers the capacity bound when > 0.
	MaxSamples int
}

// NewDecoder returns the decoder for variant.
func NewDecoder(variant Variant, opts DecoderOptions) (Decoder, error) {
	if opts.Bandwidth < 0 {
		return nil, fmt.Errorf("bandwidth override must be >= 0, got %d", opts.Bandwidth)
	}
	if opts.MaxSamples < 0 {
		return nil, fmt.Errorf("max samples must be >= 0, got %d", opts.MaxSamples)
	}
	switch variant {
	case VariantNexmon:
		return &nexmonDecoder{opts: opts}, nil
	case VariantPcapgo:
		return &pcapgoDecoder{opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownVariant, variant)
}

// layout is what both variants settle before walking frames.
type layout struct {
	bandwidth int
	valid     bool
	nsub      int
	capacity  int
}

// hasFirstHeader reports whether buf holds a complete first record header.
func hasFirstHeader(buf []byte) bool {
	return len(buf) >= FileHeaderSize+RecordHeaderSize
}

// planLayout resolves bandwidth, subcarrier count and capacity for buf.
// A buffer with no complete first record header plans an empty walk.
func planLayout(buf []byte, opts DecoderOptions) (layout, error) {
	if len(buf) < FileHeaderSize {
		return layout{}, fmt.Errorf("%w: %d bytes", ErrShortCapture, len(buf))
	}

	var l layout
	if opts.Bandwidth > 0 {
		l.bandwidth, l.valid = opts.Bandwidth, ValidBandwidth(opts.Bandwidth)
	} else {
		l.bandwidth, l.valid = estimateFromBuffer(buf)
	}
	if !hasFirstHeader(buf) {
		return l, nil
	}

	l.nsub = NSubcarriers(l.bandwidth)
	switch {
	case l.nsub == 0:
		// Only reachable by inference; header fields still decode and every
		// CSI row is empty.
		l.valid = false
		monitoring.Warnf("bandwidth inferred as %d MHz from the first frame; decoding headers without CSI", l.bandwidth)
	case !l.valid:
		monitoring.Warnf("bandwidth %d MHz is not a supported tier; decoding with %d subcarriers", l.bandwidth, l.nsub)
	}

	l.capacity = EstimateCapacity(len(buf), l.nsub)
	if opts.MaxSamples > 0 && opts.MaxSamples < l.capacity {
		l.capacity = opts.MaxSamples
	}
	return l, nil
}

// csiFits reports whether a nexmon payload of payloadLen bytes holds the
// whole CSI block for nsub subcarriers.
func csiFits(payloadLen, nsub int) bool {
	return payloadLen >= CSIOffset+nsub*4
}
