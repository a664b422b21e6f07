package csi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIndexOutOfRange is returned by SampleSet accessors for an index outside
// [0, Len()).
var ErrIndexOutOfRange = errors.New("sample index out of range")

// StopReason records why a decoder stopped walking a capture.
type StopReason int

const (
	StopEndOfBuffer    StopReason = iota // every byte consumed
	StopTruncatedFrame                   // the last frame runs past the buffer end
	StopShortFrame                       // declared frame too short to hold its CSI block
	StopMalformedFrame                   // record header rejected by the pcap reader
	StopCapacity                         // pre-computed capacity reached
)

func (r StopReason) String() string {
	switch r {
	case StopEndOfBuffer:
		return "end of buffer"
	case StopTruncatedFrame:
		return "truncated frame"
	case StopShortFrame:
		return "short frame"
	case StopMalformedFrame:
		return "malformed frame"
	case StopCapacity:
		return "capacity"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// Clean reports whether the walk consumed the whole buffer.
func (r StopReason) Clean() bool { return r == StopEndOfBuffer }

// Record is one decoded radio frame. Values returned by SampleSet accessors
// are copies; mutating them does not affect the set.
type Record struct {
	Timestamp         float64 // seconds since the first frame of the capture
	RSSI              int8
	FrameControl      uint8
	MAC               [6]byte
	Sequence          uint16
	Fragment          uint16
	CoreSpatialStream [2]byte
	CSI               []complex128
}

// header is the per-frame metadata stored alongside the flat CSI matrix.
type header struct {
	timestamp float64
	rssi      int8
	fctl      uint8
	mac       [6]byte
	seqWord   uint16
	css       [2]byte
}

// SampleSet is the immutable result of decoding one capture file. CSI is
// kept as a row-major nsamples x nsubcarriers matrix.
type SampleSet struct {
	bandwidth      int
	bandwidthValid bool
	nsub           int
	capacity       int
	stop           StopReason
	headers        []header
	csi            []complex128
}

// Len returns the number of fully decoded frames.
func (s *SampleSet) Len() int { return len(s.headers) }

// Bandwidth returns the bandwidth in MHz used to decode the capture.
func (s *SampleSet) Bandwidth() int { return s.bandwidth }

// BandwidthValid is false when the inferred bandwidth is not a known tier.
func (s *SampleSet) BandwidthValid() bool { return s.bandwidthValid }

// NSubcarriers returns the CSI vector length.
func (s *SampleSet) NSubcarriers() int { return s.nsub }

// Capacity returns the pre-computed upper bound on the frame count.
func (s *SampleSet) Capacity() int { return s.capacity }

// Stop returns why decoding ended.
func (s *SampleSet) Stop() StopReason { return s.stop }

func (s *SampleSet) check(index int) error {
	if index < 0 || index >= len(s.headers) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(s.headers))
	}
	return nil
}

// Timestamp returns the frame time relative to the first frame, in seconds.
func (s *SampleSet) Timestamp(index int) (float64, error) {
	if err := s.check(index); err != nil {
		return 0, err
	}
	return s.headers[index].timestamp, nil
}

// Timestamps returns all relative timestamps in frame order.
func (s *SampleSet) Timestamps() []float64 {
	out := make([]float64, len(s.headers))
	for i, h := range s.headers {
		out[i] = h.timestamp
	}
	return out
}

// RSSI returns the received signal strength of a frame.
func (s *SampleSet) RSSI(index int) (int8, error) {
	if err := s.check(index); err != nil {
		return 0, err
	}
	return s.headers[index].rssi, nil
}

// FrameControl returns the 802.11 frame control byte of a frame.
func (s *SampleSet) FrameControl(index int) (uint8, error) {
	if err := s.check(index); err != nil {
		return 0, err
	}
	return s.headers[index].fctl, nil
}

// MAC returns the transmitter MAC formatted as colon-separated hex.
func (s *SampleSet) MAC(index int) (string, error) {
	if err := s.check(index); err != nil {
		return "", err
	}
	return formatMAC(s.headers[index].mac), nil
}

// Sequence returns the sequence and fragment numbers of a frame.
func (s *SampleSet) Sequence(index int) (sequence, fragment uint16, err error) {
	if err := s.check(index); err != nil {
		return 0, 0, err
	}
	w := s.headers[index].seqWord
	return w / 16, w % 16, nil
}

// CoreSpatialStream returns the raw core/spatial-stream bytes of a frame.
func (s *SampleSet) CoreSpatialStream(index int) ([2]byte, error) {
	if err := s.check(index); err != nil {
		return [2]byte{}, err
	}
	return s.headers[index].css, nil
}

// CSI returns a copy of a frame's FFT-shifted CSI vector with the requested
// subcarrier classes zeroed.
func (s *SampleSet) CSI(index int, mask Mask) ([]complex128, error) {
	if err := s.check(index); err != nil {
		return nil, err
	}
	row := s.csi[index*s.nsub : (index+1)*s.nsub]
	return ApplyMask(row, s.bandwidth, mask)
}

// Record returns a full copy of one frame with unmasked CSI.
func (s *SampleSet) Record(index int) (Record, error) {
	if err := s.check(index); err != nil {
		return Record{}, err
	}
	h := s.headers[index]
	csi, _ := ApplyMask(s.csi[index*s.nsub:(index+1)*s.nsub], s.bandwidth, MaskNone)
	return Record{
		Timestamp:         h.timestamp,
		RSSI:              h.rssi,
		FrameControl:      h.fctl,
		MAC:               h.mac,
		Sequence:          h.seqWord / 16,
		Fragment:          h.seqWord % 16,
		CoreSpatialStream: h.css,
		CSI:               csi,
	}, nil
}

// Summary renders one frame's metadata as a short multi-line block for
// inspection tools.
func (s *SampleSet) Summary(index int) (string, error) {
	if err := s.check(index); err != nil {
		return "", err
	}
	h := s.headers[index]
	var b strings.Builder
	fmt.Fprintf(&b, "Sample #%d\n", index)
	b.WriteString("---------------\n")
	fmt.Fprintf(&b, "Source MAC: %s\n", formatMAC(h.mac))
	fmt.Fprintf(&b, "Sequence: %d.%d\n", h.seqWord/16, h.seqWord%16)
	fmt.Fprintf(&b, "Core and Spatial Stream: 0x%02x%02x\n", h.css[0], h.css[1])
	fmt.Fprintf(&b, "RSSI: %d\n", h.rssi)
	fmt.Fprintf(&b, "FCTL: %d\n", h.fctl)
	fmt.Fprintf(&b, "Time: %.6f sec\n", h.timestamp)
	return b.String(), nil
}

func formatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// builder accumulates frames into pre-sized buffers during a decode.
type builder struct {
	set   *SampleSet
	epoch float64
}

func newBuilder(bandwidth int, valid bool, capacity int) *builder {
	nsub := NSubcarriers(bandwidth)
	return &builder{set: &SampleSet{
		bandwidth:      bandwidth,
		bandwidthValid: valid,
		nsub:           nsub,
		capacity:       capacity,
		headers:        make([]header, 0, capacity),
		csi:            make([]complex128, 0, capacity*nsub),
	}}
}

func (b *builder) full() bool { return len(b.set.headers) >= b.set.capacity }

// add appends one frame. payload is the nexmon payload and must already be
// known to contain the full CSI block. ts is the absolute capture time.
func (b *builder) add(ts float64, payload []byte) {
	s := b.set
	if len(s.headers) == 0 {
		b.epoch = ts
	}
	var h header
	h.timestamp = ts - b.epoch
	h.rssi = int8(payload[2])
	h.fctl = payload[3]
	copy(h.mac[:], payload[4:10])
	h.seqWord = uint16(payload[10]) | uint16(payload[11])<<8
	copy(h.css[:], payload[12:14])
	s.headers = append(s.headers, h)

	start := len(s.csi)
	s.csi = s.csi[:start+s.nsub]
	reconstructInto(s.csi[start:], payload[CSIOffset:])
}

func (b *builder) finish(stop StopReason) *SampleSet {
	b.set.stop = stop
	return b.set
}
