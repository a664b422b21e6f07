package csi

import "encoding/binary"

// Capture layout constants.
const (
	FileHeaderSize   = 24 // pcap global header
	RecordHeaderSize = 16 // ts sec, ts usec, captured length, original length
	FrameOverhead    = 42 // Ethernet (14) + IPv4 (20) + UDP (8)
	PayloadOffset    = RecordHeaderSize + FrameOverhead
	CSIOffset        = 18 // CSI starts this many bytes into the nexmon payload

	// bytesBeforeCSI counts everything in front of the CSI block from the
	// captured-length field's point of view; the estimator pads the frame
	// length as if that prefix were 128 bytes long.
	bytesBeforeCSI = 60
	bandwidthPad   = 128 - bytesBeforeCSI

	// One 20 MHz step of CSI payload: 20 * 3.2 subcarriers * 4 bytes.
	bytesPer20MHz = 256
)

// Bandwidth tiers in MHz.
const (
	Bandwidth20  = 20
	Bandwidth40  = 40
	Bandwidth80  = 80
	Bandwidth160 = 160
)

// ValidBandwidth reports whether bw is one of the four supported tiers.
func ValidBandwidth(bw int) bool {
	switch bw {
	case Bandwidth20, Bandwidth40, Bandwidth80, Bandwidth160:
		return true
	}
	return false
}

// NSubcarriers returns bandwidth * 3.2, the number of OFDM subcarriers the
// capture carries per frame. It is exact for every valid tier.
func NSubcarriers(bandwidth int) int {
	if bandwidth <= 0 {
		return 0
	}
	return bandwidth * 32 / 10
}

// EstimateBandwidth infers the channel bandwidth from the captured-length
// field of the first frame. It never fails: when the result is not a valid
// tier the computed value is still returned with valid=false so decoding can
// proceed on a best-effort basis.
func EstimateBandwidth(capturedLen uint32) (bandwidth int, valid bool) {
	effective := uint64(capturedLen) + bandwidthPad
	bandwidth = 20 * int(effective/bytesPer20MHz)
	return bandwidth, ValidBandwidth(bandwidth)
}

// estimateFromBuffer reads the first frame's captured length straight out of
// a capture buffer. A buffer too short to hold it yields (0, false).
func estimateFromBuffer(buf []byte) (int, bool) {
	const field = FileHeaderSize + 8
	if len(buf) < field+4 {
		return 0, false
	}
	return EstimateBandwidth(binary.LittleEndian.Uint32(buf[field : field+4]))
}

// EstimateCapacity returns the upper bound on the number of frames a buffer
// of bufLen bytes can hold at the given subcarrier count. Output buffers are
// pre-sized with it.
func EstimateCapacity(bufLen, nsub int) int {
	if bufLen <= FileHeaderSize {
		return 0
	}
	perRecord := 12 + 46 + CSIOffset + nsub*4
	return (bufLen - FileHeaderSize) / perRecord
}
