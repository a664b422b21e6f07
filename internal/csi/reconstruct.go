package csi

import (
	"encoding/binary"
	"math"
)

// ReconstructCSI turns a raw CSI block of nsub interleaved little-endian
// int16 (real, imaginary) pairs into an FFT-shifted complex vector. raw must
// hold at least nsub*4 bytes.
func ReconstructCSI(raw []byte, nsub int) []complex128 {
	out := make([]complex128, nsub)
	reconstructInto(out, raw)
	return out
}

// reconstructInto fills dst (len nsub) from raw without allocating.
func reconstructInto(dst []complex128, raw []byte) {
	n := len(dst)
	half := n / 2
	for i := 0; i < n; i++ {
		re := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		im := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		// fftshift: element i lands at (i + n/2) mod n
		dst[(i+half)%n] = complex(float64(re), float64(im))
	}
}

// FFTShift moves the zero-frequency bin to the centre of the slice, the
// numpy.fft.fftshift convention. It returns a new slice.
func FFTShift(x []complex128) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	for i, v := range x {
		out[(i+n/2)%n] = v
	}
	return out
}

// IFFTShift undoes FFTShift for any length.
func IFFTShift(x []complex128) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	for i := range out {
		out[i] = x[(i+n/2)%n]
	}
	return out
}

// InterleaveCSI is the inverse of ReconstructCSI: it undoes the shift and
// writes int16 (real, imaginary) pairs. Components are rounded and clamped
// to the int16 range, so values produced by ReconstructCSI round-trip exactly.
func InterleaveCSI(csi []complex128) []byte {
	raw := make([]byte, len(csi)*4)
	for i, v := range IFFTShift(csi) {
		binary.LittleEndian.PutUint16(raw[i*4:], uint16(toInt16(real(v))))
		binary.LittleEndian.PutUint16(raw[i*4+2:], uint16(toInt16(imag(v))))
	}
	return raw
}

func toInt16(v float64) int16 {
	v = math.Round(v)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
