package csi

import (
	"errors"
	"fmt"
)

// ErrNoSubcarrierTable is returned when masking is requested for a bandwidth
// that has no null/pilot table (an unrecognised inferred bandwidth).
var ErrNoSubcarrierTable = errors.New("no null/pilot subcarrier table for bandwidth")

// Mask selects which subcarrier classes are zeroed when CSI is read.
type Mask uint8

const (
	MaskNulls  Mask = 1 << iota // guard band and DC subcarriers
	MaskPilots                  // pilot subcarriers

	MaskNone Mask = 0
)

// Has reports whether m includes every bit of other.
func (m Mask) Has(other Mask) bool { return m&other == other }

// String names the mask for logs.
func (m Mask) String() string {
	switch m {
	case MaskNone:
		return "none"
	case MaskNulls:
		return "nulls"
	case MaskPilots:
		return "pilots"
	case MaskNulls | MaskPilots:
		return "nulls+pilots"
	}
	return fmt.Sprintf("mask(%d)", uint8(m))
}

// Null and pilot subcarrier indices per bandwidth tier, already offset into
// FFT-shifted array positions (signed subcarrier number + nsub/2).
//
// The 160 MHz null set lists 259 once where the upstream table has it twice
// (and omits 258); zeroing is idempotent so the duplicate never mattered.
var (
	nullSubcarriers = map[int][]int{
		Bandwidth20: {0, 1, 2, 3, 32, 61, 62, 63},
		Bandwidth40: {0, 1, 2, 3, 4, 5, 63, 64, 65, 123, 124, 125, 126, 127},
		Bandwidth80: {0, 1, 2, 3, 4, 5, 127, 128, 129, 251, 252, 253, 254, 255},
		Bandwidth160: {
			0, 1, 2, 3, 4, 5, 127, 128, 129, 251, 252, 253, 254, 255,
			256, 257, 259, 260, 261, 383, 384, 385, 507, 508, 509, 510, 511,
		},
	}

	pilotSubcarriers = map[int][]int{
		Bandwidth20: {11, 25, 39, 53},
		Bandwidth40: {11, 39, 53, 75, 89, 117},
		Bandwidth80: {25, 53, 89, 117, 139, 167, 203, 231},
		Bandwidth160: {
			25, 53, 89, 117, 139, 167, 203, 231,
			281, 309, 345, 373, 395, 423, 459, 487,
		},
	}
)

// NullSubcarriers returns a copy of the null subcarrier indices for bw.
func NullSubcarriers(bw int) []int {
	return append([]int(nil), nullSubcarriers[bw]...)
}

// PilotSubcarriers returns a copy of the pilot subcarrier indices for bw.
func PilotSubcarriers(bw int) []int {
	return append([]int(nil), pilotSubcarriers[bw]...)
}

// ApplyMask returns a copy of csi with the subcarriers selected by mask set
// to zero. The input slice is never modified. MaskNone always succeeds; any
// other mask requires a valid bandwidth tier.
func ApplyMask(csi []complex128, bw int, mask Mask) ([]complex128, error) {
	out := make([]complex128, len(csi))
	copy(out, csi)
	if mask == MaskNone {
		return out, nil
	}
	if !ValidBandwidth(bw) {
		return nil, fmt.Errorf("%w: %d MHz", ErrNoSubcarrierTable, bw)
	}
	if want := NSubcarriers(bw); len(csi) != want {
		return nil, fmt.Errorf("csi has %d subcarriers, %d MHz needs %d", len(csi), bw, want)
	}
	if mask.Has(MaskNulls) {
		for _, idx := range nullSubcarriers[bw] {
			out[idx] = 0
		}
	}
	if mask.Has(MaskPilots) {
		for _, idx := range pilotSubcarriers[bw] {
			out[idx] = 0
		}
	}
	return out, nil
}
