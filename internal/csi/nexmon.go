package csi

import (
	"encoding/binary"

	"github.com/banshee-data/csisync/internal/monitoring"
)

// nexmonDecoder walks the capture at fixed offsets without interpreting the
// Ethernet/IP/UDP headers.
type nexmonDecoder struct {
	opts DecoderOptions
}

func (d *nexmonDecoder) Decode(buf []byte) (*SampleSet, error) {
	l, err := planLayout(buf, d.opts)
	if err != nil {
		return nil, err
	}
	b := newBuilder(l.bandwidth, l.valid, l.capacity)
	stop := walkNexmon(buf, l.nsub, b)
	if !stop.Clean() {
		monitoring.Warnf("capture walk stopped early (%s) after %d frames", stop, b.set.Len())
	}
	return b.finish(stop), nil
}

// walkNexmon decodes frames into b until the buffer runs out or a frame does
// not fit. Every slice expression below is bounds checked first.
func walkNexmon(buf []byte, nsub int, b *builder) StopReason {
	p := FileHeaderSize
	for {
		remaining := len(buf) - p
		switch {
		case remaining == 0:
			return StopEndOfBuffer
		case remaining < RecordHeaderSize:
			return StopTruncatedFrame
		}

		sec := binary.LittleEndian.Uint32(buf[p : p+4])
		usec := binary.LittleEndian.Uint32(buf[p+4 : p+8])
		frameLen := int(binary.LittleEndian.Uint32(buf[p+8 : p+12]))

		next := p + RecordHeaderSize + frameLen
		if frameLen > remaining-RecordHeaderSize {
			return StopTruncatedFrame
		}
		if frameLen < FrameOverhead || !csiFits(frameLen-FrameOverhead, nsub) {
			return StopShortFrame
		}
		if b.full() {
			return StopCapacity
		}

		payload := buf[p+PayloadOffset : next]
		b.add(float64(sec)+float64(usec)/1e6, payload)
		p = next
	}
}
