package csi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/csisync/internal/monitoring"
)

// pcapgoDecoder reads records with gopacket's pure-Go pcap reader and takes
// the nexmon payload from the decoded UDP layer. For well formed
// Ethernet/IPv4/UDP captures it yields the same SampleSet as nexmonDecoder.
type pcapgoDecoder struct {
	opts DecoderOptions
}

func (d *pcapgoDecoder) Decode(buf []byte) (*SampleSet, error) {
	l, err := planLayout(buf, d.opts)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	b := newBuilder(l.bandwidth, l.valid, l.capacity)
	stop := walkPcapgo(r, len(buf), l.nsub, b)
	if !stop.Clean() {
		monitoring.Warnf("pcapgo walk stopped early (%s) after %d frames", stop, b.set.Len())
	}
	return b.finish(stop), nil
}

func walkPcapgo(r *pcapgo.Reader, bufLen, nsub int, b *builder) StopReason {
	offset := FileHeaderSize
	skipped := 0
	defer func() {
		if skipped > 0 {
			monitoring.Logf("pcapgo: skipped %d non-UDP frames", skipped)
		}
	}()

	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			switch {
			case offset == bufLen:
				return StopEndOfBuffer
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return StopTruncatedFrame
			}
			monitoring.Logf("pcapgo: rejecting record at offset %d: %v", offset, err)
			return StopMalformedFrame
		}
		offset += RecordHeaderSize + len(data)

		packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			skipped++
			continue
		}
		if !csiFits(len(udp.Payload), nsub) {
			return StopShortFrame
		}
		if b.full() {
			return StopCapacity
		}
		b.add(captureSeconds(ci.Timestamp), udp.Payload)
	}
}

// captureSeconds converts a record timestamp back to seconds. Microsecond
// captures are combined as sec + usec/1e6 so values match the byte walker
// exactly.
func captureSeconds(ts time.Time) float64 {
	sec := float64(ts.Unix())
	nsec := ts.Nanosecond()
	if nsec%1000 == 0 {
		return sec + float64(nsec/1000)/1e6
	}
	return sec + float64(nsec)/1e9
}
