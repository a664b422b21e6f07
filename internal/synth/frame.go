// Package synth builds nexmon_csi captures for tests, demos and the
// gen-capture tool. Frames are serialised as Ethernet/IPv4/UDP packets and
// written with gopacket's pcapgo writer, so the output is a real pcap file.
package synth

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/csisync/internal/csi"
)

// CSIPort is the UDP port nexmon_csi sends frames to.
const CSIPort = 5500

// payloadMagic opens every nexmon payload.
const payloadMagic = 0x1111

// Frame is one CSI frame to synthesise. CSI is given in the FFT-shifted order
// the decoder returns; it is unshifted and interleaved on the wire.
type Frame struct {
	Time              time.Time
	RSSI              int8
	FrameControl      uint8
	MAC               [6]byte
	Sequence          uint16
	Fragment          uint16
	CoreSpatialStream [2]byte
	ChanSpec          uint16
	ChipVersion       uint16
	CSI               []complex128
}

// Payload returns the nexmon payload carried in the UDP datagram.
func Payload(f Frame) []byte {
	p := make([]byte, csi.CSIOffset, csi.CSIOffset+len(f.CSI)*4)
	binary.LittleEndian.PutUint16(p[0:2], payloadMagic)
	p[2] = byte(f.RSSI)
	p[3] = f.FrameControl
	copy(p[4:10], f.MAC[:])
	binary.LittleEndian.PutUint16(p[10:12], f.Sequence*16+f.Fragment%16)
	copy(p[12:14], f.CoreSpatialStream[:])
	binary.LittleEndian.PutUint16(p[14:16], f.ChanSpec)
	binary.LittleEndian.PutUint16(p[16:18], f.ChipVersion)
	return append(p, csi.InterleaveCSI(f.CSI)...)
}

// Encode serialises f as an Ethernet/IPv4/UDP packet. The Ethernet frame is
// exactly csi.FrameOverhead bytes longer than the payload.
func Encode(f Frame) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(f.MAC[:]),
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 10, 10, 10).To4(),
		DstIP:    net.IPv4(255, 255, 255, 255).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(CSIPort),
		DstPort: layers.UDPPort(CSIPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to bind udp checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(Payload(f))); err != nil {
		return nil, fmt.Errorf("failed to serialise frame: %w", err)
	}
	return buf.Bytes(), nil
}
