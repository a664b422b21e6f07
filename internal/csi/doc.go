/*
Package csi decodes nexmon_csi monitor-mode captures into per-frame Channel
State Information records.

CAPTURE LAYOUT (little-endian throughout):

	File header (24 bytes)                       skipped
	Per frame:
	├── ts seconds        uint32  +0
	├── ts microseconds   uint32  +4
	├── captured length   uint32  +8   (frame length, Ethernet onwards)
	├── original length   uint32  +12
	├── Ethernet/IPv4/UDP headers   42 bytes
	└── nexmon payload (payload start = frame start + 58)
	    ├── magic 0x1111        +0
	    ├── RSSI      int8      +2
	    ├── frame control       +3
	    ├── source MAC          [4,10)
	    ├── seq/frag word       [10,12)  fragment = w % 16, sequence = w / 16
	    ├── core/spatial stream [12,14)
	    ├── chanspec, chip ver  [14,18)
	    └── CSI                 [18, 18+nsub*4)  int16 (re, im) pairs

The next frame begins captured-length minus 42 bytes after the payload start.

Bandwidth is inferred once from the first frame's captured length. Each
frame's CSI is FFT-shifted so index 0 is the lowest frequency bin, matching the
null/pilot index tables in subcarriers.go.

Two decoders share this layout: the nexmon variant walks the buffer at fixed
offsets; the pcapgo variant reads records with gopacket's pcapgo reader and
takes the nexmon payload from the UDP layer. Both stop at the first frame
that does not fit in the buffer and keep every frame decoded before it.
*/
package csi
