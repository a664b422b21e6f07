package synth

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/banshee-data/csisync/internal/csi"
)

// Generator produces deterministic synthetic frames from a seed.
type Generator struct {
	rng *rand.Rand

	// Configuration
	Bandwidth int           // MHz, one of the csi tiers
	Interval  time.Duration // time between events
	Start     time.Time     // time of the first event
	MaxAbsCSI int           // bound on |re| and |im| of generated CSI
}

// NewGenerator creates a generator with 20 MHz frames every 10 ms.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		rng:       rand.New(rand.NewSource(seed)),
		Bandwidth: csi.Bandwidth20,
		Interval:  10 * time.Millisecond,
		Start:     time.Unix(1700000000, 0).UTC(),
		MaxAbsCSI: 2048,
	}
}

// RandomCSI returns nsub integer valued subcarriers so the wire encoding is
// lossless.
func (g *Generator) RandomCSI(nsub int) []complex128 {
	out := make([]complex128, nsub)
	span := 2*g.MaxAbsCSI + 1
	for i := range out {
		re := g.rng.Intn(span) - g.MaxAbsCSI
		im := g.rng.Intn(span) - g.MaxAbsCSI
		out[i] = complex(float64(re), float64(im))
	}
	return out
}

// DeviceMAC derives a stable locally administered MAC for device index i.
func DeviceMAC(i int) [6]byte {
	return [6]byte{0x02, 0xc5, 0x1a, 0x00, byte(i >> 8), byte(i)}
}

// Frames returns n consecutive frames from one transmitter.
func (g *Generator) Frames(n int) []Frame {
	nsub := csi.NSubcarriers(g.Bandwidth)
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = g.frame(i, DeviceMAC(0), g.Start.Add(time.Duration(i)*g.Interval), nsub)
	}
	return frames
}

func (g *Generator) frame(seq int, mac [6]byte, ts time.Time, nsub int) Frame {
	return Frame{
		Time:              ts.Truncate(time.Microsecond),
		RSSI:              int8(-30 - g.rng.Intn(60)),
		FrameControl:      0x08,
		MAC:               mac,
		Sequence:          uint16(seq % 4096),
		Fragment:          0,
		CoreSpatialStream: [2]byte{0x00, byte(g.rng.Intn(4))},
		ChanSpec:          0xe024,
		ChipVersion:       0x4345,
		CSI:               g.RandomCSI(nsub),
	}
}

// GroupOptions describe a simulated multi-device capture of the same events.
type GroupOptions struct {
	Devices []string
	Events  int
	// Loss is the probability that a device misses an event. The first
	// event is always received so every capture shares the same epoch.
	Loss float64
	// Jitter bounds the uniform per-frame timestamp noise.
	Jitter time.Duration
}

// Group simulates every device in opts receiving the same stream of events,
// each with independent frame loss and timestamp jitter. Devices are keyed by
// name; MACs follow the sorted device order.
func (g *Generator) Group(opts GroupOptions) (map[string][]Frame, error) {
	if len(opts.Devices) == 0 {
		return nil, fmt.Errorf("group needs at least one device")
	}
	if opts.Loss < 0 || opts.Loss >= 1 {
		return nil, fmt.Errorf("loss must be in [0, 1), got %v", opts.Loss)
	}
	devices := append([]string(nil), opts.Devices...)
	sort.Strings(devices)

	nsub := csi.NSubcarriers(g.Bandwidth)
	out := make(map[string][]Frame, len(devices))
	for d, name := range devices {
		frames := make([]Frame, 0, opts.Events)
		for e := 0; e < opts.Events; e++ {
			if e > 0 && g.rng.Float64() < opts.Loss {
				continue
			}
			ts := g.Start.Add(time.Duration(e) * g.Interval)
			if e > 0 && opts.Jitter > 0 {
				ts = ts.Add(time.Duration(g.rng.Int63n(int64(2*opts.Jitter)+1)) - opts.Jitter)
			}
			frames = append(frames, g.frame(e, DeviceMAC(d), ts, nsub))
		}
		out[name] = frames
	}
	return out, nil
}
