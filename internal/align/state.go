package align

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// slot is one position in a device table during correction. A tombstone
// holds no row and is skipped by every statistic.
type slot struct {
	row       Row
	tombstone bool
}

// state is the working set of one alignment run. It is created, mutated row
// by row and finalised exactly once.
type state struct {
	devices []string // sorted; fixes argmax tie breaking
	tables  [][]slot // parallel to devices
	pending map[int]struct{}
	shifts  int

	// scratch buffers reused across rows
	values []float64
	owners []int
}

func newState(series map[string][]Row) *state {
	devices := make([]string, 0, len(series))
	for d := range series {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	s := &state{
		devices: devices,
		tables:  make([][]slot, len(devices)),
		pending: make(map[int]struct{}),
		values:  make([]float64, 0, len(devices)),
		owners:  make([]int, 0, len(devices)),
	}
	for i, d := range devices {
		rows := series[d]
		t := make([]slot, len(rows), len(rows)+1)
		for j, r := range rows {
			t[j] = slot{row: r}
		}
		s.tables[i] = t
	}
	return s
}

// shortest returns the smallest table length.
func (s *state) shortest() int {
	n := -1
	for _, t := range s.tables {
		if n < 0 || len(t) < n {
			n = len(t)
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

func (s *state) totalRows() int {
	n := 0
	for _, t := range s.tables {
		n += len(t)
	}
	return n
}

// collect gathers the non-tombstone timestamps at row i with the index of
// the device each came from.
func (s *state) collect(i int) {
	s.values = s.values[:0]
	s.owners = s.owners[:0]
	for d, t := range s.tables {
		if t[i].tombstone {
			continue
		}
		s.values = append(s.values, t[i].row.Time)
		s.owners = append(s.owners, d)
	}
}

// spread is the population standard deviation of the collected values. A
// row with fewer than two values has nothing to disagree with.
func (s *state) spread() float64 {
	if len(s.values) < 2 {
		return 0
	}
	_, std := stat.PopMeanStdDev(s.values, nil)
	return std
}

// leader returns the device holding the largest collected value; ties go to
// the first device in sorted order.
func (s *state) leader() int {
	return s.owners[floats.MaxIdx(s.values)]
}

// deferRow inserts a tombstone at row i of device d, pushing its later rows
// down by one.
func (s *state) deferRow(d, i int) {
	t := append(s.tables[d], slot{})
	copy(t[i+1:], t[i:])
	t[i] = slot{tombstone: true}
	s.tables[d] = t
	s.pending[i] = struct{}{}
	s.shifts++
}

// trim cuts every table to n rows and reports how many rows each device lost.
func (s *state) trim(n int) map[string]int {
	trimmed := make(map[string]int)
	for d, t := range s.tables {
		if len(t) > n {
			lost := 0
			for _, sl := range t[n:] {
				if !sl.tombstone {
					lost++
				}
			}
			if lost > 0 {
				trimmed[s.devices[d]] = lost
			}
			s.tables[d] = t[:n]
		}
	}
	return trimmed
}

// removed returns the pending indices in ascending order.
func (s *state) removed() []int {
	out := make([]int, 0, len(s.pending))
	for i := range s.pending {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// finalise drops every pending row from every table and reindexes the rest.
// All tables must already share the same length.
func (s *state) finalise() map[string][]Row {
	out := make(map[string][]Row, len(s.devices))
	for d, t := range s.tables {
		rows := make([]Row, 0, len(t)-len(s.pending))
		for i, sl := range t {
			if _, drop := s.pending[i]; drop {
				continue
			}
			rows = append(rows, sl.row)
		}
		out[s.devices[d]] = rows
	}
	return out
}
