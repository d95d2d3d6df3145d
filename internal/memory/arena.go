package memory

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
)

// Strategy picks a free block for a new allocation.
type Strategy string

const (
	// BestFit picks the block leaving the smallest remainder; ties go to the lowest address.
	BestFit Strategy = "best_fit"
	// FirstFit picks the lowest-addressed block that fits.
	FirstFit Strategy = "first_fit"
)

// ParseStrategy maps a config value to a Strategy. Empty means BestFit.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", BestFit:
		return BestFit, nil
	case FirstFit:
		return FirstFit, nil
	}
	return "", fmt.Errorf("unknown allocation strategy %q", s)
}

const virtualBase = 0x7f0000000000

type span struct{ off, size uint64 }

type mapping struct {
	phys  uint64
	size  uint64
	align uint64
}

// arena simulates a physical address space with a virtual mapping on top.
// Virtual addresses are never reused so compaction can move physical
// placement without changing what callers hold. Not safe for concurrent use.
type arena struct {
	capacity uint64
	strategy Strategy
	free     []span // sorted by offset, coalesced
	live     map[uint64]mapping
	nextVirt uint64
}

func newArena(capacity uint64, strategy Strategy) *arena {
	a := &arena{
		capacity: capacity,
		strategy: strategy,
		live:     make(map[uint64]mapping),
		nextVirt: virtualBase,
	}
	if capacity > 0 {
		a.free = []span{{0, capacity}}
	}
	return a
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// pick returns the free-list index and aligned start for size, or -1.
func (a *arena) pick(size, align uint64) (int, uint64) {
	best := -1
	var bestStart, bestRemain uint64
	for i, s := range a.free {
		start := alignUp(s.off, align)
		end := s.off + s.size
		if start > end || end-start < size {
			continue
		}
		remain := end - start - size
		if a.strategy == FirstFit {
			return i, start
		}
		// free list is offset-ordered, so strict < keeps the lowest address on ties
		if best < 0 || remain < bestRemain {
			best, bestStart, bestRemain = i, start, remain
		}
	}
	return best, bestStart
}

func (a *arena) alloc(size, align uint64) (Placement, error) {
	if size == 0 {
		return Placement{}, fmt.Errorf("zero-size allocation")
	}
	i, start := a.pick(size, align)
	if i < 0 {
		return Placement{}, fmt.Errorf("no contiguous block for %s (free %s, largest %s)",
			humanize.IBytes(size), humanize.IBytes(a.totalFree()), humanize.IBytes(a.largestFree()))
	}
	s := a.free[i]
	var repl []span
	if start > s.off {
		repl = append(repl, span{s.off, start - s.off})
	}
	if end := s.off + s.size; start+size < end {
		repl = append(repl, span{start + size, end - start - size})
	}
	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)

	virt := a.nextVirt
	a.nextVirt += alignUp(size, 4096)
	a.live[virt] = mapping{phys: start, size: size, align: align}
	return Placement{VirtualAddr: virt, PhysicalAddr: start}, nil
}

func (a *arena) release(virt uint64) error {
	m, ok := a.live[virt]
	if !ok {
		return fmt.Errorf("unknown virtual address %#x", virt)
	}
	delete(a.live, virt)
	a.insertFree(span{m.phys, m.size})
	return nil
}

func (a *arena) insertFree(s span) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off >= s.off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
	// coalesce with right then left neighbour
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

func (a *arena) lookup(virt uint64) (mapping, bool) {
	m, ok := a.live[virt]
	return m, ok
}

func (a *arena) totalFree() uint64 {
	var n uint64
	for _, s := range a.free {
		n += s.size
	}
	return n
}

func (a *arena) largestFree() uint64 {
	var n uint64
	for _, s := range a.free {
		if s.size > n {
			n = s.size
		}
	}
	return n
}

// Move records a physical relocation performed by compaction.
type Move struct {
	VirtualAddr uint64
	From, To    uint64
}

// compact packs live mappings toward offset zero in physical order.
func (a *arena) compact() []Move {
	virts := make([]uint64, 0, len(a.live))
	for v := range a.live {
		virts = append(virts, v)
	}
	sort.Slice(virts, func(i, j int) bool { return a.live[virts[i]].phys < a.live[virts[j]].phys })

	var moves []Move
	var cursor uint64
	a.free = a.free[:0]
	for _, v := range virts {
		m := a.live[v]
		dst := alignUp(cursor, m.align)
		if dst > m.phys {
			// alignment never pushes a block past where it already sits
			dst = m.phys
		}
		if dst > cursor {
			a.free = append(a.free, span{cursor, dst - cursor})
		}
		if dst != m.phys {
			moves = append(moves, Move{VirtualAddr: v, From: m.phys, To: dst})
			m.phys = dst
			a.live[v] = m
		}
		cursor = dst + m.size
	}
	if cursor < a.capacity {
		a.free = append(a.free, span{cursor, a.capacity - cursor})
	}
	return moves
}
