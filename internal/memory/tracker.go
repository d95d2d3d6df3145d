package memory

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"memcoord/internal/errs"
)

// Registration describes an allocation the backend already placed.
type Registration struct {
	Device    DeviceID
	Size      uint64
	Purpose   Purpose
	Owner     string
	Placement Placement
}

type deviceTable struct {
	mu     sync.RWMutex
	allocs map[AllocationID]*Allocation
	used   uint64
}

// Tracker owns the authoritative table of live allocations. Mutations are
// serialized per device; reads return copies.
type Tracker struct {
	mu      sync.RWMutex
	devices map[DeviceID]*deviceTable
	index   *xsync.MapOf[AllocationID, DeviceID]
	gen     atomic.Uint64
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		devices: make(map[DeviceID]*deviceTable),
		index:   xsync.NewMapOf[AllocationID, DeviceID](),
		now:     time.Now,
	}
}

func (t *Tracker) table(dev DeviceID, create bool) *deviceTable {
	t.mu.RLock()
	dt := t.devices[dev]
	t.mu.RUnlock()
	if dt != nil || !create {
		return dt
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if dt = t.devices[dev]; dt == nil {
		dt = &deviceTable{allocs: make(map[AllocationID]*Allocation)}
		t.devices[dev] = dt
	}
	return dt
}

// Register records an allocation and returns it with a fresh id.
func (t *Tracker) Register(r Registration) Allocation {
	a := &Allocation{
		ID:           AllocationID(uuid.NewString()),
		Device:       r.Device,
		Size:         r.Size,
		Purpose:      r.Purpose,
		Owner:        r.Owner,
		CreatedAt:    t.now(),
		VirtualAddr:  r.Placement.VirtualAddr,
		PhysicalAddr: r.Placement.PhysicalAddr,
	}
	dt := t.table(r.Device, true)
	dt.mu.Lock()
	dt.allocs[a.ID] = a
	dt.used += a.Size
	dt.mu.Unlock()
	t.index.Store(a.ID, r.Device)
	t.gen.Add(1)
	return *a
}

// Unregister removes an allocation. It fails with NotFound for unknown ids.
func (t *Tracker) Unregister(id AllocationID) (Allocation, error) {
	dev, ok := t.index.Load(id)
	if !ok {
		return Allocation{}, notFound(id)
	}
	dt := t.table(dev, false)
	if dt == nil {
		return Allocation{}, notFound(id)
	}
	dt.mu.Lock()
	a, ok := dt.allocs[id]
	if !ok {
		dt.mu.Unlock()
		return Allocation{}, notFound(id)
	}
	delete(dt.allocs, id)
	dt.used -= a.Size
	dt.mu.Unlock()
	t.index.Delete(id)
	t.gen.Add(1)
	return *a, nil
}

// Get returns a copy of a live allocation.
func (t *Tracker) Get(id AllocationID) (Allocation, bool) {
	dev, ok := t.index.Load(id)
	if !ok {
		return Allocation{}, false
	}
	dt := t.table(dev, false)
	if dt == nil {
		return Allocation{}, false
	}
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	a, ok := dt.allocs[id]
	if !ok {
		return Allocation{}, false
	}
	return *a, true
}

// Usage returns bytes used and allocation count for a device.
func (t *Tracker) Usage(dev DeviceID) Usage {
	dt := t.table(dev, false)
	if dt == nil {
		return Usage{}
	}
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return Usage{Used: dt.used, Count: len(dt.allocs)}
}

// List returns the live allocations on a device ordered by virtual address.
func (t *Tracker) List(dev DeviceID) []Allocation {
	dt := t.table(dev, false)
	if dt == nil {
		return nil
	}
	dt.mu.RLock()
	out := make([]Allocation, 0, len(dt.allocs))
	for _, a := range dt.allocs {
		out = append(out, *a)
	}
	dt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VirtualAddr < out[j].VirtualAddr })
	return out
}

// Generation is bumped on every register, unregister and relocation.
func (t *Tracker) Generation() uint64 { return t.gen.Load() }

// relocate updates physical placement after compaction. The id and size are untouched.
func (t *Tracker) relocate(dev DeviceID, moves []Move) int {
	dt := t.table(dev, false)
	if dt == nil || len(moves) == 0 {
		return 0
	}
	byVirt := make(map[uint64]uint64, len(moves))
	for _, m := range moves {
		byVirt[m.VirtualAddr] = m.To
	}
	n := 0
	dt.mu.Lock()
	for _, a := range dt.allocs {
		if to, ok := byVirt[a.VirtualAddr]; ok {
			a.PhysicalAddr = to
			n++
		}
	}
	dt.mu.Unlock()
	if n > 0 {
		t.gen.Add(1)
	}
	return n
}

func notFound(id AllocationID) error {
	return errs.New(errs.KindNotFound, "allocation %s", id)
}
