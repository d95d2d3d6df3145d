package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/internal/errs"
)

// DefaultSafetyMargin is the share of capacity kept free on every device.
const DefaultSafetyMargin = 0.05

// AllocatorConfig tunes the allocator.
type AllocatorConfig struct {
	// SafetyMargin is a fraction of capacity in [0,1). Negative means 0; zero means default.
	SafetyMargin float64
}

type device struct {
	mu      sync.Mutex // serializes mutations on this device
	backend Backend
}

// Allocator orchestrates allocate/deallocate/transfer/defragment requests
// using a Tracker for bookkeeping and a Backend per device.
type Allocator struct {
	tracker *Tracker
	margin  float64
	log     zerolog.Logger

	mu      sync.RWMutex
	devices map[DeviceID]*device
}

// NewAllocator returns an allocator over tracker.
func NewAllocator(tracker *Tracker, cfg AllocatorConfig) *Allocator {
	margin := cfg.SafetyMargin
	switch {
	case margin < 0:
		margin = 0
	case margin == 0:
		margin = DefaultSafetyMargin
	case margin >= 1:
		margin = DefaultSafetyMargin
	}
	return &Allocator{
		tracker: tracker,
		margin:  margin,
		log:     log.With().Str("component", "allocator").Logger(),
		devices: make(map[DeviceID]*device),
	}
}

// Tracker exposes the read side of the allocation table.
func (a *Allocator) Tracker() *Tracker { return a.tracker }

// RegisterDevice binds a backend to a device. A device can only be registered once.
func (a *Allocator) RegisterDevice(dev DeviceID, b Backend) error {
	if b == nil {
		return fmt.Errorf("nil backend for %s", dev)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.devices[dev]; ok {
		return fmt.Errorf("device %s already registered", dev)
	}
	a.devices[dev] = &device{backend: b}
	a.log.Info().Str("device", string(dev)).Str("kind", string(b.Kind())).Msg("device registered")
	return nil
}

// Devices lists registered devices in name order.
func (a *Allocator) Devices() []DeviceID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]DeviceID, 0, len(a.devices))
	for id := range a.devices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Allocator) device(dev DeviceID) (*device, error) {
	a.mu.RLock()
	d := a.devices[dev]
	a.mu.RUnlock()
	if d == nil {
		return nil, errs.New(errs.KindDeviceUnavailable, "device not registered").WithDevice(string(dev))
	}
	return d, nil
}

func (a *Allocator) marginFor(capacity uint64) uint64 {
	return uint64(float64(capacity) * a.margin)
}

// Usage reports capacity, usage and the bytes still allocatable after the margin.
func (a *Allocator) Usage(dev DeviceID) (Report, error) {
	d, err := a.device(dev)
	if err != nil {
		return Report{}, err
	}
	capacity, err := d.backend.Capacity(dev)
	if err != nil {
		return Report{}, asDeviceUnavailable(err, dev)
	}
	u := a.tracker.Usage(dev)
	r := Report{Device: dev, Capacity: capacity, Used: u.Used, Count: u.Count, Margin: a.marginFor(capacity)}
	if capacity > u.Used+r.Margin {
		r.Available = capacity - u.Used - r.Margin
	}
	return r, nil
}

// Allocate reserves size bytes on dev. The request must fit after the safety
// margin; backend failures are returned without registering anything.
func (a *Allocator) Allocate(dev DeviceID, size uint64, purpose Purpose, owner string) (Allocation, error) {
	if size == 0 {
		return Allocation{}, errs.New(errs.KindInvalidArgument, "allocation size must be positive").WithDevice(string(dev))
	}
	if !purpose.Valid() {
		return Allocation{}, errs.New(errs.KindInvalidArgument, "unknown allocation purpose %q", purpose).WithDevice(string(dev))
	}
	d, err := a.device(dev)
	if err != nil {
		return Allocation{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	capacity, err := d.backend.Capacity(dev)
	if err != nil {
		allocationsTotal.WithLabelValues(string(dev), string(purpose), "error").Inc()
		return Allocation{}, asDeviceUnavailable(err, dev)
	}
	used := a.tracker.Usage(dev).Used
	margin := a.marginFor(capacity)
	if used+size+margin > capacity {
		var avail uint64
		if capacity > used+margin {
			avail = capacity - used - margin
		}
		allocationsTotal.WithLabelValues(string(dev), string(purpose), "insufficient").Inc()
		return Allocation{}, errs.New(errs.KindInsufficientMemory, "need %s, available %s",
			humanize.IBytes(size), humanize.IBytes(avail)).WithDevice(string(dev)).WithSize(size).WithModel(owner)
	}

	p, err := d.backend.Allocate(dev, size, 0)
	if err != nil {
		allocationsTotal.WithLabelValues(string(dev), string(purpose), "error").Inc()
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.KindDeviceUnavailable, err, "backend allocate").WithDevice(string(dev)).WithSize(size)
		}
		return Allocation{}, err
	}
	alloc := a.tracker.Register(Registration{Device: dev, Size: size, Purpose: purpose, Owner: owner, Placement: p})
	allocationsTotal.WithLabelValues(string(dev), string(purpose), "ok").Inc()
	usedBytes.WithLabelValues(string(dev)).Set(float64(used + size))
	a.log.Debug().
		Str("device", string(dev)).
		Str("id", string(alloc.ID)).
		Str("purpose", string(purpose)).
		Str("owner", owner).
		Str("size", humanize.IBytes(size)).
		Msg("allocated")
	return alloc, nil
}

// Deallocate frees the backend memory first and only then drops the record,
// so the tracker never reports capacity that is still held.
func (a *Allocator) Deallocate(id AllocationID) error {
	alloc, ok := a.tracker.Get(id)
	if !ok {
		return notFound(id)
	}
	d, err := a.device(alloc.Device)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// re-check under the device lock; a concurrent deallocate may have won
	if _, ok := a.tracker.Get(id); !ok {
		return notFound(id)
	}
	if err := d.backend.Free(alloc.Device, alloc.VirtualAddr); err != nil {
		deallocationsTotal.WithLabelValues(string(alloc.Device), "error").Inc()
		return asDeviceUnavailable(err, alloc.Device)
	}
	if _, err := a.tracker.Unregister(id); err != nil {
		deallocationsTotal.WithLabelValues(string(alloc.Device), "error").Inc()
		return err
	}
	deallocationsTotal.WithLabelValues(string(alloc.Device), "ok").Inc()
	usedBytes.WithLabelValues(string(alloc.Device)).Set(float64(a.tracker.Usage(alloc.Device).Used))
	a.log.Debug().Str("device", string(alloc.Device)).Str("id", string(id)).Msg("deallocated")
	return nil
}

// Transfer moves an allocation to dst: allocate there, copy, then release the
// source. Any failure after the destination allocation rolls it back, so the
// pre-call state is restored.
func (a *Allocator) Transfer(src AllocationID, dst DeviceID, size uint64) (Allocation, error) {
	from, ok := a.tracker.Get(src)
	if !ok {
		return Allocation{}, notFound(src)
	}
	if size == 0 {
		size = from.Size
	}
	if size > from.Size {
		return Allocation{}, errs.New(errs.KindInvalidArgument, "transfer size %s exceeds source allocation %s",
			humanize.IBytes(size), humanize.IBytes(from.Size)).WithDevice(string(from.Device)).WithSize(size)
	}
	dd, err := a.device(dst)
	if err != nil {
		return Allocation{}, err
	}

	to, err := a.Allocate(dst, size, from.Purpose, from.Owner)
	if err != nil {
		return Allocation{}, err
	}
	copyErr := dd.backend.Copy(
		Location{Device: from.Device, VirtualAddr: from.VirtualAddr},
		Location{Device: dst, VirtualAddr: to.VirtualAddr},
		size,
	)
	if copyErr != nil {
		a.rollback(to.ID, "copy")
		return Allocation{}, asDeviceUnavailable(copyErr, dst)
	}
	if err := a.Deallocate(src); err != nil {
		a.rollback(to.ID, "release source")
		return Allocation{}, err
	}
	a.log.Info().
		Str("src", string(src)).
		Str("dst", string(to.ID)).
		Str("from", string(from.Device)).
		Str("to", string(dst)).
		Str("size", humanize.IBytes(size)).
		Msg("transferred")
	return to, nil
}

func (a *Allocator) rollback(id AllocationID, step string) {
	if err := a.Deallocate(id); err != nil {
		a.log.Error().Err(err).Str("id", string(id)).Str("step", step).Msg("transfer rollback failed")
	}
}

// Fragmentation reports the free-space layout of dev.
func (a *Allocator) Fragmentation(dev DeviceID) (Fragmentation, error) {
	d, err := a.device(dev)
	if err != nil {
		return Fragmentation{}, err
	}
	fr, ok := d.backend.(FragmentationReporter)
	if !ok {
		return Fragmentation{}, nil
	}
	return fr.Fragmentation(dev)
}

func asDeviceUnavailable(err error, dev DeviceID) error {
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.Wrap(errs.KindDeviceUnavailable, err, "backend call failed").WithDevice(string(dev))
}
