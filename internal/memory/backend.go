package memory

import (
	"sync"

	"memcoord/internal/errs"
)

// Backend is the thin abstraction over a hardware memory API. One backend
// instance serves one device; selection happens at device registration.
type Backend interface {
	Kind() DeviceKind
	Capacity(dev DeviceID) (uint64, error)
	// Allocate reserves size bytes; alignment 0 uses the backend default.
	Allocate(dev DeviceID, size, alignment uint64) (Placement, error)
	Free(dev DeviceID, virtualAddr uint64) error
	Copy(src, dst Location, size uint64) error
}

// Compactor is implemented by backends that can repack allocations in place.
type Compactor interface {
	Compact(dev DeviceID) ([]Move, error)
}

// FragmentationReporter is implemented by backends that expose free-space layout.
type FragmentationReporter interface {
	Fragmentation(dev DeviceID) (Fragmentation, error)
}

// Default alignments per device class.
const (
	discreteAlignment   = 512
	integratedAlignment = 256
	hostAlignment       = 64
)

// ArenaBackend is a simulated backend over an in-process address space.
type ArenaBackend struct {
	kind        DeviceKind
	device      DeviceID
	alignment   uint64
	compactable bool

	mu    sync.Mutex
	arena *arena
}

// NewDiscreteGPUBackend builds a backend for a dedicated GPU.
func NewDiscreteGPUBackend(dev DeviceID, capacity uint64, strategy Strategy) *ArenaBackend {
	return newArenaBackend(KindDiscreteGPU, dev, capacity, strategy, discreteAlignment, true)
}

// NewIntegratedGPUBackend builds a backend for a GPU sharing system memory.
func NewIntegratedGPUBackend(dev DeviceID, capacity uint64, strategy Strategy) *ArenaBackend {
	return newArenaBackend(KindIntegratedGPU, dev, capacity, strategy, integratedAlignment, true)
}

// NewHostBackend builds a backend for host RAM. Host memory is not compacted.
func NewHostBackend(dev DeviceID, capacity uint64, strategy Strategy) *ArenaBackend {
	return newArenaBackend(KindHost, dev, capacity, strategy, hostAlignment, false)
}

// NewBackend selects the variant for kind.
func NewBackend(kind DeviceKind, dev DeviceID, capacity uint64, strategy Strategy) (*ArenaBackend, error) {
	switch kind {
	case KindDiscreteGPU:
		return NewDiscreteGPUBackend(dev, capacity, strategy), nil
	case KindIntegratedGPU:
		return NewIntegratedGPUBackend(dev, capacity, strategy), nil
	case KindHost:
		return NewHostBackend(dev, capacity, strategy), nil
	}
	return nil, errs.New(errs.KindDeviceUnavailable, "no backend for kind %q", kind).WithDevice(string(dev))
}

func newArenaBackend(kind DeviceKind, dev DeviceID, capacity uint64, strategy Strategy, align uint64, compactable bool) *ArenaBackend {
	if strategy == "" {
		strategy = BestFit
	}
	return &ArenaBackend{
		kind:        kind,
		device:      dev,
		alignment:   align,
		compactable: compactable,
		arena:       newArena(capacity, strategy),
	}
}

func (b *ArenaBackend) Kind() DeviceKind { return b.kind }

func (b *ArenaBackend) check(dev DeviceID) error {
	if dev != b.device {
		return errs.New(errs.KindDeviceUnavailable, "backend for %s cannot serve device", b.device).WithDevice(string(dev))
	}
	return nil
}

func (b *ArenaBackend) Capacity(dev DeviceID) (uint64, error) {
	if err := b.check(dev); err != nil {
		return 0, err
	}
	return b.arena.capacity, nil
}

func (b *ArenaBackend) Allocate(dev DeviceID, size, alignment uint64) (Placement, error) {
	if err := b.check(dev); err != nil {
		return Placement{}, err
	}
	if alignment == 0 {
		alignment = b.alignment
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.arena.alloc(size, alignment)
	if err != nil {
		return Placement{}, errs.Wrap(errs.KindInsufficientMemory, err, "backend placement failed").
			WithDevice(string(dev)).WithSize(size)
	}
	return p, nil
}

func (b *ArenaBackend) Free(dev DeviceID, virtualAddr uint64) error {
	if err := b.check(dev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.arena.release(virtualAddr); err != nil {
		return errs.Wrap(errs.KindDeviceUnavailable, err, "free failed").WithDevice(string(dev))
	}
	return nil
}

// Copy validates the locations this backend owns. Data movement is simulated.
func (b *ArenaBackend) Copy(src, dst Location, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, loc := range []Location{src, dst} {
		if loc.Device != b.device {
			continue
		}
		m, ok := b.arena.lookup(loc.VirtualAddr)
		if !ok {
			return errs.New(errs.KindDeviceUnavailable, "copy references unknown address %#x", loc.VirtualAddr).WithDevice(string(loc.Device))
		}
		if size > m.size {
			return errs.New(errs.KindDeviceUnavailable, "copy overruns allocation").WithDevice(string(loc.Device)).WithSize(size)
		}
	}
	return nil
}

// Compact repacks live allocations. Host backends report nothing to do.
func (b *ArenaBackend) Compact(dev DeviceID) ([]Move, error) {
	if err := b.check(dev); err != nil {
		return nil, err
	}
	if !b.compactable {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arena.compact(), nil
}

// SupportsCompaction reports whether Compact does anything.
func (b *ArenaBackend) SupportsCompaction() bool { return b.compactable }

func (b *ArenaBackend) Fragmentation(dev DeviceID) (Fragmentation, error) {
	if err := b.check(dev); err != nil {
		return Fragmentation{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return FragmentationOf(b.arena.totalFree(), b.arena.largestFree()), nil
}
