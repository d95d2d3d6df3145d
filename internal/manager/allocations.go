package manager

import (
	"memcoord/internal/errs"
	"memcoord/internal/memory"
)

// Allocate reserves working or transfer memory on dev. Model cache memory
// is only allocated by the RAM cache itself.
func (m *Manager) Allocate(dev memory.DeviceID, size uint64, purpose memory.Purpose, owner string) (memory.Allocation, error) {
	if purpose == "" {
		purpose = memory.PurposeWorking
	}
	if purpose == memory.PurposeModelCache {
		return memory.Allocation{}, errs.New(errs.KindInvalidTransition, "model cache memory is managed by the cache").WithDevice(string(dev))
	}
	a, err := m.alloc.Allocate(dev, size, purpose, owner)
	if err != nil {
		return a, err
	}
	m.publish(Event{Name: EventAllocated, ModelID: owner, Device: string(dev), Fields: map[string]any{
		"id": string(a.ID), "size": a.Size, "purpose": string(a.Purpose),
	}})
	return a, nil
}

// Deallocate releases an allocation made through Allocate.
func (m *Manager) Deallocate(id memory.AllocationID) error {
	a, err := m.ownAllocation(id)
	if err != nil {
		return err
	}
	if err := m.alloc.Deallocate(id); err != nil {
		return err
	}
	m.publish(Event{Name: EventFreed, ModelID: a.Owner, Device: string(a.Device), Fields: map[string]any{"id": string(id), "size": a.Size}})
	return nil
}

// Transfer moves an allocation made through Allocate to dst.
func (m *Manager) Transfer(id memory.AllocationID, dst memory.DeviceID, size uint64) (memory.Allocation, error) {
	if _, err := m.ownAllocation(id); err != nil {
		return memory.Allocation{}, err
	}
	return m.alloc.Transfer(id, dst, size)
}

func (m *Manager) ownAllocation(id memory.AllocationID) (memory.Allocation, error) {
	a, ok := m.alloc.Tracker().Get(id)
	if !ok {
		return a, errs.New(errs.KindNotFound, "allocation %s not found", id)
	}
	if a.Purpose == memory.PurposeModelCache {
		return a, errs.New(errs.KindInvalidTransition, "allocation %s backs cached model; evict the model instead", id).WithModel(a.Owner)
	}
	return a, nil
}

// Allocations lists live allocations, on one device or on all when dev is empty.
func (m *Manager) Allocations(dev memory.DeviceID) []memory.Allocation {
	if dev != "" {
		return m.alloc.Tracker().List(dev)
	}
	var out []memory.Allocation
	for _, d := range m.alloc.Devices() {
		out = append(out, m.alloc.Tracker().List(d)...)
	}
	return out
}

// Defragment compacts dev when its backend supports it.
func (m *Manager) Defragment(dev memory.DeviceID) (memory.DefragResult, error) {
	res, err := m.alloc.Defragment(dev)
	if err == nil && res.Supported {
		m.log.Info().Str("device", string(dev)).Int("moved", res.Moved).Uint64("reclaimed", res.BytesReclaimed).Msg("defragmented")
	}
	return res, err
}
