package memory

import (
	"fmt"
	"time"
)

// DeviceID identifies a memory domain such as "host" or "gpu0". Devices are
// enumerated elsewhere; this package only references them.
type DeviceID string

// HostDevice is the memory domain backing the RAM model cache.
const HostDevice DeviceID = "host"

// DeviceKind selects the backend variant used for a device.
type DeviceKind string

const (
	KindDiscreteGPU   DeviceKind = "discrete"
	KindIntegratedGPU DeviceKind = "integrated"
	KindHost          DeviceKind = "host"
)

// ParseDeviceKind maps a config string to a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch DeviceKind(s) {
	case KindDiscreteGPU, KindIntegratedGPU, KindHost:
		return DeviceKind(s), nil
	case "gpu", "cuda", "rocm":
		return KindDiscreteGPU, nil
	case "cpu":
		return KindHost, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Purpose records why an allocation exists.
type Purpose string

const (
	PurposeModelCache Purpose = "model_cache"
	PurposeWorking    Purpose = "working"
	PurposeTransfer   Purpose = "transfer"
)

// Valid reports whether p is one of the declared purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeModelCache, PurposeWorking, PurposeTransfer:
		return true
	}
	return false
}

// AllocationID is a process-unique opaque identifier.
type AllocationID string

// Allocation is a tracked unit of device memory.
type Allocation struct {
	ID           AllocationID
	Device       DeviceID
	Size         uint64
	Purpose      Purpose
	Owner        string // model id for model cache allocations
	CreatedAt    time.Time
	VirtualAddr  uint64
	PhysicalAddr uint64
}

// Placement is where a backend put an allocation.
type Placement struct {
	VirtualAddr  uint64
	PhysicalAddr uint64
}

// Location addresses a live allocation for copies.
type Location struct {
	Device      DeviceID
	VirtualAddr uint64
}

// Usage is the tracker's view of a device.
type Usage struct {
	Used  uint64
	Count int
}

// Report combines tracker usage with backend capacity and the safety margin.
type Report struct {
	Device    DeviceID
	Capacity  uint64
	Used      uint64
	Available uint64
	Margin    uint64
	Count     int
}

// Fragmentation describes free space layout on a device. Ratio is
// 1 - largest_contiguous_free/total_free, 0 when nothing is free.
type Fragmentation struct {
	TotalFree   uint64
	LargestFree uint64
	Ratio       float64
}

// FragmentationOf computes the fragmentation ratio.
func FragmentationOf(totalFree, largestFree uint64) Fragmentation {
	f := Fragmentation{TotalFree: totalFree, LargestFree: largestFree}
	if totalFree > 0 {
		f.Ratio = 1 - float64(largestFree)/float64(totalFree)
	}
	return f
}

// DefragResult summarizes a Defragment call.
type DefragResult struct {
	Device         DeviceID
	Supported      bool
	Moved          int
	BytesReclaimed uint64
	Before         Fragmentation
	After          Fragmentation
}
