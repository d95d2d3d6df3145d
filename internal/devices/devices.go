// Package devices turns configured devices into allocator backends and
// reports what each device can do.
package devices

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"

	"memcoord/internal/config"
	"memcoord/internal/errs"
	"memcoord/internal/memory"
)

// Device is one enumerated memory domain.
type Device struct {
	ID       memory.DeviceID
	Kind     memory.DeviceKind
	Capacity uint64
	// Detected is set when Capacity was read from the OS.
	Detected bool
}

// Capability describes optional backend features.
type Capability struct {
	Compaction bool
	// SharedWithHost is true when device memory is carved out of system RAM.
	SharedWithHost bool
}

func (d Device) Capability() Capability {
	return Capability{
		Compaction:     d.Kind != memory.KindHost,
		SharedWithHost: d.Kind != memory.KindDiscreteGPU,
	}
}

// HostProbe reports total system memory.
type HostProbe func() (uint64, error)

// SystemMemory reads total physical memory from the OS.
func SystemMemory() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}

// Enumerate resolves configured devices in order. A host device with zero
// capacity is sized by probe.
func Enumerate(cfgs []config.Device, probe HostProbe) ([]Device, error) {
	out := make([]Device, 0, len(cfgs))
	for _, c := range cfgs {
		kind, err := memory.ParseDeviceKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", c.ID, err)
		}
		d := Device{ID: memory.DeviceID(c.ID), Kind: kind, Capacity: c.Capacity.Bytes()}
		if d.Capacity == 0 {
			if kind != memory.KindHost || probe == nil {
				return nil, errs.New(errs.KindDeviceUnavailable, "capacity unknown").WithDevice(c.ID)
			}
			n, err := probe()
			if err != nil {
				return nil, errs.Wrap(errs.KindDeviceUnavailable, err, "probe host memory").WithDevice(c.ID)
			}
			d.Capacity, d.Detected = n, true
		}
		out = append(out, d)
	}
	return out, nil
}

// Attach builds a backend per device and registers it with the allocator.
func Attach(alloc *memory.Allocator, devs []Device, strategy memory.Strategy) error {
	for _, d := range devs {
		b, err := memory.NewBackend(d.Kind, d.ID, d.Capacity, strategy)
		if err != nil {
			return err
		}
		if err := alloc.RegisterDevice(d.ID, b); err != nil {
			return err
		}
		log.Info().Str("component", "devices").Str("device", string(d.ID)).Str("kind", string(d.Kind)).
			Str("capacity", humanize.IBytes(d.Capacity)).Bool("detected", d.Detected).Msg("device attached")
	}
	return nil
}

// Capacities maps device id to capacity, the shape the reference worker takes.
func Capacities(devs []Device) map[string]uint64 {
	out := make(map[string]uint64, len(devs))
	for _, d := range devs {
		if d.Kind == memory.KindHost {
			continue
		}
		out[string(d.ID)] = d.Capacity
	}
	return out
}
