package manager

import (
	"time"

	"memcoord/internal/cache"
	"memcoord/internal/coord"
	"memcoord/internal/devices"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/registry"
	"memcoord/internal/state"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPressureInterval = 5 * time.Second
	defaultCancelTimeout    = 5 * time.Second
)

// Config encapsulates the tunables of a Manager.
type Config struct {
	// DefaultDevice is used when a caller omits the target device.
	DefaultDevice memory.DeviceID
	// PressureInterval paces the pressure loop.
	PressureInterval time.Duration
	// SyncInterval paces ReconcileAll; zero or negative disables the sweep.
	SyncInterval time.Duration
	// CancelTimeout bounds the cancel exchange sent when a caller gives up
	// on a load or unload.
	CancelTimeout time.Duration
	// NoOptimizeRetry disables the optimize-and-retry step after a load is
	// rejected for lack of VRAM.
	NoOptimizeRetry bool
}

// Deps are the components a Manager orchestrates. All are required except
// Devices, which only enriches status output.
type Deps struct {
	Allocator   *memory.Allocator
	States      *state.Store
	Cache       *cache.Cache
	Coordinator *coord.Coordinator
	Monitor     *pressure.Monitor
	Registry    *registry.Registry
	Devices     []devices.Device
}

func (c Config) withDefaults() Config {
	if c.PressureInterval <= 0 {
		c.PressureInterval = defaultPressureInterval
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	return c
}
