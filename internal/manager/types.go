package manager

import "time"

// State is the manager's overall health.
type State string

const (
	StateReady State = "ready"
	// StateDegraded means the worker connection is gone; cache and
	// allocation calls still work, VRAM requests fail.
	StateDegraded State = "degraded"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State     State
	InFlight  int
	Cached    int
	Loaded    int
	LastError string
	Uptime    time.Duration
}

// Relief summarizes one pass of pressure handling.
type Relief struct {
	Evicted   []string
	FreedRAM  uint64
	Optimized []string
	FreedVRAM uint64
	Levels    map[string]string
	Errors    []error
}

// Op tracks a background ensure started by Switch.
type Op struct {
	ID       string
	ModelID  string
	Device   string
	Started  time.Time
	Finished time.Time
	Err      string
	Done     bool
}
