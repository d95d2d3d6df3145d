// Package pressure classifies device memory scarcity. It only reads usage
// and never changes allocation or model state.
package pressure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/internal/memory"
)

// Level is a coarse classification of memory scarcity.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Rank orders levels so callers can compare them.
func (l Level) Rank() int {
	switch l {
	case LevelModerate:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// Action is a recommended remediation.
type Action string

const (
	ActionMonitorOnly               Action = "monitor_only"
	ActionEvictLeastRecentlyUsed    Action = "evict_lru_cache"
	ActionTriggerRemoteOptimization Action = "trigger_remote_optimization"
)

// ActionsFor derives the recommended actions for a level.
func ActionsFor(l Level) []Action {
	switch l {
	case LevelModerate:
		return []Action{ActionMonitorOnly}
	case LevelHigh:
		return []Action{ActionEvictLeastRecentlyUsed}
	case LevelCritical:
		return []Action{ActionEvictLeastRecentlyUsed, ActionTriggerRemoteOptimization}
	}
	return nil
}

// Thresholds are usage ratios at which each level begins.
type Thresholds struct {
	Moderate float64 `json:"moderate" yaml:"moderate" toml:"moderate"`
	High     float64 `json:"high" yaml:"high" toml:"high"`
	Critical float64 `json:"critical" yaml:"critical" toml:"critical"`
}

// DefaultThresholds: Low <70%, Moderate <85%, High <95%, Critical >=95%.
func DefaultThresholds() Thresholds {
	return Thresholds{Moderate: 0.70, High: 0.85, Critical: 0.95}
}

// Validate requires 0 < moderate < high < critical <= 1.
func (t Thresholds) Validate() error {
	if !(t.Moderate > 0 && t.Moderate < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("pressure thresholds must satisfy 0 < moderate < high < critical <= 1, got %.2f/%.2f/%.2f",
			t.Moderate, t.High, t.Critical)
	}
	return nil
}

// Classify maps a usage ratio to a level.
func (t Thresholds) Classify(ratio float64) Level {
	switch {
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.High:
		return LevelHigh
	case ratio >= t.Moderate:
		return LevelModerate
	}
	return LevelLow
}

// Snapshot is an ephemeral view of one device.
type Snapshot struct {
	Device     memory.DeviceID
	Total      uint64
	Used       uint64
	Available  uint64
	Ratio      float64
	Level      Level
	Actions    []Action
	Generation uint64
	TakenAt    time.Time
}

// BytesAbove returns how many bytes must be released to bring usage under ratio.
func (s Snapshot) BytesAbove(ratio float64) uint64 {
	limit := uint64(float64(s.Total) * ratio)
	if s.Used <= limit {
		return 0
	}
	return s.Used - limit
}

// UsageSource is the read side of the allocator.
type UsageSource interface {
	Usage(dev memory.DeviceID) (memory.Report, error)
	Devices() []memory.DeviceID
}

// GenerationSource exposes the tracker's mutation counter.
type GenerationSource interface {
	Generation() uint64
}

// ExternalUsage reports bytes held on a device outside the native tracker,
// e.g. worker-reported VRAM residency.
type ExternalUsage interface {
	ExternalBytes(dev memory.DeviceID) uint64
}

// Monitor computes pressure snapshots on demand.
type Monitor struct {
	usage      UsageSource
	gen        GenerationSource
	external   ExternalUsage
	thresholds Thresholds
	log        zerolog.Logger

	mu    sync.Mutex
	cache map[memory.DeviceID]cachedSnapshot
}

// NewMonitor builds a monitor. gen and external may be nil.
func NewMonitor(usage UsageSource, gen GenerationSource, external ExternalUsage, t Thresholds) (*Monitor, error) {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		usage:      usage,
		gen:        gen,
		external:   external,
		thresholds: t,
		log:        log.With().Str("component", "pressure").Logger(),
		cache:      make(map[memory.DeviceID]cachedSnapshot),
	}, nil
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() Thresholds { return m.thresholds }

// cachedSnapshot keys a snapshot by the external usage it was taken with.
type cachedSnapshot struct {
	s        Snapshot
	external uint64
}

// Snapshot computes (or reuses) the pressure snapshot for dev. A cached
// snapshot is reused while both the tracker generation and the external
// usage figure are unchanged.
func (m *Monitor) Snapshot(dev memory.DeviceID) (Snapshot, error) {
	var gen, external uint64
	if m.external != nil {
		external = m.external.ExternalBytes(dev)
	}
	if m.gen != nil {
		gen = m.gen.Generation()
		m.mu.Lock()
		c, ok := m.cache[dev]
		m.mu.Unlock()
		if ok && c.s.Generation == gen && c.external == external {
			return c.s, nil
		}
	}
	r, err := m.usage.Usage(dev)
	if err != nil {
		return Snapshot{}, err
	}
	used := r.Used + external
	s := Snapshot{
		Device:     dev,
		Total:      r.Capacity,
		Used:       used,
		Generation: gen,
		TakenAt:    time.Now(),
	}
	if r.Capacity > used {
		s.Available = r.Capacity - used
	}
	if r.Capacity > 0 {
		s.Ratio = float64(used) / float64(r.Capacity)
	} else {
		s.Ratio = 1
	}
	s.Level = m.thresholds.Classify(s.Ratio)
	s.Actions = ActionsFor(s.Level)
	pressureRatio.WithLabelValues(string(dev)).Set(s.Ratio)
	pressureLevel.WithLabelValues(string(dev)).Set(float64(s.Level.Rank()))

	m.mu.Lock()
	m.cache[dev] = cachedSnapshot{s: s, external: external}
	m.mu.Unlock()
	return s, nil
}

// SnapshotAll returns snapshots for every registered device. Devices whose
// usage cannot be read are skipped and logged.
func (m *Monitor) SnapshotAll() []Snapshot {
	devs := m.usage.Devices()
	out := make([]Snapshot, 0, len(devs))
	for _, d := range devs {
		s, err := m.Snapshot(d)
		if err != nil {
			m.log.Warn().Err(err).Str("device", string(d)).Msg("snapshot failed")
			continue
		}
		out = append(out, s)
	}
	return out
}

// Watch calls fn with all snapshots every interval until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, fn func([]Snapshot)) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(m.SnapshotAll())
		}
	}
}
