package manager

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"memcoord/internal/cache"
	"memcoord/internal/coord"
	"memcoord/internal/devices"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/registry"
	"memcoord/internal/state"
	"memcoord/pkg/types"
)

type Manager struct {
	cfg      Config
	alloc    *memory.Allocator
	states   *state.Store
	cache    *cache.Cache
	coord    *coord.Coordinator
	monitor  *pressure.Monitor
	registry *registry.Registry
	devices  []devices.Device
	log      zerolog.Logger

	ensures   singleflight.Group
	startTime time.Time

	mu        sync.RWMutex
	publisher EventPublisher
	lastErr   string
	ops       map[string]*Op
	closers   []func() error
	closed    bool
}

// New wires a manager over d and subscribes to state and coordination
// outcomes so they are republished as events.
func New(cfg Config, d Deps) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		alloc:     d.Allocator,
		states:    d.States,
		cache:     d.Cache,
		coord:     d.Coordinator,
		monitor:   d.Monitor,
		registry:  d.Registry,
		devices:   append([]devices.Device(nil), d.Devices...),
		log:       log.With().Str("component", "manager").Logger(),
		startTime: time.Now(),
		publisher: noopPublisher{},
		ops:       make(map[string]*Op),
	}
	if m.cfg.DefaultDevice == "" {
		m.cfg.DefaultDevice = m.firstGPU()
	}
	m.states.Observe(m.onTransition)
	m.coord.Observe(m.onCoordination)
	return m
}

// SetEventPublisher replaces the event sink. nil restores the no-op sink.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(e)
}

// OnClose registers fn to run when the manager closes, in reverse order.
func (m *Manager) OnClose(fn func() error) {
	m.mu.Lock()
	m.closers = append(m.closers, fn)
	m.mu.Unlock()
}

// Close stops the coordinator and runs the registered closers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	closers := m.closers
	m.mu.Unlock()

	var errList []error
	if err := m.coord.Close(); err != nil {
		errList = append(errList, err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Ready reports whether the worker connection is alive.
func (m *Manager) Ready() bool {
	select {
	case <-m.coord.Done():
		return false
	default:
		return true
	}
}

func (m *Manager) ListModels() []types.Model {
	return m.registry.List()
}

// DefaultDevice is the device used when a caller names none.
func (m *Manager) DefaultDevice() memory.DeviceID { return m.cfg.DefaultDevice }

func (m *Manager) firstGPU() memory.DeviceID {
	for _, d := range m.devices {
		if d.Kind != memory.KindHost {
			return d.ID
		}
	}
	return ""
}

func (m *Manager) device(id memory.DeviceID) (devices.Device, bool) {
	for _, d := range m.devices {
		if d.ID == id {
			return d, true
		}
	}
	return devices.Device{}, false
}

func (m *Manager) recordErr(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

func (m *Manager) onTransition(tr state.Transition) {
	m.publish(Event{Name: EventTransition, ModelID: tr.ModelID, Fields: map[string]any{
		"event": string(tr.Event),
		"from":  string(tr.From),
		"to":    string(tr.To),
	}})
}

func (m *Manager) onCoordination(res coord.Result, err error) {
	fields := map[string]any{"action": res.Action, "reconciled": res.Reconciled, "cancelled": res.Cancelled}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.publish(Event{Name: EventCoordination, ModelID: res.ModelID, Device: string(res.Device), Fields: fields})
}
