package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Event names published by the manager.
const (
	EventTransition   = "transition"
	EventCoordination = "coordination"
	EventEnsureStart  = "ensure_start"
	EventEnsureReady  = "ensure_ready"
	EventEnsureFailed = "ensure_failed"
	EventUnloadStart  = "unload_start"
	EventUnloadDone   = "unload_done"
	EventCacheEvicted = "cache_evicted"
	EventPressure     = "pressure"
	EventAllocated    = "allocated"
	EventFreed        = "freed"
)

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Device  string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes every event to l at debug level.
type LogPublisher struct{ L zerolog.Logger }

func (p LogPublisher) Publish(e Event) {
	ev := p.L.Debug().Str("event", e.Name)
	if e.ModelID != "" {
		ev = ev.Str("model", e.ModelID)
	}
	if e.Device != "" {
		ev = ev.Str("device", e.Device)
	}
	ev.Fields(e.Fields).Msg("event")
}

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "memcoord",
	Subsystem: "manager",
	Name:      "events_total",
	Help:      "Manager events by name.",
}, []string{"event"})

func init() { prometheus.MustRegister(eventsTotal) }

// MetricsPublisher counts events in memcoord_manager_events_total.
type MetricsPublisher struct{}

func (MetricsPublisher) Publish(e Event) { eventsTotal.WithLabelValues(e.Name).Inc() }
