package manager

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMemoryPublisher_Capacity(t *testing.T) {
	p := &MemoryPublisher{Capacity: 2}
	p.Publish(Event{Name: EventEnsureStart, ModelID: "a.gguf"})
	p.Publish(Event{Name: EventEnsureReady, ModelID: "a.gguf"})
	p.Publish(Event{Name: EventEnsureStart, ModelID: "b.gguf"})

	assert.Equal(t, uint64(3), p.Total())
	assert.Len(t, p.Named(EventEnsureStart), 1)
	assert.Len(t, p.ForModel("a.gguf"), 1)
	assert.Len(t, p.ForModel("b.gguf"), 1)
}

func TestFanOut(t *testing.T) {
	a, b := NewMemoryPublisher(), NewMemoryPublisher()
	pub := FanOut(a, nil, b)
	pub.Publish(Event{Name: EventFreed})
	assert.Len(t, a.Named(EventFreed), 1)
	assert.Len(t, b.Named(EventFreed), 1)

	assert.Same(t, a, FanOut(nil, a))
}

func TestMetricsPublisher(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues(EventPressure))
	MetricsPublisher{}.Publish(Event{Name: EventPressure})
	assert.Equal(t, before+1, testutil.ToFloat64(eventsTotal.WithLabelValues(EventPressure)))
}
