package manager

import "sync"

// MemoryPublisher records events, optionally bounded to the most recent
// Capacity entries.
type MemoryPublisher struct {
	// Capacity bounds the log; zero keeps everything.
	Capacity int

	mu     sync.Mutex
	events []Event
	total  uint64
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.events = append(p.events, e)
	if p.Capacity > 0 && len(p.events) > p.Capacity {
		p.events = append(p.events[:0], p.events[len(p.events)-p.Capacity:]...)
	}
}

// Named returns the recorded events called name, oldest first.
func (p *MemoryPublisher) Named(name string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// ForModel returns the recorded events about modelID, oldest first.
func (p *MemoryPublisher) ForModel(modelID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.ModelID == modelID {
			out = append(out, e)
		}
	}
	return out
}

// Total counts every event ever published, including dropped ones.
func (p *MemoryPublisher) Total() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// multiPublisher fans an event out to several publishers.
type multiPublisher []EventPublisher

func (m multiPublisher) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// FanOut combines publishers; nil entries are skipped.
func FanOut(pubs ...EventPublisher) EventPublisher {
	var out multiPublisher
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
