package manager

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"memcoord/internal/errs"
	"memcoord/internal/memory"
)

// maxOps bounds the finished operations kept for polling.
const maxOps = 256

// Switch kicks off an EnsureModel in the background and returns an operation
// ID. Callers poll Op to observe the outcome.
func (m *Manager) Switch(ctx context.Context, modelID string, dev memory.DeviceID) (string, error) {
	if modelID == "" {
		return "", errs.New(errs.KindNotFound, "model id is required")
	}
	if dev == "" {
		dev = m.cfg.DefaultDevice
	}
	op := &Op{ID: uuid.NewString(), ModelID: modelID, Device: string(dev), Started: time.Now()}
	m.mu.Lock()
	m.ops[op.ID] = op
	m.pruneOpsLocked()
	m.mu.Unlock()
	// detached so the caller's request ending does not abort the load
	bg := context.WithoutCancel(ctx)
	go func() {
		_, err := m.EnsureModel(bg, modelID, dev)
		m.mu.Lock()
		op.Done = true
		op.Finished = time.Now()
		if err != nil {
			op.Err = err.Error()
		}
		m.mu.Unlock()
	}()
	return op.ID, nil
}

// Op returns a copy of a background operation.
func (m *Manager) Op(id string) (Op, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	if !ok {
		return Op{}, false
	}
	return *op, true
}

func (m *Manager) pruneOpsLocked() {
	if len(m.ops) <= maxOps {
		return
	}
	var done []*Op
	for _, op := range m.ops {
		if op.Done {
			done = append(done, op)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Finished.Before(done[j].Finished) })
	for _, op := range done {
		if len(m.ops) <= maxOps {
			return
		}
		delete(m.ops, op.ID)
	}
}
