package manager

import (
	"memcoord/internal/cache"
	"memcoord/internal/errs"
)

// Cache admits modelID into the RAM cache. A zero size is resolved through
// the registry.
func (m *Manager) Cache(modelID string, size uint64) (cache.Entry, error) {
	if modelID == "" {
		return cache.Entry{}, errs.New(errs.KindNotFound, "model id is required")
	}
	var (
		e   cache.Entry
		err error
	)
	if size == 0 {
		e, err = m.cache.CacheModel(modelID)
	} else {
		e, err = m.cache.Cache(modelID, size)
	}
	m.recordErr(err)
	return e, err
}

// Evict drops modelID from the RAM cache. Models resident in VRAM must be
// unloaded first.
func (m *Manager) Evict(modelID string) error {
	err := m.cache.Evict(modelID)
	if err != nil {
		return err
	}
	m.publish(Event{Name: EventCacheEvicted, ModelID: modelID, Fields: map[string]any{"reason": "explicit"}})
	return nil
}

// CacheEntries lists the RAM cache.
func (m *Manager) CacheEntries() []cache.Entry { return m.cache.Entries() }

// ResizeCache changes the RAM cache limit.
func (m *Manager) ResizeCache(limit uint64) { m.cache.Resize(limit) }
