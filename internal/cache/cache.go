// Package cache implements the host-RAM model cache. Each entry is backed by
// a ModelCache allocation on the host device and mirrored in the state store.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/internal/errs"
	"memcoord/internal/memory"
	"memcoord/internal/state"
)

// Status of a cache entry.
type Status string

const (
	StatusCached   Status = "cached"
	StatusEvicting Status = "evicting"
)

// Entry is one cached model.
type Entry struct {
	ModelID      string
	CacheID      string
	AllocationID memory.AllocationID
	Path         string
	Size         uint64
	CachedAt     time.Time
	LastAccessed time.Time
	AccessCount  uint64
	Status       Status
}

// Stats summarizes cache occupancy.
type Stats struct {
	Limit   uint64
	Used    uint64
	Entries int
}

// Allocator is the subset of memory.Allocator the cache needs.
type Allocator interface {
	Allocate(dev memory.DeviceID, size uint64, purpose memory.Purpose, owner string) (memory.Allocation, error)
	Deallocate(id memory.AllocationID) error
	Usage(dev memory.DeviceID) (memory.Report, error)
}

// Resolver finds a model's on-disk location and size.
type Resolver interface {
	Resolve(modelID string) (path string, size uint64, err error)
}

// Options configure a Cache.
type Options struct {
	// Device backing the cache; defaults to memory.HostDevice.
	Device memory.DeviceID
	// Limit caps the bytes held by the cache. Zero means bounded only by the device.
	Limit    uint64
	Resolver Resolver
}

// Cache is the RAMModelCache.
type Cache struct {
	alloc    Allocator
	states   *state.Store
	resolver Resolver
	device   memory.DeviceID
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex // serializes admission and eviction
	limit   uint64
	used    uint64
	entries map[string]*Entry
}

// New builds a cache over alloc and states.
func New(alloc Allocator, states *state.Store, opts Options) *Cache {
	dev := opts.Device
	if dev == "" {
		dev = memory.HostDevice
	}
	return &Cache{
		alloc:    alloc,
		states:   states,
		resolver: opts.Resolver,
		device:   dev,
		limit:    opts.Limit,
		log:      log.With().Str("component", "cache").Logger(),
		now:      time.Now,
		entries:  make(map[string]*Entry),
	}
}

// Device returns the device backing the cache.
func (c *Cache) Device() memory.DeviceID { return c.device }

// Cache admits modelID with the given size estimate. An already cached model
// is touched and returned. Admission evicts least recently used entries to
// stay under the limit, and retries once after evicting when the host
// allocation itself fails; a second failure is CacheFull.
func (c *Cache) Cache(modelID string, size uint64) (Entry, error) {
	return c.admit(modelID, "", size)
}

// CacheModel resolves modelID through the configured resolver and caches it.
func (c *Cache) CacheModel(modelID string) (Entry, error) {
	if c.resolver == nil {
		return Entry{}, errs.New(errs.KindNotFound, "no model resolver configured").WithModel(modelID)
	}
	path, size, err := c.resolver.Resolve(modelID)
	if err != nil {
		return Entry{}, err
	}
	return c.admit(modelID, path, size)
}

func (c *Cache) admit(modelID, path string, size uint64) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[modelID]; ok && e.Status == StatusCached {
		c.touchLocked(e)
		hitsTotal.Inc()
		return *e, nil
	}
	missesTotal.Inc()
	if size == 0 {
		return Entry{}, errs.New(errs.KindCacheFull, "size estimate must be positive").WithModel(modelID)
	}
	if c.limit > 0 && size > c.limit {
		return Entry{}, errs.New(errs.KindCacheFull, "model larger than cache limit %s", humanize.IBytes(c.limit)).
			WithModel(modelID).WithSize(size)
	}
	if c.limit > 0 && c.used+size > c.limit {
		need := c.used + size - c.limit
		if freed := c.evictLocked(need, "limit"); freed < need {
			return Entry{}, errs.New(errs.KindCacheFull, "could free only %s of %s", humanize.IBytes(freed), humanize.IBytes(need)).
				WithModel(modelID).WithSize(size)
		}
	}

	a, err := c.alloc.Allocate(c.device, size, memory.PurposeModelCache, modelID)
	if errs.IsInsufficientMemory(err) {
		need := c.shortfall(size)
		freed := c.evictLocked(need, "host")
		c.log.Debug().Str("model", modelID).Str("freed", humanize.IBytes(freed)).Msg("retrying cache allocation")
		a, err = c.alloc.Allocate(c.device, size, memory.PurposeModelCache, modelID)
		if errs.IsInsufficientMemory(err) {
			return Entry{}, errs.Wrap(errs.KindCacheFull, err, "eviction could not free enough host memory").
				WithModel(modelID).WithSize(size)
		}
	}
	if err != nil {
		return Entry{}, err
	}

	now := c.now()
	e := &Entry{
		ModelID:      modelID,
		CacheID:      uuid.NewString(),
		AllocationID: a.ID,
		Path:         path,
		Size:         size,
		CachedAt:     now,
		LastAccessed: now,
		AccessCount:  1,
		Status:       StatusCached,
	}
	if err := c.states.Cached(modelID, state.RAMRef{CacheID: e.CacheID, AllocationID: a.ID, Path: path, Size: size}); err != nil {
		if derr := c.alloc.Deallocate(a.ID); derr != nil {
			c.log.Error().Err(derr).Str("model", modelID).Msg("releasing allocation after state rejection failed")
		}
		return Entry{}, err
	}
	c.entries[modelID] = e
	c.used += size
	usedBytes.Set(float64(c.used))
	c.log.Info().Str("model", modelID).Str("size", humanize.IBytes(size)).Str("cache_id", e.CacheID).Msg("cached")
	return *e, nil
}

// shortfall estimates how many bytes must be released on the device before
// size fits.
func (c *Cache) shortfall(size uint64) uint64 {
	r, err := c.alloc.Usage(c.device)
	if err != nil || r.Available >= size {
		// placement failed despite headroom (fragmentation); free at least size
		return size
	}
	return size - r.Available
}

// candidatesLocked lists evictable entries: CachedRAM phase, least recently
// used first, then larger first, then by model id.
func (c *Cache) candidatesLocked() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Status != StatusCached {
			continue
		}
		if c.states.Get(e.ModelID).Phase != state.PhaseCachedRAM {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return a.ModelID < b.ModelID
	})
	return out
}

// evictLocked evicts candidates in LRU order until at least need bytes are
// freed or none remain. It returns the bytes freed.
func (c *Cache) evictLocked(need uint64, reason string) uint64 {
	var freed uint64
	for _, e := range c.candidatesLocked() {
		if freed >= need {
			break
		}
		size := e.Size
		if err := c.evictEntryLocked(e); err != nil {
			c.log.Warn().Err(err).Str("model", e.ModelID).Msg("eviction candidate skipped")
			continue
		}
		evictionsTotal.WithLabelValues(reason).Inc()
		freed += size
	}
	return freed
}

func (c *Cache) evictEntryLocked(e *Entry) error {
	if _, err := c.states.BeginEvict(e.ModelID); err != nil {
		return err
	}
	e.Status = StatusEvicting
	if err := c.alloc.Deallocate(e.AllocationID); err != nil {
		e.Status = StatusCached
		if aerr := c.states.AbortEvict(e.ModelID); aerr != nil {
			c.log.Error().Err(aerr).Str("model", e.ModelID).Msg("abort evict failed")
		}
		return err
	}
	delete(c.entries, e.ModelID)
	c.used -= e.Size
	usedBytes.Set(float64(c.used))
	if err := c.states.CompleteEvict(e.ModelID); err != nil {
		// allocation and entry are already gone; the state store is the only stale piece
		c.log.Error().Err(err).Str("model", e.ModelID).Msg("complete evict failed")
		return err
	}
	c.log.Info().Str("model", e.ModelID).Str("size", humanize.IBytes(e.Size)).Msg("evicted")
	return nil
}

// Evict removes modelID from the cache and releases its allocation. Models
// loaded in (or moving to or from) VRAM return EvictionBlocked.
func (c *Cache) Evict(modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		if st := c.states.Get(modelID); st.Phase.InVRAM() {
			return errs.New(errs.KindEvictionBlocked, "model is %s; unload from VRAM first", st.Phase).WithModel(modelID)
		}
		return errs.New(errs.KindNotFound, "model not cached").WithModel(modelID)
	}
	if err := c.evictEntryLocked(e); err != nil {
		return err
	}
	evictionsTotal.WithLabelValues("explicit").Inc()
	return nil
}

// EvictLRU evicts least recently used entries until bytes are freed or no
// candidates remain. It returns the evicted model ids and the bytes freed.
func (c *Cache) EvictLRU(bytes uint64) ([]string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		evicted []string
		freed   uint64
	)
	for _, e := range c.candidatesLocked() {
		if freed >= bytes {
			break
		}
		id, size := e.ModelID, e.Size
		if err := c.evictEntryLocked(e); err != nil {
			c.log.Warn().Err(err).Str("model", id).Msg("eviction candidate skipped")
			continue
		}
		evictionsTotal.WithLabelValues("pressure").Inc()
		evicted = append(evicted, id)
		freed += size
	}
	return evicted, freed
}

// Touch records an access to modelID.
func (c *Cache) Touch(modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		return errs.New(errs.KindNotFound, "model not cached").WithModel(modelID)
	}
	c.touchLocked(e)
	return nil
}

func (c *Cache) touchLocked(e *Entry) {
	e.LastAccessed = c.now()
	e.AccessCount++
}

// Lookup returns a copy of modelID's entry without counting an access.
func (c *Cache) Lookup(modelID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries ordered by model id.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Usage reports the current occupancy.
func (c *Cache) Usage() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Limit: c.limit, Used: c.used, Entries: len(c.entries)}
}

// Resize changes the cache limit. Entries above a lowered limit are
// reclaimed on the next admission.
func (c *Cache) Resize(limit uint64) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
	c.log.Info().Str("limit", humanize.IBytes(limit)).Msg("cache resized")
}
