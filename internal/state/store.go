// Package state holds the single authoritative per-model memory residency
// state machine. Other components change a model's phase only through the
// transition methods defined here.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/internal/errs"
	"memcoord/internal/memory"
)

// Phase is the lifecycle state of a model's memory residency.
type Phase string

const (
	PhaseAbsent        Phase = "absent"
	PhaseCachedRAM     Phase = "cached_ram"
	PhaseLoadingVRAM   Phase = "loading_vram"
	PhaseLoadedVRAM    Phase = "loaded_vram"
	PhaseUnloadingVRAM Phase = "unloading_vram"
	PhaseEvictingRAM   Phase = "evicting_ram"
)

// InVRAM reports whether the phase pins the model to the worker, which
// blocks RAM eviction.
func (p Phase) InVRAM() bool {
	return p == PhaseLoadingVRAM || p == PhaseLoadedVRAM || p == PhaseUnloadingVRAM
}

// RAMRef points at the cache entry backing a model.
type RAMRef struct {
	CacheID      string
	AllocationID memory.AllocationID
	Path         string
	Size         uint64
}

// VRAMRef is the worker-reported device residency of a model.
type VRAMRef struct {
	Device   memory.DeviceID
	Handle   string
	Size     uint64
	LoadedAt time.Time
}

// ModelState is a copy of one model's residency record.
type ModelState struct {
	ModelID string
	Phase   Phase
	RAM     *RAMRef
	VRAM    *VRAMRef
	// Target is the device a load or unload is in progress for.
	Target memory.DeviceID
	Since  time.Time
}

func (s *ModelState) clone() ModelState {
	c := *s
	if s.RAM != nil {
		r := *s.RAM
		c.RAM = &r
	}
	if s.VRAM != nil {
		v := *s.VRAM
		c.VRAM = &v
	}
	return c
}

// Event names a transition.
type Event string

const (
	EventCache        Event = "cache"
	EventLoadStart    Event = "load_start"
	EventLoadDone     Event = "load_done"
	EventLoadFailed   Event = "load_failed"
	EventUnloadStart  Event = "unload_start"
	EventUnloadDone   Event = "unload_done"
	EventUnloadFailed Event = "unload_failed"
	EventOffloaded    Event = "offloaded"
	EventEvictStart   Event = "evict_start"
	EventEvictDone    Event = "evict_done"
	EventEvictFailed  Event = "evict_failed"
	EventReconciled   Event = "reconciled"
)

type edge struct{ from, to Phase }

// transitions is the declared graph. A phase is reachable only through these edges.
var transitions = map[Event][]edge{
	EventCache:        {{PhaseAbsent, PhaseCachedRAM}},
	EventLoadStart:    {{PhaseCachedRAM, PhaseLoadingVRAM}},
	EventLoadDone:     {{PhaseLoadingVRAM, PhaseLoadedVRAM}},
	EventLoadFailed:   {{PhaseLoadingVRAM, PhaseCachedRAM}},
	EventUnloadStart:  {{PhaseLoadedVRAM, PhaseUnloadingVRAM}},
	EventUnloadDone:   {{PhaseUnloadingVRAM, PhaseCachedRAM}},
	EventUnloadFailed: {{PhaseUnloadingVRAM, PhaseLoadedVRAM}},
	EventOffloaded:    {{PhaseLoadedVRAM, PhaseCachedRAM}},
	EventEvictStart:   {{PhaseCachedRAM, PhaseEvictingRAM}},
	EventEvictDone:    {{PhaseEvictingRAM, PhaseAbsent}},
	EventEvictFailed:  {{PhaseEvictingRAM, PhaseCachedRAM}},
	EventReconciled: {
		{PhaseCachedRAM, PhaseLoadedVRAM},
		{PhaseLoadingVRAM, PhaseLoadedVRAM},
		{PhaseLoadingVRAM, PhaseCachedRAM},
		{PhaseUnloadingVRAM, PhaseLoadedVRAM},
		{PhaseUnloadingVRAM, PhaseCachedRAM},
		{PhaseLoadedVRAM, PhaseCachedRAM},
		{PhaseLoadedVRAM, PhaseLoadedVRAM},
		{PhaseCachedRAM, PhaseCachedRAM},
	},
}

func allowed(ev Event, from, to Phase) bool {
	for _, e := range transitions[ev] {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}

// Transition describes an applied state change.
type Transition struct {
	ModelID string
	Event   Event
	From    Phase
	To      Phase
	At      time.Time
}

// Store is the ModelStateStore.
type Store struct {
	mu        sync.RWMutex
	models    map[string]*ModelState
	observers []func(Transition)
	now       func() time.Time
	log       zerolog.Logger
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		models: make(map[string]*ModelState),
		now:    time.Now,
		log:    log.With().Str("component", "state").Logger(),
	}
}

// Observe registers fn to receive every applied transition. Observers run
// after the store lock is released and must not block.
func (s *Store) Observe(fn func(Transition)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Get returns a copy of a model's state; unknown models are Absent.
func (s *Store) Get(modelID string) ModelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.models[modelID]; ok {
		return st.clone()
	}
	return ModelState{ModelID: modelID, Phase: PhaseAbsent}
}

// List returns copies of all non-absent models ordered by id.
func (s *Store) List() []ModelState {
	s.mu.RLock()
	out := make([]ModelState, 0, len(s.models))
	for _, st := range s.models {
		out = append(out, st.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// InPhase returns ids of models currently in phase p, ordered by id.
func (s *Store) InPhase(p Phase) []string {
	s.mu.RLock()
	var out []string
	for id, st := range s.models {
		if st.Phase == p {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// VRAMBytes sums worker-reported residency on dev. It satisfies
// pressure.ExternalUsage.
func (s *Store) VRAMBytes(dev memory.DeviceID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for _, st := range s.models {
		if st.VRAM != nil && st.VRAM.Device == dev {
			n += st.VRAM.Size
		}
	}
	return n
}

// ExternalBytes is VRAMBytes under the pressure.ExternalUsage name.
func (s *Store) ExternalBytes(dev memory.DeviceID) uint64 { return s.VRAMBytes(dev) }

// apply runs one transition under the lock. mutate may adjust RAM/VRAM refs
// for the target phase; the result is checked against the phase/field rules.
func (s *Store) apply(modelID string, ev Event, to Phase, mutate func(*ModelState)) (Transition, error) {
	s.mu.Lock()
	st, ok := s.models[modelID]
	from := PhaseAbsent
	if ok {
		from = st.Phase
	}
	if !allowed(ev, from, to) {
		s.mu.Unlock()
		if from == PhaseAbsent {
			return Transition{}, errs.New(errs.KindNotFound, "model has no memory state").WithModel(modelID)
		}
		return Transition{}, errs.New(errs.KindInvalidTransition, "%s not allowed from %s to %s", ev, from, to).WithModel(modelID)
	}
	next := ModelState{ModelID: modelID}
	if ok {
		next = st.clone()
	}
	next.Phase = to
	if mutate != nil {
		mutate(&next)
	}
	if err := validate(&next); err != nil {
		s.mu.Unlock()
		return Transition{}, err
	}
	now := s.now()
	if from != to {
		next.Since = now
	}
	if to == PhaseAbsent {
		delete(s.models, modelID)
	} else {
		s.models[modelID] = &next
	}
	observers := s.observers
	s.mu.Unlock()

	tr := Transition{ModelID: modelID, Event: ev, From: from, To: to, At: now}
	transitionsTotal.WithLabelValues(string(ev)).Inc()
	s.log.Debug().Str("model", modelID).Str("event", string(ev)).Str("from", string(from)).Str("to", string(to)).Msg("transition")
	for _, fn := range observers {
		fn(tr)
	}
	return tr, nil
}

// validate enforces which references each phase may carry.
func validate(st *ModelState) error {
	bad := func(msg string) error {
		return errs.New(errs.KindInvalidTransition, "%s in phase %s", msg, st.Phase).WithModel(st.ModelID)
	}
	switch st.Phase {
	case PhaseAbsent:
		return nil
	case PhaseCachedRAM, PhaseEvictingRAM, PhaseLoadingVRAM:
		if st.RAM == nil {
			return bad("missing RAM reference")
		}
		if st.VRAM != nil {
			return bad("unexpected VRAM reference")
		}
	case PhaseLoadedVRAM, PhaseUnloadingVRAM:
		if st.RAM == nil {
			return bad("missing RAM reference")
		}
		if st.VRAM == nil {
			return bad("missing VRAM reference")
		}
	}
	return nil
}

// Cached records a freshly cached model: Absent -> CachedRAM.
func (s *Store) Cached(modelID string, ram RAMRef) error {
	_, err := s.apply(modelID, EventCache, PhaseCachedRAM, func(st *ModelState) {
		st.RAM = &ram
		st.VRAM = nil
	})
	return err
}

// BeginLoad marks a VRAM load as in flight: CachedRAM -> LoadingVRAM.
func (s *Store) BeginLoad(modelID string, dev memory.DeviceID) error {
	_, err := s.apply(modelID, EventLoadStart, PhaseLoadingVRAM, func(st *ModelState) { st.Target = dev })
	return err
}

// CompleteLoad records the worker's successful load: LoadingVRAM -> LoadedVRAM.
func (s *Store) CompleteLoad(modelID string, v VRAMRef) error {
	_, err := s.apply(modelID, EventLoadDone, PhaseLoadedVRAM, func(st *ModelState) {
		st.VRAM = &v
		st.Target = ""
	})
	return err
}

// AbortLoad rolls a failed or cancelled load back: LoadingVRAM -> CachedRAM.
func (s *Store) AbortLoad(modelID string) error {
	_, err := s.apply(modelID, EventLoadFailed, PhaseCachedRAM, func(st *ModelState) { st.Target = "" })
	return err
}

// BeginUnload marks a VRAM unload as in flight: LoadedVRAM -> UnloadingVRAM.
func (s *Store) BeginUnload(modelID string) error {
	_, err := s.apply(modelID, EventUnloadStart, PhaseUnloadingVRAM, func(st *ModelState) {
		if st.VRAM != nil {
			st.Target = st.VRAM.Device
		}
	})
	return err
}

// CompleteUnload records the worker's unload: UnloadingVRAM -> CachedRAM.
func (s *Store) CompleteUnload(modelID string) error {
	_, err := s.apply(modelID, EventUnloadDone, PhaseCachedRAM, func(st *ModelState) {
		st.VRAM = nil
		st.Target = ""
	})
	return err
}

// AbortUnload rolls a failed or cancelled unload back: UnloadingVRAM -> LoadedVRAM.
func (s *Store) AbortUnload(modelID string) error {
	_, err := s.apply(modelID, EventUnloadFailed, PhaseLoadedVRAM, func(st *ModelState) { st.Target = "" })
	return err
}

// Offloaded applies a worker-initiated unload: LoadedVRAM -> CachedRAM.
func (s *Store) Offloaded(modelID string) error {
	_, err := s.apply(modelID, EventOffloaded, PhaseCachedRAM, func(st *ModelState) { st.VRAM = nil })
	return err
}

// BeginEvict starts RAM eviction: CachedRAM -> EvictingRAM. Models resident
// or in transit to VRAM return EvictionBlocked.
func (s *Store) BeginEvict(modelID string) (RAMRef, error) {
	cur := s.Get(modelID)
	if cur.Phase.InVRAM() {
		return RAMRef{}, errs.New(errs.KindEvictionBlocked, "model is %s; unload from VRAM first", cur.Phase).WithModel(modelID)
	}
	var ref RAMRef
	_, err := s.apply(modelID, EventEvictStart, PhaseEvictingRAM, func(st *ModelState) {
		if st.RAM != nil {
			ref = *st.RAM
		}
	})
	if err != nil && errs.IsInvalidTransition(err) {
		// lost a race with a load that started after the check
		if now := s.Get(modelID); now.Phase.InVRAM() {
			return RAMRef{}, errs.New(errs.KindEvictionBlocked, "model is %s; unload from VRAM first", now.Phase).WithModel(modelID)
		}
	}
	return ref, err
}

// CompleteEvict drops the model: EvictingRAM -> Absent.
func (s *Store) CompleteEvict(modelID string) error {
	_, err := s.apply(modelID, EventEvictDone, PhaseAbsent, nil)
	return err
}

// AbortEvict restores a model whose backing allocation could not be freed.
func (s *Store) AbortEvict(modelID string) error {
	_, err := s.apply(modelID, EventEvictFailed, PhaseCachedRAM, nil)
	return err
}

// Reconcile applies worker-reported truth. A nil v means the worker holds no
// VRAM copy. The returned transition has From == To when nothing moved.
func (s *Store) Reconcile(modelID string, v *VRAMRef) (Transition, error) {
	to := PhaseCachedRAM
	if v != nil {
		to = PhaseLoadedVRAM
	}
	return s.apply(modelID, EventReconciled, to, func(st *ModelState) {
		st.Target = ""
		if v == nil {
			st.VRAM = nil
			return
		}
		c := *v
		st.VRAM = &c
	})
}
