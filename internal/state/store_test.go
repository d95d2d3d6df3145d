package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcoord/internal/errs"
	"memcoord/internal/memory"
)

func cachedStore(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := NewStore()
	for _, id := range ids {
		require.NoError(t, s.Cached(id, RAMRef{CacheID: "c-" + id, AllocationID: memory.AllocationID("a-" + id), Size: 100}))
	}
	return s
}

func TestUnknownModelIsAbsent(t *testing.T) {
	s := NewStore()
	st := s.Get("nope")
	assert.Equal(t, PhaseAbsent, st.Phase)
	assert.Nil(t, st.RAM)
	assert.Empty(t, s.List())
}

func TestLoadUnloadRoundTrip(t *testing.T) {
	s := cachedStore(t, "m")
	require.NoError(t, s.BeginLoad("m", "gpu0"))
	assert.Equal(t, PhaseLoadingVRAM, s.Get("m").Phase)
	require.NoError(t, s.CompleteLoad("m", VRAMRef{Device: "gpu0", Handle: "h1", Size: 100}))

	st := s.Get("m")
	assert.Equal(t, PhaseLoadedVRAM, st.Phase)
	require.NotNil(t, st.VRAM)
	require.NotNil(t, st.RAM)
	assert.Equal(t, uint64(100), s.VRAMBytes("gpu0"))

	require.NoError(t, s.BeginUnload("m"))
	require.NoError(t, s.CompleteUnload("m"))
	st = s.Get("m")
	assert.Equal(t, PhaseCachedRAM, st.Phase)
	assert.Nil(t, st.VRAM)
	assert.Zero(t, s.VRAMBytes("gpu0"))
}

func TestAbortPathsRestorePriorPhase(t *testing.T) {
	s := cachedStore(t, "m")
	require.NoError(t, s.BeginLoad("m", "gpu0"))
	require.NoError(t, s.AbortLoad("m"))
	assert.Equal(t, PhaseCachedRAM, s.Get("m").Phase)

	require.NoError(t, s.BeginLoad("m", "gpu0"))
	require.NoError(t, s.CompleteLoad("m", VRAMRef{Device: "gpu0", Size: 100}))
	require.NoError(t, s.BeginUnload("m"))
	require.NoError(t, s.AbortUnload("m"))
	assert.Equal(t, PhaseLoadedVRAM, s.Get("m").Phase)
}

func TestUndeclaredTransitionsRejected(t *testing.T) {
	s := cachedStore(t, "m")
	err := s.CompleteLoad("m", VRAMRef{Device: "gpu0"})
	assert.True(t, errs.IsInvalidTransition(err), "got %v", err)
	assert.True(t, errs.IsInvalidTransition(s.BeginUnload("m")))
	assert.True(t, errs.IsInvalidTransition(s.Cached("m", RAMRef{})))
	assert.Equal(t, PhaseCachedRAM, s.Get("m").Phase)

	assert.True(t, errs.IsNotFound(s.BeginLoad("ghost", "gpu0")))
}

func TestReconcileRollsBackInFlightLoad(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Cached("m", RAMRef{Size: 1}))
	require.NoError(t, s.BeginLoad("m", "gpu0"))
	_, err := s.Reconcile("m", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCachedRAM, s.Get("m").Phase)
}

func TestEvictionBlockedWhileInVRAM(t *testing.T) {
	s := cachedStore(t, "m")
	require.NoError(t, s.BeginLoad("m", "gpu0"))
	_, err := s.BeginEvict("m")
	assert.True(t, errs.IsEvictionBlocked(err), "loading: %v", err)

	require.NoError(t, s.CompleteLoad("m", VRAMRef{Device: "gpu0", Size: 100}))
	_, err = s.BeginEvict("m")
	assert.True(t, errs.IsEvictionBlocked(err), "loaded: %v", err)

	require.NoError(t, s.BeginUnload("m"))
	_, err = s.BeginEvict("m")
	assert.True(t, errs.IsEvictionBlocked(err), "unloading: %v", err)
	assert.Equal(t, PhaseUnloadingVRAM, s.Get("m").Phase)
}

func TestEvictLifecycle(t *testing.T) {
	s := cachedStore(t, "m")
	ref, err := s.BeginEvict("m")
	require.NoError(t, err)
	assert.Equal(t, "c-m", ref.CacheID)
	assert.Equal(t, PhaseEvictingRAM, s.Get("m").Phase)

	require.NoError(t, s.AbortEvict("m"))
	assert.Equal(t, PhaseCachedRAM, s.Get("m").Phase)

	_, err = s.BeginEvict("m")
	require.NoError(t, err)
	require.NoError(t, s.CompleteEvict("m"))
	assert.Equal(t, PhaseAbsent, s.Get("m").Phase)
	assert.Empty(t, s.List())

	_, err = s.BeginEvict("m")
	assert.True(t, errs.IsNotFound(err))
}

func TestReconcileTakesWorkerReport(t *testing.T) {
	s := cachedStore(t, "m")
	require.NoError(t, s.BeginLoad("m", "gpu0"))
	tr, err := s.Reconcile("m", &VRAMRef{Device: "gpu0", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, PhaseLoadingVRAM, tr.From)
	assert.Equal(t, PhaseLoadedVRAM, tr.To)

	tr, err = s.Reconcile("m", &VRAMRef{Device: "gpu0", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, tr.From, tr.To)

	require.NoError(t, s.Offloaded("m"))
	assert.Equal(t, PhaseCachedRAM, s.Get("m").Phase)
}

func TestObserversSeeEveryTransition(t *testing.T) {
	s := NewStore()
	var got []Event
	s.Observe(func(tr Transition) { got = append(got, tr.Event) })
	require.NoError(t, s.Cached("m", RAMRef{Size: 1}))
	require.NoError(t, s.BeginLoad("m", "gpu0"))
	require.NoError(t, s.AbortLoad("m"))
	_ = s.CompleteLoad("m", VRAMRef{})
	assert.Equal(t, []Event{EventCache, EventLoadStart, EventLoadFailed}, got)
}

func TestGetReturnsCopies(t *testing.T) {
	s := cachedStore(t, "m")
	st := s.Get("m")
	st.RAM.Size = 999
	assert.Equal(t, uint64(100), s.Get("m").RAM.Size)
	assert.Equal(t, []string{"m"}, s.InPhase(PhaseCachedRAM))
}
