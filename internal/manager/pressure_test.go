package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/state"
)

func TestRelieve_EvictsHostCache(t *testing.T) {
	m := newTestManager(t, 4096, 100, "a.gguf", "b.gguf")
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	for _, id := range []string{"a.gguf", "b.gguf"} {
		_, err := m.Cache(id, 0)
		require.NoError(t, err)
	}

	r := m.Relieve(context.Background(), []pressure.Snapshot{{
		Device:  memory.HostDevice,
		Total:   1000,
		Used:    800,
		Level:   pressure.LevelHigh,
		Actions: pressure.ActionsFor(pressure.LevelHigh),
	}})
	assert.Equal(t, []string{"a.gguf"}, r.Evicted)
	assert.Equal(t, uint64(100), r.FreedRAM)
	assert.Equal(t, "high", r.Levels["host"])
	assert.Empty(t, r.Errors)
	assert.Equal(t, state.PhaseAbsent, m.states.Get("a.gguf").Phase)
	assert.Equal(t, state.PhaseCachedRAM, m.states.Get("b.gguf").Phase)

	assert.Len(t, pub.Named(EventPressure), 1)
	evicted := pub.Named(EventCacheEvicted)
	require.Len(t, evicted, 1)
	assert.Equal(t, "pressure", evicted[0].Fields["reason"])
}

func TestRelieve_SkipsLoadedModels(t *testing.T) {
	m := newTestManager(t, 4096, 100, "a.gguf")
	_, err := m.EnsureModel(testCtx(t), "a.gguf", "gpu0")
	require.NoError(t, err)

	r := m.Relieve(context.Background(), []pressure.Snapshot{{
		Device:  memory.HostDevice,
		Total:   100,
		Used:    100,
		Level:   pressure.LevelCritical,
		Actions: []pressure.Action{pressure.ActionEvictLeastRecentlyUsed},
	}})
	assert.Empty(t, r.Evicted)
	assert.Equal(t, state.PhaseLoadedVRAM, m.states.Get("a.gguf").Phase)
}

func TestRelieve_OptimizesGPU(t *testing.T) {
	m := newTestManager(t, 300, 100, "a.gguf", "b.gguf")
	ctx := testCtx(t)
	for _, id := range []string{"a.gguf", "b.gguf"} {
		_, err := m.EnsureModel(ctx, id, "gpu0")
		require.NoError(t, err)
	}

	r := m.Relieve(ctx, []pressure.Snapshot{{
		Device:  "gpu0",
		Total:   300,
		Used:    290,
		Level:   pressure.LevelCritical,
		Actions: pressure.ActionsFor(pressure.LevelCritical),
	}})
	require.Empty(t, r.Errors)
	assert.Equal(t, []string{"a.gguf"}, r.Optimized)
	assert.Equal(t, uint64(100), r.FreedVRAM)
	assert.Equal(t, state.PhaseCachedRAM, m.states.Get("a.gguf").Phase)
	assert.Equal(t, state.PhaseLoadedVRAM, m.states.Get("b.gguf").Phase)
}

func TestRelieve_OptimizesGPUAtHigh(t *testing.T) {
	m := newTestManager(t, 220, 100, "a.gguf", "b.gguf")
	ctx := testCtx(t)
	for _, id := range []string{"a.gguf", "b.gguf"} {
		_, err := m.EnsureModel(ctx, id, "gpu0")
		require.NoError(t, err)
	}

	r := m.Relieve(ctx, []pressure.Snapshot{{
		Device:  "gpu0",
		Total:   220,
		Used:    200,
		Ratio:   200.0 / 220,
		Level:   pressure.LevelHigh,
		Actions: pressure.ActionsFor(pressure.LevelHigh),
	}})
	require.Empty(t, r.Errors)
	assert.Equal(t, []string{"a.gguf"}, r.Optimized)
	assert.Equal(t, uint64(100), r.FreedVRAM)
	assert.Equal(t, state.PhaseCachedRAM, m.states.Get("a.gguf").Phase)
	assert.Equal(t, state.PhaseLoadedVRAM, m.states.Get("b.gguf").Phase)
}

func TestRelieve_LowPressureIsNoop(t *testing.T) {
	m := newTestManager(t, 4096, 100, "a.gguf")
	_, err := m.Cache("a.gguf", 0)
	require.NoError(t, err)
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)

	r := m.Relieve(context.Background(), []pressure.Snapshot{{
		Device:  memory.HostDevice,
		Total:   1000,
		Used:    100,
		Level:   pressure.LevelLow,
		Actions: pressure.ActionsFor(pressure.LevelLow),
	}})
	assert.Empty(t, r.Evicted)
	assert.Empty(t, pub.Named(EventPressure))
	assert.Len(t, m.Pressure(), 2)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	m := newTestManager(t, 4096, 100)
	m.cfg.PressureInterval = 10 * time.Millisecond
	m.cfg.SyncInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_FailsWhenWorkerGoesAway(t *testing.T) {
	m := newTestManager(t, 4096, 100)
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	require.NoError(t, m.coord.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the worker went away")
	}
}
