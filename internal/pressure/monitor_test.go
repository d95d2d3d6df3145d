package pressure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcoord/internal/memory"
)

const mib = uint64(1 << 20)

func newAllocator(t *testing.T, capacity uint64) *memory.Allocator {
	t.Helper()
	a := memory.NewAllocator(memory.NewTracker(), memory.AllocatorConfig{SafetyMargin: -1})
	require.NoError(t, a.RegisterDevice("gpu0", memory.NewDiscreteGPUBackend("gpu0", capacity, memory.BestFit)))
	return a
}

type staticExternal map[memory.DeviceID]uint64

func (s staticExternal) ExternalBytes(dev memory.DeviceID) uint64 { return s[dev] }

func TestClassifyDefaults(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		ratio float64
		want  Level
	}{
		{0, LevelLow},
		{0.69, LevelLow},
		{0.70, LevelModerate},
		{0.849, LevelModerate},
		{0.85, LevelHigh},
		{0.9499, LevelHigh},
		{0.95, LevelCritical},
		{1.0, LevelCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, th.Classify(c.ratio), "ratio %v", c.ratio)
	}
}

func TestActionsAreDeterministic(t *testing.T) {
	assert.Empty(t, ActionsFor(LevelLow))
	assert.Equal(t, []Action{ActionMonitorOnly}, ActionsFor(LevelModerate))
	assert.Equal(t, []Action{ActionEvictLeastRecentlyUsed}, ActionsFor(LevelHigh))
	assert.Equal(t, []Action{ActionEvictLeastRecentlyUsed, ActionTriggerRemoteOptimization}, ActionsFor(LevelCritical))
}

func TestThresholdValidation(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Moderate: 0.9, High: 0.8, Critical: 0.95}.Validate())
	assert.Error(t, Thresholds{Moderate: 0.5, High: 0.8, Critical: 1.2}.Validate())
}

func TestSnapshotTracksAllocations(t *testing.T) {
	a := newAllocator(t, 100*mib)
	m, err := NewMonitor(a, a.Tracker(), nil, Thresholds{})
	require.NoError(t, err)

	s, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Equal(t, LevelLow, s.Level)

	_, err = a.Allocate("gpu0", 90*mib, memory.PurposeWorking, "")
	require.NoError(t, err)
	s, err = m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, s.Level)
	assert.Equal(t, 90*mib, s.Used)
	assert.Equal(t, 10*mib, s.Available)
	assert.Equal(t, 20*mib, s.BytesAbove(0.70))
}

func TestSnapshotReusedUntilGenerationChanges(t *testing.T) {
	a := newAllocator(t, 100*mib)
	m, err := NewMonitor(a, a.Tracker(), nil, Thresholds{})
	require.NoError(t, err)
	s1, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	s2, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Equal(t, s1.TakenAt, s2.TakenAt)

	_, err = a.Allocate("gpu0", mib, memory.PurposeWorking, "")
	require.NoError(t, err)
	s3, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Greater(t, s3.Generation, s1.Generation)
}

func TestExternalUsageCounts(t *testing.T) {
	a := newAllocator(t, 100*mib)
	m, err := NewMonitor(a, a.Tracker(), staticExternal{"gpu0": 96 * mib}, Thresholds{})
	require.NoError(t, err)
	s, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, s.Level)
	assert.Contains(t, s.Actions, ActionTriggerRemoteOptimization)
}

func TestSnapshotWithExternalUsageReusedUntilBytesChange(t *testing.T) {
	a := newAllocator(t, 100*mib)
	ext := staticExternal{"gpu0": 10 * mib}
	m, err := NewMonitor(a, a.Tracker(), ext, Thresholds{})
	require.NoError(t, err)
	s1, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	s2, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Equal(t, s1.TakenAt, s2.TakenAt)

	ext["gpu0"] = 90 * mib
	s3, err := m.Snapshot("gpu0")
	require.NoError(t, err)
	assert.Equal(t, s1.Generation, s3.Generation)
	assert.Equal(t, 90*mib, s3.Used)
	assert.Equal(t, LevelHigh, s3.Level)
}

func TestWatchDeliversSnapshots(t *testing.T) {
	a := newAllocator(t, 100*mib)
	m, err := NewMonitor(a, a.Tracker(), nil, Thresholds{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan []Snapshot, 1)
	go func() {
		_ = m.Watch(ctx, 10*time.Millisecond, func(s []Snapshot) {
			select {
			case got <- s:
			default:
			}
		})
	}()
	select {
	case s := <-got:
		require.Len(t, s, 1)
		assert.Equal(t, memory.DeviceID("gpu0"), s[0].Device)
	case <-ctx.Done():
		t.Fatal("no snapshot delivered")
	}
}
