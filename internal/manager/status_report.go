package manager

import (
	"time"

	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/state"
	"memcoord/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	lastErr := m.lastErr
	m.mu.RUnlock()
	s := Snapshot{
		State:     StateReady,
		InFlight:  m.coord.InFlight(),
		Cached:    m.cache.Usage().Entries,
		Loaded:    len(m.states.InPhase(state.PhaseLoadedVRAM)),
		LastError: lastErr,
		Uptime:    time.Since(m.startTime),
	}
	if !m.Ready() {
		s.State = StateDegraded
	}
	return s
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	snap := m.Snapshot()
	snaps := make(map[memory.DeviceID]pressure.Snapshot)
	for _, s := range m.monitor.SnapshotAll() {
		snaps[s.Device] = s
	}
	resp := types.StatusResponse{
		InFlight:       snap.InFlight,
		LastError:      snap.LastError,
		UptimeSeconds:  int64(snap.Uptime / time.Second),
		ServerTimeUnix: time.Now().Unix(),
	}
	for _, id := range m.alloc.Devices() {
		rep, err := m.alloc.Usage(id)
		if err != nil {
			continue
		}
		ds := types.DeviceStatus{
			ID:             string(id),
			CapacityBytes:  rep.Capacity,
			UsedBytes:      rep.Used,
			AvailableBytes: rep.Available,
			MarginBytes:    rep.Margin,
			Allocations:    rep.Count,
		}
		if d, ok := m.device(id); ok {
			ds.Kind = string(d.Kind)
		}
		if f, err := m.alloc.Fragmentation(id); err == nil {
			ds.FragmentationRatio = f.Ratio
		}
		if s, ok := snaps[id]; ok {
			ds.PressureLevel = string(s.Level)
			ds.UsageRatio = s.Ratio
		}
		resp.Devices = append(resp.Devices, ds)
	}
	cs := m.cache.Usage()
	resp.Cache = types.CacheStatus{LimitBytes: cs.Limit, UsedBytes: cs.Used, Entries: cs.Entries}
	for _, st := range m.states.List() {
		resp.Models = append(resp.Models, ModelStatusOf(st))
	}
	return resp
}

// ModelStatusOf projects one residency record for the API.
func ModelStatusOf(st state.ModelState) types.ModelStatus {
	ms := types.ModelStatus{ModelID: st.ModelID, Phase: string(st.Phase), SinceUnix: st.Since.Unix()}
	if st.RAM != nil {
		ms.RAMBytes = st.RAM.Size
	}
	switch {
	case st.VRAM != nil:
		ms.VRAMBytes = st.VRAM.Size
		ms.VRAMHandle = st.VRAM.Handle
		ms.Device = string(st.VRAM.Device)
	case st.Target != "":
		ms.Device = string(st.Target)
	}
	return ms
}
