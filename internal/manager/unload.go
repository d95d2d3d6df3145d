package manager

import (
	"context"

	"memcoord/internal/coord"
	"memcoord/internal/errs"
	"memcoord/internal/state"
)

// Unload asks the worker to drop modelID from VRAM and waits for the
// outcome. The model stays cached in RAM.
func (m *Manager) Unload(ctx context.Context, modelID string) (state.ModelState, error) {
	if modelID == "" {
		return state.ModelState{}, errs.New(errs.KindNotFound, "model id is required")
	}
	if st := m.states.Get(modelID); st.Phase != state.PhaseLoadedVRAM {
		if st.Phase == state.PhaseAbsent {
			return st, errs.New(errs.KindNotFound, "model has no memory state").WithModel(modelID)
		}
		return st, errs.New(errs.KindInvalidTransition, "model is %s, not loaded", st.Phase).WithModel(modelID)
	}
	_, err := m.unload(ctx, modelID)
	if err != nil {
		m.recordErr(err)
	}
	return m.states.Get(modelID), err
}

func (m *Manager) unload(ctx context.Context, modelID string) (coord.Result, error) {
	m.publish(Event{Name: EventUnloadStart, ModelID: modelID})
	p, err := m.coord.RequestUnload(ctx, modelID)
	if err != nil {
		return coord.Result{}, err
	}
	res, err := m.await(ctx, p)
	if err == nil {
		m.publish(Event{Name: EventUnloadDone, ModelID: modelID, Device: string(res.Device)})
	}
	return res, err
}
