package manager

import (
	"context"

	"github.com/dustin/go-humanize"

	"memcoord/internal/coord"
	"memcoord/internal/errs"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/state"
)

// EnsureModel makes modelID resident in VRAM on dev (the default device when
// empty). The model is cached in RAM first when needed. A model resident on
// another device is unloaded and loaded again on dev. Concurrent calls for
// the same model and device share one attempt.
func (m *Manager) EnsureModel(ctx context.Context, modelID string, dev memory.DeviceID) (state.ModelState, error) {
	if modelID == "" {
		return state.ModelState{}, errs.New(errs.KindNotFound, "model id is required")
	}
	if dev == "" {
		dev = m.cfg.DefaultDevice
	}
	if d, ok := m.device(dev); !ok || d.Kind == memory.KindHost {
		return m.states.Get(modelID), errs.New(errs.KindDeviceUnavailable, "not a VRAM device").WithDevice(string(dev)).WithModel(modelID)
	}
	v, err, _ := m.ensures.Do(modelID+"@"+string(dev), func() (any, error) {
		return m.ensure(ctx, modelID, dev)
	})
	st, _ := v.(state.ModelState)
	return st, err
}

func (m *Manager) ensure(ctx context.Context, modelID string, dev memory.DeviceID) (st state.ModelState, err error) {
	m.publish(Event{Name: EventEnsureStart, ModelID: modelID, Device: string(dev)})
	defer func() {
		if err != nil {
			m.recordErr(err)
			m.publish(Event{Name: EventEnsureFailed, ModelID: modelID, Device: string(dev), Fields: map[string]any{"error": err.Error()}})
			return
		}
		m.publish(Event{Name: EventEnsureReady, ModelID: modelID, Device: string(dev)})
	}()

	cur := m.states.Get(modelID)
	switch cur.Phase {
	case state.PhaseLoadedVRAM:
		if cur.VRAM.Device == dev {
			_ = m.cache.Touch(modelID)
			return cur, nil
		}
		m.log.Info().Str("model", modelID).Str("from", string(cur.VRAM.Device)).Str("to", string(dev)).Msg("moving model")
		if _, err := m.unload(ctx, modelID); err != nil {
			return m.states.Get(modelID), err
		}
	case state.PhaseLoadingVRAM, state.PhaseUnloadingVRAM, state.PhaseEvictingRAM:
		return cur, errs.New(errs.KindRequestAlreadyInFlight, "model is %s", cur.Phase).WithModel(modelID)
	}

	entry, cached := m.cache.Lookup(modelID)
	if cached {
		_ = m.cache.Touch(modelID)
	} else {
		if entry, err = m.cache.CacheModel(modelID); err != nil {
			return m.states.Get(modelID), err
		}
	}

	_, err = m.load(ctx, modelID, dev)
	if errs.IsInsufficientMemory(err) && !m.cfg.NoOptimizeRetry {
		m.log.Info().Str("model", modelID).Str("device", string(dev)).Str("need", humanize.IBytes(entry.Size)).
			Msg("load rejected for VRAM; optimizing and retrying once")
		if oerr := m.optimize(ctx, dev, pressure.LevelCritical, m.vramShortfall(dev, entry.Size)); oerr != nil {
			m.log.Warn().Err(oerr).Str("device", string(dev)).Msg("optimize before retry failed")
		} else {
			_, err = m.load(ctx, modelID, dev)
		}
	}
	return m.states.Get(modelID), err
}

// load runs one RequestLoad round. When ctx ends first the request is
// cancelled; a completion that wins the race still counts.
func (m *Manager) load(ctx context.Context, modelID string, dev memory.DeviceID) (coord.Result, error) {
	p, err := m.coord.RequestLoad(ctx, modelID, dev)
	if err != nil {
		return coord.Result{}, err
	}
	return m.await(ctx, p)
}

func (m *Manager) await(ctx context.Context, p *coord.Pending) (coord.Result, error) {
	res, err := p.Wait(ctx)
	if err == nil || ctx.Err() == nil {
		return res, err
	}
	if p.Settled() {
		return p.Wait(context.WithoutCancel(ctx))
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CancelTimeout)
	defer cancel()
	if cerr := p.Cancel(cctx); cerr != nil {
		m.log.Warn().Err(cerr).Str("model", p.ModelID).Str("action", p.Action).Msg("cancel failed")
		return res, err
	}
	// either the cancel or a racing completion has resolved p by now, unless
	// the worker never answered
	select {
	case <-p.Done():
		return p.Wait(context.Background())
	case <-cctx.Done():
		return res, err
	}
}

// vramShortfall estimates how much must be freed on dev to fit size, from
// local residency. When the local view says it fits, the worker disagreed,
// so the whole size is requested.
func (m *Manager) vramShortfall(dev memory.DeviceID, size uint64) uint64 {
	d, ok := m.device(dev)
	if !ok {
		return size
	}
	used := m.states.VRAMBytes(dev)
	if used >= d.Capacity {
		return size
	}
	if free := d.Capacity - used; free < size {
		return size - free
	}
	return size
}

func (m *Manager) optimize(ctx context.Context, dev memory.DeviceID, level pressure.Level, target uint64) error {
	p, err := m.coord.Optimize(ctx, dev, level, target)
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if res.Optimize != nil {
		m.log.Info().Str("device", string(dev)).Int("unloaded", len(res.Optimize.Unloaded)).
			Str("freed", humanize.IBytes(res.Optimize.FreedBytes)).Msg("optimized")
	}
	return nil
}
