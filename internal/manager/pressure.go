package manager

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"memcoord/internal/errs"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
)

// Run drives the pressure loop and the reconcile sweep until ctx is done or
// the worker connection closes.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := m.monitor.Watch(gctx, m.cfg.PressureInterval, func(snaps []pressure.Snapshot) {
			m.Relieve(gctx, snaps)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if m.cfg.SyncInterval > 0 {
		g.Go(func() error { return m.syncLoop(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-m.coord.Done():
			m.log.Error().Msg("worker connection lost")
			return errs.New(errs.KindDeviceUnavailable, "worker connection lost")
		}
	})
	return g.Wait()
}

func (m *Manager) syncLoop(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := m.coord.ReconcileAll(ctx)
			if err != nil && ctx.Err() == nil {
				m.recordErr(err)
				m.log.Warn().Err(err).Msg("reconcile sweep failed")
				continue
			}
			if n > 0 {
				m.log.Warn().Int("corrected", n).Msg("reconcile sweep corrected drift")
			}
		}
	}
}

// Relieve applies the recommended actions of each snapshot. Cache eviction
// runs on the cache's device. VRAM devices have no local cache to shed, so
// from High upwards they get a remote optimization. Both aim for usage just
// under the Moderate threshold.
func (m *Manager) Relieve(ctx context.Context, snaps []pressure.Snapshot) Relief {
	target := m.monitor.Thresholds().Moderate
	r := Relief{Levels: make(map[string]string, len(snaps))}
	for _, s := range snaps {
		r.Levels[string(s.Device)] = string(s.Level)
		if s.Level.Rank() >= pressure.LevelHigh.Rank() {
			m.publish(Event{Name: EventPressure, Device: string(s.Device), Fields: map[string]any{
				"level": string(s.Level), "ratio": s.Ratio,
			}})
		}
		need := s.BytesAbove(target)
		if need == 0 {
			continue
		}
		if s.Device == m.cache.Device() && slices.Contains(s.Actions, pressure.ActionEvictLeastRecentlyUsed) {
			evicted, freed := m.cache.EvictLRU(need)
			for _, id := range evicted {
				m.publish(Event{Name: EventCacheEvicted, ModelID: id, Device: string(s.Device), Fields: map[string]any{"reason": "pressure"}})
			}
			r.Evicted = append(r.Evicted, evicted...)
			r.FreedRAM += freed
			m.log.Info().Str("device", string(s.Device)).Str("level", string(s.Level)).
				Int("evicted", len(evicted)).Str("freed", humanize.IBytes(freed)).Msg("relieved cache pressure")
			continue
		}
		if d, ok := m.device(s.Device); ok && d.Kind != memory.KindHost && (s.Level.Rank() >= pressure.LevelHigh.Rank() ||
			slices.Contains(s.Actions, pressure.ActionTriggerRemoteOptimization)) {
			res, err := m.coord.Optimize(ctx, s.Device, s.Level, need)
			if err != nil {
				if !errs.IsRequestAlreadyInFlight(err) {
					r.Errors = append(r.Errors, err)
				}
				continue
			}
			out, err := res.Wait(ctx)
			if err != nil {
				m.recordErr(err)
				r.Errors = append(r.Errors, err)
				continue
			}
			if out.Optimize != nil {
				for _, u := range out.Optimize.Unloaded {
					r.Optimized = append(r.Optimized, u.ModelID)
				}
				r.FreedVRAM += out.Optimize.FreedBytes
			}
		}
	}
	return r
}

// Pressure returns a snapshot per device.
func (m *Manager) Pressure() []pressure.Snapshot { return m.monitor.SnapshotAll() }
