package manager

import (
	"context"
	"errors"
	"io"
	"io/fs"

	"github.com/rs/zerolog/log"

	"memcoord/internal/cache"
	"memcoord/internal/config"
	"memcoord/internal/coord"
	"memcoord/internal/devices"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/registry"
	"memcoord/internal/state"
	"memcoord/internal/worker"
)

// BuildOptions override parts of Build for tests and tooling.
type BuildOptions struct {
	// HostProbe sizes a host device declared without capacity.
	HostProbe devices.HostProbe
	// Worker replaces the in-process reference worker when cfg.Worker.Bin is
	// empty.
	Worker *worker.Worker
}

// Build wires every component from cfg: devices and allocator, state store,
// registry, RAM cache, pressure monitor, worker transport and coordinator.
// cfg should already have defaults applied and be validated.
func Build(ctx context.Context, cfg config.Config, opts BuildOptions) (*Manager, error) {
	if opts.HostProbe == nil {
		opts.HostProbe = devices.SystemMemory
	}
	devs, err := devices.Enumerate(cfg.Devices, opts.HostProbe)
	if err != nil {
		return nil, err
	}
	strategy, err := memory.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	alloc := memory.NewAllocator(memory.NewTracker(), memory.AllocatorConfig{SafetyMargin: cfg.SafetyMargin})
	if err := devices.Attach(alloc, devs, strategy); err != nil {
		return nil, err
	}

	reg, err := registry.New(cfg.ModelsDir)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("component", "manager").Str("dir", cfg.ModelsDir).Msg("models directory missing; registry starts empty")
		reg, err = registry.NewLazy(cfg.ModelsDir), nil
	}
	if err != nil {
		return nil, err
	}

	states := state.NewStore()
	c := cache.New(alloc, states, cache.Options{Device: memory.HostDevice, Limit: cfg.Cache.Limit.Bytes(), Resolver: reg})
	mon, err := pressure.NewMonitor(alloc, alloc.Tracker(), states, cfg.Pressure.Levels)
	if err != nil {
		return nil, err
	}

	var (
		t       coord.Transport
		closers []func() error
	)
	if cfg.Worker.Bin != "" {
		proc, err := coord.StartWorker(ctx, coord.ProcessConfig{
			Bin:         cfg.Worker.Bin,
			Args:        cfg.Worker.Args,
			Env:         cfg.Worker.Env,
			StopTimeout: cfg.Worker.StopTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		t = proc
	} else {
		w := opts.Worker
		if w == nil {
			w = worker.New(worker.Config{Devices: devices.Capacities(devs)})
		}
		lt, stop := InProcess(ctx, w)
		t = lt
		closers = append(closers, stop)
	}

	co := coord.New(t, states, coord.Config{
		Timeout:              cfg.Coordination.Timeout.Std(),
		StatusTimeout:        cfg.Coordination.StatusTimeout.Std(),
		ReconcileConcurrency: cfg.Coordination.ReconcileConcurrency,
		TimeoutExtensions:    cfg.Coordination.TimeoutExtensions,
	})
	m := New(Config{
		DefaultDevice:    memory.DeviceID(cfg.DefaultDevice),
		PressureInterval: cfg.Pressure.Interval.Std(),
		SyncInterval:     cfg.Coordination.SyncInterval.Std(),
		CancelTimeout:    cfg.Coordination.StatusTimeout.Std(),
	}, Deps{
		Allocator:   alloc,
		States:      states,
		Cache:       c,
		Coordinator: co,
		Monitor:     mon,
		Registry:    reg,
		Devices:     devs,
	})
	for _, fn := range closers {
		m.OnClose(fn)
	}
	return m, nil
}

// InProcess connects a LineTransport to w over in-memory pipes. The returned
// stop func waits for w to drain after the transport is closed.
func InProcess(ctx context.Context, w *worker.Worker) (*coord.LineTransport, func() error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	served := make(chan error, 1)
	go func() {
		err := w.Serve(ctx, reqR, respW)
		_ = respW.Close()
		served <- err
	}()
	lt := coord.NewLineTransport(respR, reqW)
	stop := func() error {
		_ = lt.Close()
		return <-served
	}
	return lt, stop
}
