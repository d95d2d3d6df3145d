// Package worker is a reference implementation of the worker side of the
// coordination protocol. It simulates VRAM per device; no model weights are
// touched.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/pkg/types"
)

// Config describes the simulated devices.
type Config struct {
	// Devices maps device id to VRAM capacity in bytes.
	Devices     map[string]uint64
	LoadDelay   time.Duration
	UnloadDelay time.Duration
}

type resident struct {
	device   string
	handle   string
	size     uint64
	state    string
	loadedAt time.Time
}

type op struct {
	model     string
	cancel    context.CancelFunc
	cancelled bool
}

// Worker serves coordination requests.
type Worker struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu     sync.Mutex
	models map[string]*resident
	used   map[string]uint64
	ops    map[string]*op
}

// New builds a worker.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:    cfg,
		log:    log.With().Str("component", "worker").Logger(),
		now:    time.Now,
		models: make(map[string]*resident),
		used:   make(map[string]uint64),
		ops:    make(map[string]*op),
	}
}

// Serve reads requests from r and writes one response line per request to w.
// Requests are handled concurrently. It returns when r is exhausted and all
// handlers have answered.
func (w *Worker) Serve(ctx context.Context, r io.Reader, out io.Writer) error {
	lw := &lineWriter{w: out}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	var wg sync.WaitGroup
	for sc.Scan() {
		var req types.WireRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			w.log.Warn().Err(err).Msg("ignoring malformed request")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := w.Handle(ctx, req)
			if err := lw.write(resp); err != nil {
				w.log.Error().Err(err).Str("request_id", req.RequestID).Msg("write response")
			}
		}()
	}
	wg.Wait()
	return sc.Err()
}

// Handle answers one request.
func (w *Worker) Handle(ctx context.Context, req types.WireRequest) types.WireResponse {
	var (
		resp types.WireResponse
		err  error
	)
	switch req.Action {
	case types.ActionLoad:
		var in types.LoadRequest
		if err = req.Decode(&in); err == nil {
			resp, err = w.load(ctx, req.RequestID, in)
		}
	case types.ActionUnload:
		var in types.UnloadRequest
		if err = req.Decode(&in); err == nil {
			resp, err = w.unload(ctx, req.RequestID, in)
		}
	case types.ActionGetStatus:
		var in types.StatusRequest
		if err = req.Decode(&in); err == nil {
			resp, err = types.OK(req.RequestID, w.Status(in.ModelID))
		}
	case types.ActionOptimize:
		var in types.OptimizeRequest
		if err = req.Decode(&in); err == nil {
			resp, err = types.OK(req.RequestID, w.optimize(in))
		}
	case types.ActionCancel:
		var in types.CancelRequest
		if err = req.Decode(&in); err == nil {
			resp, err = types.OK(req.RequestID, w.cancel(in))
		}
	default:
		return types.Fail(req.RequestID, fmt.Sprintf("unknown action %q", req.Action))
	}
	if err != nil {
		return types.Fail(req.RequestID, err.Error())
	}
	return resp
}

func (w *Worker) load(ctx context.Context, id string, in types.LoadRequest) (types.WireResponse, error) {
	w.mu.Lock()
	if r, ok := w.models[in.ModelID]; ok {
		defer w.mu.Unlock()
		if r.state == types.WorkerLoaded && r.device == in.DeviceID {
			return types.OK(id, types.LoadResult{ModelID: in.ModelID, DeviceID: r.device, VRAMHandle: r.handle, SizeBytes: r.size})
		}
		return types.Fail(id, fmt.Sprintf("model %s is %s on %s", in.ModelID, r.state, r.device)), nil
	}
	capacity, ok := w.cfg.Devices[in.DeviceID]
	if !ok {
		w.mu.Unlock()
		return types.Fail(id, fmt.Sprintf("unknown device %q", in.DeviceID)), nil
	}
	size := in.SizeEstimateBytes
	if w.used[in.DeviceID]+size > capacity {
		free := capacity - w.used[in.DeviceID]
		w.mu.Unlock()
		return types.Fail(id, fmt.Sprintf("insufficient VRAM on %s: need %s, free %s",
			in.DeviceID, humanize.IBytes(size), humanize.IBytes(free))), nil
	}
	w.used[in.DeviceID] += size
	r := &resident{device: in.DeviceID, size: size, state: types.WorkerLoading}
	w.models[in.ModelID] = r
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o := &op{model: in.ModelID, cancel: cancel}
	w.ops[id] = o
	w.mu.Unlock()

	err := sleep(opCtx, w.cfg.LoadDelay)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ops, id)
	if err != nil || o.cancelled {
		delete(w.models, in.ModelID)
		w.used[in.DeviceID] -= size
		w.log.Info().Str("model", in.ModelID).Msg("load cancelled")
		return types.Fail(id, types.CancelledMessage), nil
	}
	r.state = types.WorkerLoaded
	r.handle = uuid.NewString()
	r.loadedAt = w.now()
	w.log.Info().Str("model", in.ModelID).Str("device", in.DeviceID).Str("size", humanize.IBytes(size)).Msg("loaded")
	return types.OK(id, types.LoadResult{ModelID: in.ModelID, DeviceID: in.DeviceID, VRAMHandle: r.handle, SizeBytes: size})
}

func (w *Worker) unload(ctx context.Context, id string, in types.UnloadRequest) (types.WireResponse, error) {
	w.mu.Lock()
	r, ok := w.models[in.ModelID]
	if !ok {
		w.mu.Unlock()
		return types.OK(id, types.UnloadResult{ModelID: in.ModelID, DeviceID: in.DeviceID})
	}
	if r.state != types.WorkerLoaded {
		w.mu.Unlock()
		return types.Fail(id, fmt.Sprintf("model %s is %s", in.ModelID, r.state)), nil
	}
	r.state = types.WorkerUnloading
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o := &op{model: in.ModelID, cancel: cancel}
	w.ops[id] = o
	w.mu.Unlock()

	err := sleep(opCtx, w.cfg.UnloadDelay)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ops, id)
	if err != nil || o.cancelled {
		r.state = types.WorkerLoaded
		return types.Fail(id, types.CancelledMessage), nil
	}
	w.dropLocked(in.ModelID, r)
	w.log.Info().Str("model", in.ModelID).Str("device", r.device).Msg("unloaded")
	return types.OK(id, types.UnloadResult{ModelID: in.ModelID, DeviceID: r.device, FreedBytes: r.size})
}

func (w *Worker) dropLocked(model string, r *resident) {
	delete(w.models, model)
	w.used[r.device] -= r.size
}

// Status reports the worker's view of one model.
func (w *Worker) Status(model string) types.StatusResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.models[model]
	if !ok {
		return types.StatusResult{ModelID: model, State: types.WorkerUnloaded}
	}
	return types.StatusResult{ModelID: model, State: r.state, DeviceID: r.device, VRAMHandle: r.handle, SizeBytes: r.size}
}

// optimize unloads the oldest loaded models on the device until the target
// reduction is met.
func (w *Worker) optimize(in types.OptimizeRequest) types.OptimizeResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	type cand struct {
		id string
		r  *resident
	}
	var cands []cand
	for id, r := range w.models {
		if r.device == in.DeviceID && r.state == types.WorkerLoaded {
			cands = append(cands, cand{id, r})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].r.loadedAt.Equal(cands[j].r.loadedAt) {
			return cands[i].r.loadedAt.Before(cands[j].r.loadedAt)
		}
		return cands[i].id < cands[j].id
	})
	out := types.OptimizeResult{DeviceID: in.DeviceID, Unloaded: []types.UnloadedModel{}}
	for _, c := range cands {
		if out.FreedBytes >= in.TargetReductionBytes {
			break
		}
		w.dropLocked(c.id, c.r)
		out.Unloaded = append(out.Unloaded, types.UnloadedModel{ModelID: c.id, SizeBytes: c.r.size})
		out.FreedBytes += c.r.size
	}
	w.log.Info().Str("device", in.DeviceID).Str("level", in.PressureLevel).
		Int("unloaded", len(out.Unloaded)).Str("freed", humanize.IBytes(out.FreedBytes)).Msg("optimized")
	return out
}

func (w *Worker) cancel(in types.CancelRequest) types.CancelResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.ops[in.RequestID]
	if !ok {
		return types.CancelResult{RequestID: in.RequestID}
	}
	o.cancelled = true
	o.cancel()
	return types.CancelResult{RequestID: in.RequestID, Cancelled: true}
}

// Used reports simulated VRAM in use on dev.
func (w *Worker) Used(dev string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used[dev]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(b)
	return err
}
