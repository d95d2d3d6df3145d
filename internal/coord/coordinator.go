// Package coord bridges the native side and the worker process that owns
// VRAM. It sends coordination requests, correlates responses by request id
// and maps worker reports back into the state store. The worker is
// authoritative for VRAM facts: its most recent report wins.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"memcoord/internal/errs"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/state"
	"memcoord/pkg/types"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultStatusTimeout     = 5 * time.Second
	DefaultTimeoutExtensions = 4
)

// Config tunes a Coordinator.
type Config struct {
	// Timeout bounds each load, unload and optimize exchange.
	Timeout time.Duration
	// StatusTimeout bounds status and cancel exchanges.
	StatusTimeout time.Duration
	// TimeoutExtensions is how many more Timeout periods a load or unload
	// gets while the worker reports it still running. Past that the request
	// is cancelled.
	TimeoutExtensions int
	// ReconcileConcurrency bounds the fan-out of ReconcileAll.
	ReconcileConcurrency int
}

// Coordinator is the VRAMCoordinator.
type Coordinator struct {
	t      Transport
	states *state.Store
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	byKey *xsync.MapOf[pendingKey, *Pending]
	byID  *xsync.MapOf[string, waiter]
	// late maps request ids settled without the worker's answer to their model.
	late *xsync.MapOf[string, string]
	sf   singleflight.Group

	obsMu     sync.RWMutex
	observers []func(Result, error)

	closed   atomic.Bool
	loopDone chan struct{}
}

// New starts a coordinator reading responses from t.
func New(t Transport, states *state.Store, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.TimeoutExtensions < 0 {
		cfg.TimeoutExtensions = 0
	} else if cfg.TimeoutExtensions == 0 {
		cfg.TimeoutExtensions = DefaultTimeoutExtensions
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 4
	}
	c := &Coordinator{
		t:        t,
		states:   states,
		cfg:      cfg,
		log:      log.With().Str("component", "coordinator").Logger(),
		now:      time.Now,
		byKey:    xsync.NewMapOf[pendingKey, *Pending](),
		byID:     xsync.NewMapOf[string, waiter](),
		late:     xsync.NewMapOf[string, string](),
		loopDone: make(chan struct{}),
	}
	go c.run()
	return c
}

// Observe registers fn to receive every resolved load, unload and optimize.
func (c *Coordinator) Observe(fn func(Result, error)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Done is closed when the worker connection has gone away.
func (c *Coordinator) Done() <-chan struct{} { return c.loopDone }

// InFlight counts unresolved load, unload and optimize requests.
func (c *Coordinator) InFlight() int { return c.byKey.Size() }

// Close shuts the transport and fails everything still pending.
func (c *Coordinator) Close() error {
	err := c.t.Close()
	c.shutdown(errs.New(errs.KindDeviceUnavailable, "coordinator closed"))
	return err
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for resp := range c.t.Responses() {
		w, ok := c.byID.Load(resp.RequestID)
		if !ok {
			staleTotal.Inc()
			if modelID, late := c.late.LoadAndDelete(resp.RequestID); late {
				c.log.Info().Str("request_id", resp.RequestID).Str("model", modelID).Msg("late answer; reconciling")
				go c.reconcileLate(modelID)
				continue
			}
			c.log.Debug().Str("request_id", resp.RequestID).Msg("discarding stale response")
			continue
		}
		w.deliver(resp)
	}
	c.shutdown(errs.New(errs.KindDeviceUnavailable, "worker connection closed"))
}

func (c *Coordinator) shutdown(cause error) {
	if c.closed.Swap(true) {
		return
	}
	c.log.Warn().Err(cause).Int("pending", c.byID.Size()).Msg("failing pending requests")
	c.byID.Range(func(_ string, w waiter) bool {
		w.fail(cause)
		return true
	})
}

func (c *Coordinator) begin(action, subject, modelID string, dev memory.DeviceID) (*Pending, error) {
	if c.closed.Load() {
		return nil, errs.New(errs.KindDeviceUnavailable, "worker connection closed").WithModel(modelID)
	}
	p := &Pending{
		RequestID: uuid.NewString(),
		Action:    action,
		ModelID:   modelID,
		Device:    dev,
		c:         c,
		key:       keyOf(subject, action),
		started:   c.now(),
		done:      make(chan struct{}),
	}
	if _, loaded := c.byKey.LoadOrStore(p.key, p); loaded {
		requestsTotal.WithLabelValues(action, string(errs.KindRequestAlreadyInFlight)).Inc()
		return nil, errs.New(errs.KindRequestAlreadyInFlight, "%s already pending for %s", action, subject).
			WithModel(modelID).WithDevice(string(dev))
	}
	inflightGauge.Set(float64(c.byKey.Size()))
	return p, nil
}

// dispatch arms the timeout and sends the request. A send failure resolves
// p with a rollback and is returned.
func (c *Coordinator) dispatch(ctx context.Context, p *Pending, payload any) error {
	req, err := types.NewRequest(p.RequestID, p.Action, payload)
	if err != nil {
		c.abort(p, err)
		return err
	}
	p.mu.Lock()
	p.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(p) })
	p.mu.Unlock()
	c.byID.Store(p.RequestID, p)
	if err := c.t.Send(ctx, req); err != nil {
		c.abort(p, errs.Wrap(errs.KindDeviceUnavailable, err, "send %s", p.Action).WithModel(p.ModelID))
		_, werr := p.Wait(context.Background())
		return werr
	}
	c.log.Debug().Str("action", p.Action).Str("model", p.ModelID).Str("device", string(p.Device)).
		Str("request_id", p.RequestID).Msg("sent")
	return nil
}

// release drops p from the pending maps once it has settled.
func (c *Coordinator) release(p *Pending, err error) {
	p.mu.Lock()
	t := p.timer
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	c.byID.Delete(p.RequestID)
	c.byKey.Delete(p.key)
	inflightGauge.Set(float64(c.byKey.Size()))

	outcome := "ok"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = string(errs.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	requestsTotal.WithLabelValues(p.Action, outcome).Inc()
	requestSeconds.WithLabelValues(p.Action).Observe(c.now().Sub(p.started).Seconds())

	c.obsMu.RLock()
	obs := c.observers
	c.obsMu.RUnlock()
	for _, fn := range obs {
		fn(p.res, err)
	}
}

// RequestLoad moves modelID to LoadingVRAM and asks the worker to load it on
// dev. The returned handle resolves when the worker answers, or when a
// timeout is resolved against the worker's reported status.
func (c *Coordinator) RequestLoad(ctx context.Context, modelID string, dev memory.DeviceID) (*Pending, error) {
	p, err := c.begin(types.ActionLoad, modelID, modelID, dev)
	if err != nil {
		return nil, err
	}
	if err := c.states.BeginLoad(modelID, dev); err != nil {
		p.settle(func() (Result, error) { return Result{}, err })
		return nil, err
	}
	payload := types.LoadRequest{ModelID: modelID, DeviceID: string(dev)}
	if st := c.states.Get(modelID); st.RAM != nil {
		payload.CachePath = st.RAM.Path
		payload.CacheID = st.RAM.CacheID
		payload.SizeEstimateBytes = st.RAM.Size
	}
	if err := c.dispatch(ctx, p, payload); err != nil {
		return nil, err
	}
	return p, nil
}

// RequestUnload moves modelID to UnloadingVRAM and asks the worker to drop it.
func (c *Coordinator) RequestUnload(ctx context.Context, modelID string) (*Pending, error) {
	var dev memory.DeviceID
	if st := c.states.Get(modelID); st.VRAM != nil {
		dev = st.VRAM.Device
	}
	p, err := c.begin(types.ActionUnload, modelID, modelID, dev)
	if err != nil {
		return nil, err
	}
	if err := c.states.BeginUnload(modelID); err != nil {
		p.settle(func() (Result, error) { return Result{}, err })
		return nil, err
	}
	if err := c.dispatch(ctx, p, types.UnloadRequest{ModelID: modelID, DeviceID: string(dev)}); err != nil {
		return nil, err
	}
	return p, nil
}

// Optimize asks the worker to free target bytes on dev. The worker picks
// which models to unload; the reply's list is applied locally.
func (c *Coordinator) Optimize(ctx context.Context, dev memory.DeviceID, level pressure.Level, target uint64) (*Pending, error) {
	p, err := c.begin(types.ActionOptimize, string(dev), "", dev)
	if err != nil {
		return nil, err
	}
	payload := types.OptimizeRequest{DeviceID: string(dev), PressureLevel: string(level), TargetReductionBytes: target}
	if err := c.dispatch(ctx, p, payload); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Coordinator) complete(p *Pending, resp types.WireResponse) {
	var won bool
	switch p.Action {
	case types.ActionLoad:
		won = p.settle(func() (Result, error) { return c.applyLoad(p, resp) })
	case types.ActionUnload:
		won = p.settle(func() (Result, error) { return c.applyUnload(p, resp) })
	case types.ActionOptimize:
		won = p.settle(func() (Result, error) { return c.applyOptimize(p, resp) })
	}
	if !won {
		if modelID, late := c.late.LoadAndDelete(p.RequestID); late {
			go c.reconcileLate(modelID)
		}
	}
}

func (c *Coordinator) abort(p *Pending, err error) {
	p.settle(func() (Result, error) {
		c.rollback(p)
		return Result{}, err
	})
}

func (c *Coordinator) applyLoad(p *Pending, resp types.WireResponse) (Result, error) {
	if !resp.Success {
		c.rollback(p)
		if resp.ErrorMessage() == types.CancelledMessage {
			return Result{Cancelled: true}, ErrCancelled
		}
		return Result{}, c.workerError(p, resp.ErrorMessage())
	}
	var lr types.LoadResult
	if err := resp.Decode(&lr); err != nil {
		c.rollback(p)
		return Result{}, errs.Wrap(errs.KindStateInconsistent, err, "undecodable load result").WithModel(p.ModelID)
	}
	v := c.vramRef(p, lr.DeviceID, lr.VRAMHandle, lr.SizeBytes)
	c.markLoaded(p.ModelID, v)
	return Result{Load: &lr}, nil
}

func (c *Coordinator) applyUnload(p *Pending, resp types.WireResponse) (Result, error) {
	if !resp.Success {
		c.rollback(p)
		if resp.ErrorMessage() == types.CancelledMessage {
			return Result{Cancelled: true}, ErrCancelled
		}
		return Result{}, c.workerError(p, resp.ErrorMessage())
	}
	var ur types.UnloadResult
	if err := resp.Decode(&ur); err != nil {
		c.log.Warn().Err(err).Str("model", p.ModelID).Msg("undecodable unload result")
	}
	c.markUnloaded(p.ModelID)
	return Result{Unload: &ur}, nil
}

func (c *Coordinator) applyOptimize(p *Pending, resp types.WireResponse) (Result, error) {
	if !resp.Success {
		return Result{}, c.workerError(p, resp.ErrorMessage())
	}
	var or types.OptimizeResult
	if err := resp.Decode(&or); err != nil {
		return Result{}, errs.Wrap(errs.KindStateInconsistent, err, "undecodable optimize result").WithDevice(string(p.Device))
	}
	for _, u := range or.Unloaded {
		c.applyOffload(u.ModelID)
	}
	c.log.Info().Str("device", string(p.Device)).Int("unloaded", len(or.Unloaded)).Uint64("freed", or.FreedBytes).Msg("optimize applied")
	return Result{Optimize: &or}, nil
}

// applyOffload reflects a worker-initiated unload.
func (c *Coordinator) applyOffload(modelID string) {
	st := c.states.Get(modelID)
	var err error
	switch st.Phase {
	case state.PhaseLoadedVRAM:
		err = c.states.Offloaded(modelID)
	case state.PhaseLoadingVRAM, state.PhaseUnloadingVRAM:
		_, err = c.states.Reconcile(modelID, nil)
	case state.PhaseAbsent:
		c.log.Warn().Str("model", modelID).Msg("worker unloaded a model with no local state")
		return
	default:
		return
	}
	if err != nil {
		c.log.Error().Err(err).Str("model", modelID).Msg("applying worker unload failed")
	}
}

func (c *Coordinator) vramRef(p *Pending, dev, handle string, size uint64) state.VRAMRef {
	v := state.VRAMRef{Device: memory.DeviceID(dev), Handle: handle, Size: size, LoadedAt: c.now()}
	if v.Device == "" {
		v.Device = p.Device
	}
	if v.Size == 0 {
		if st := c.states.Get(p.ModelID); st.RAM != nil {
			v.Size = st.RAM.Size
		}
	}
	return v
}

// markLoaded records a worker-confirmed load. If a newer report already
// moved the model, the worker's view is applied through Reconcile.
func (c *Coordinator) markLoaded(modelID string, v state.VRAMRef) {
	err := c.states.CompleteLoad(modelID, v)
	if errs.IsInvalidTransition(err) {
		_, err = c.states.Reconcile(modelID, &v)
	}
	if err != nil {
		c.log.Error().Err(err).Str("model", modelID).Msg("recording load failed")
	}
}

func (c *Coordinator) markUnloaded(modelID string) {
	err := c.states.CompleteUnload(modelID)
	if errs.IsInvalidTransition(err) {
		_, err = c.states.Reconcile(modelID, nil)
	}
	if err != nil {
		c.log.Error().Err(err).Str("model", modelID).Msg("recording unload failed")
	}
}

// rollback restores the phase held before p was issued. A phase already
// moved by a newer worker report is left alone.
func (c *Coordinator) rollback(p *Pending) {
	var err error
	switch p.Action {
	case types.ActionLoad:
		err = c.states.AbortLoad(p.ModelID)
	case types.ActionUnload:
		err = c.states.AbortUnload(p.ModelID)
	default:
		return
	}
	switch {
	case err == nil:
	case errs.IsInvalidTransition(err):
		c.log.Debug().Str("model", p.ModelID).Str("action", p.Action).Msg("rollback skipped; phase already moved")
	default:
		c.log.Warn().Err(err).Str("model", p.ModelID).Str("action", p.Action).Msg("rollback failed")
	}
}

func (c *Coordinator) workerError(p *Pending, msg string) error {
	kind := errs.KindDeviceUnavailable
	low := strings.ToLower(msg)
	if strings.Contains(low, "insufficient") || strings.Contains(low, "out of memory") {
		kind = errs.KindInsufficientMemory
	}
	if msg == "" {
		msg = "no error message"
	}
	return errs.Wrap(kind, errors.New(msg), "worker rejected %s", p.Action).
		WithModel(p.ModelID).WithDevice(string(p.Device))
}

// expire runs when p's timeout fires. Loads and unloads are resolved from a
// status query instead of assuming either outcome; a response that arrives
// meanwhile still wins. While the worker reports the operation still running
// the timeout is extended, and once extensions run out the request is
// cancelled. The phase is only rolled back when the worker is not holding
// the model in the requested state.
func (c *Coordinator) expire(p *Pending) {
	if p.Settled() {
		return
	}
	timeoutsTotal.WithLabelValues(p.Action).Inc()
	c.log.Warn().Str("action", p.Action).Str("model", p.ModelID).Str("device", string(p.Device)).
		Str("request_id", p.RequestID).Dur("timeout", c.cfg.Timeout).Msg("coordination timed out")
	if p.Action == types.ActionOptimize {
		p.settle(func() (Result, error) {
			return Result{}, errs.New(errs.KindCoordinationTimeout, "optimize not answered within %s", c.cfg.Timeout).
				WithDevice(string(p.Device))
		})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StatusTimeout)
	defer cancel()
	s, err := c.status(ctx, p.ModelID)
	if err == nil && running(p.Action, s.State) {
		if c.extend(p) {
			return
		}
		if c.abandon(ctx, p) {
			return
		}
		// the worker refused the cancel, so its answer is on the way
		if s2, err2 := c.status(ctx, p.ModelID); err2 == nil {
			s = s2
		}
	}
	p.settle(func() (Result, error) {
		res, rerr := c.applyReconciled(p, s, err)
		if rerr != nil {
			c.late.Store(p.RequestID, p.ModelID)
		}
		return res, rerr
	})
}

// running reports whether the worker state means action is still underway.
func running(action, workerState string) bool {
	return (action == types.ActionLoad && workerState == types.WorkerLoading) ||
		(action == types.ActionUnload && workerState == types.WorkerUnloading)
}

// extend re-arms p's timeout unless p has settled or used every extension.
func (c *Coordinator) extend(p *Pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return true
	}
	if p.extensions >= c.cfg.TimeoutExtensions {
		return false
	}
	p.extensions++
	p.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(p) })
	c.log.Info().Str("action", p.Action).Str("model", p.ModelID).Str("request_id", p.RequestID).
		Int("extension", p.extensions).Msg("worker still busy; extending timeout")
	return true
}

// abandon asks the worker to drop p after its last extension and rolls back
// once the worker confirms. It reports whether p is settled afterwards.
func (c *Coordinator) abandon(ctx context.Context, p *Pending) bool {
	resp, err := c.roundTrip(ctx, types.ActionCancel, types.CancelRequest{RequestID: p.RequestID, ModelID: p.ModelID})
	var cr types.CancelResult
	if err == nil && resp.Success && resp.Decode(&cr) == nil && cr.Cancelled {
		p.settle(func() (Result, error) {
			c.rollback(p)
			return Result{}, errs.New(errs.KindCoordinationTimeout, "%s still running after %d extensions; cancelled",
				p.Action, c.cfg.TimeoutExtensions).WithModel(p.ModelID).WithDevice(string(p.Device))
		})
		return true
	}
	if err != nil {
		c.log.Warn().Err(err).Str("model", p.ModelID).Str("request_id", p.RequestID).Msg("cancel after timeout failed")
	}
	return p.Settled()
}

// reconcileLate corrects a model whose request settled before the worker's
// answer arrived.
func (c *Coordinator) reconcileLate(modelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StatusTimeout)
	defer cancel()
	if _, err := c.Reconcile(ctx, modelID); err != nil && !errs.IsRequestAlreadyInFlight(err) {
		c.log.Warn().Err(err).Str("model", modelID).Msg("reconcile after late answer failed")
	}
}

func (c *Coordinator) applyReconciled(p *Pending, s types.StatusResult, err error) (Result, error) {
	if err != nil {
		c.rollback(p)
		return Result{}, errs.Wrap(errs.KindCoordinationTimeout, err, "%s not answered within %s and reconcile failed",
			p.Action, c.cfg.Timeout).WithModel(p.ModelID).WithDevice(string(p.Device))
	}
	switch {
	case p.Action == types.ActionLoad && s.State == types.WorkerLoaded:
		v := c.vramRef(p, s.DeviceID, s.VRAMHandle, s.SizeBytes)
		c.markLoaded(p.ModelID, v)
		c.log.Info().Str("model", p.ModelID).Msg("load confirmed by reconcile")
		return Result{Reconciled: true, Load: &types.LoadResult{
			ModelID: p.ModelID, DeviceID: string(v.Device), VRAMHandle: v.Handle, SizeBytes: v.Size,
		}}, nil
	case p.Action == types.ActionUnload && s.State == types.WorkerUnloaded:
		c.markUnloaded(p.ModelID)
		c.log.Info().Str("model", p.ModelID).Msg("unload confirmed by reconcile")
		return Result{Reconciled: true, Unload: &types.UnloadResult{ModelID: p.ModelID, DeviceID: string(p.Device)}}, nil
	case running(p.Action, s.State):
		// the late answer reconciles the phase; keep it until then
		inconsistenciesTotal.Inc()
		c.log.Warn().Str("model", p.ModelID).Str("action", p.Action).Str("worker_state", s.State).
			Msg("worker still busy and would not cancel")
		return Result{Reconciled: true}, errs.New(errs.KindStateInconsistent, "%s timed out; worker still reports %q", p.Action, s.State).
			WithModel(p.ModelID).WithDevice(string(p.Device))
	}
	c.rollback(p)
	inconsistenciesTotal.Inc()
	c.log.Warn().Str("model", p.ModelID).Str("action", p.Action).Str("worker_state", s.State).
		Msg("worker state disagrees after timeout; rolled back")
	return Result{Reconciled: true}, errs.New(errs.KindStateInconsistent, "%s timed out; worker reports %q", p.Action, s.State).
		WithModel(p.ModelID).WithDevice(string(p.Device))
}

// status queries the worker for one model. Concurrent queries for the same
// model share one exchange.
func (c *Coordinator) status(ctx context.Context, modelID string) (types.StatusResult, error) {
	v, err, _ := c.sf.Do(modelID, func() (any, error) {
		resp, err := c.roundTrip(ctx, types.ActionGetStatus, types.StatusRequest{ModelID: modelID})
		if err != nil {
			return types.StatusResult{}, err
		}
		if !resp.Success {
			return types.StatusResult{}, errs.New(errs.KindDeviceUnavailable, "status query failed: %s", resp.ErrorMessage()).WithModel(modelID)
		}
		var s types.StatusResult
		if err := resp.Decode(&s); err != nil {
			return types.StatusResult{}, err
		}
		return s, nil
	})
	if err != nil {
		return types.StatusResult{}, err
	}
	return v.(types.StatusResult), nil
}

// roundTrip sends one request and waits for its response.
func (c *Coordinator) roundTrip(ctx context.Context, action string, payload any) (types.WireResponse, error) {
	if c.closed.Load() {
		return types.WireResponse{}, errs.New(errs.KindDeviceUnavailable, "worker connection closed")
	}
	id := uuid.NewString()
	req, err := types.NewRequest(id, action, payload)
	if err != nil {
		return types.WireResponse{}, err
	}
	r := newReply()
	c.byID.Store(id, r)
	defer c.byID.Delete(id)
	if err := c.t.Send(ctx, req); err != nil {
		return types.WireResponse{}, errs.Wrap(errs.KindDeviceUnavailable, err, "send %s", action)
	}
	timer := time.NewTimer(c.cfg.StatusTimeout)
	defer timer.Stop()
	select {
	case resp := <-r.resp:
		return resp, nil
	case err := <-r.err:
		return types.WireResponse{}, err
	case <-timer.C:
		timeoutsTotal.WithLabelValues(action).Inc()
		return types.WireResponse{}, errs.New(errs.KindCoordinationTimeout, "%s not answered within %s", action, c.cfg.StatusTimeout)
	case <-ctx.Done():
		return types.WireResponse{}, ctx.Err()
	}
}

func (c *Coordinator) cancel(ctx context.Context, p *Pending) error {
	if p.Settled() {
		return nil
	}
	if p.Action != types.ActionLoad && p.Action != types.ActionUnload {
		return fmt.Errorf("%s requests cannot be cancelled", p.Action)
	}
	resp, err := c.roundTrip(ctx, types.ActionCancel, types.CancelRequest{RequestID: p.RequestID, ModelID: p.ModelID})
	if err != nil {
		return err
	}
	if !resp.Success {
		return errs.New(errs.KindDeviceUnavailable, "cancel rejected: %s", resp.ErrorMessage()).WithModel(p.ModelID)
	}
	var cr types.CancelResult
	if err := resp.Decode(&cr); err != nil {
		return err
	}
	if !cr.Cancelled {
		// the worker finished first; its response resolves p
		c.log.Debug().Str("model", p.ModelID).Str("request_id", p.RequestID).Msg("cancel lost to completion")
		return nil
	}
	p.settle(func() (Result, error) {
		c.rollback(p)
		return Result{Cancelled: true}, ErrCancelled
	})
	return nil
}

func (c *Coordinator) inFlightFor(modelID string) bool {
	if _, ok := c.byKey.Load(keyOf(modelID, types.ActionLoad)); ok {
		return true
	}
	_, ok := c.byKey.Load(keyOf(modelID, types.ActionUnload))
	return ok
}

// Reconcile re-derives modelID's phase from the worker's report. Models with
// a request in flight are left to that request's outcome.
func (c *Coordinator) Reconcile(ctx context.Context, modelID string) (state.ModelState, error) {
	cur := c.states.Get(modelID)
	if cur.Phase == state.PhaseAbsent {
		return cur, errs.New(errs.KindNotFound, "model has no memory state").WithModel(modelID)
	}
	if c.inFlightFor(modelID) {
		return cur, errs.New(errs.KindRequestAlreadyInFlight, "request pending; its outcome will reconcile").WithModel(modelID)
	}
	s, err := c.status(ctx, modelID)
	if err != nil {
		return cur, err
	}
	var v *state.VRAMRef
	switch s.State {
	case types.WorkerLoaded:
		ref := state.VRAMRef{Device: memory.DeviceID(s.DeviceID), Handle: s.VRAMHandle, Size: s.SizeBytes, LoadedAt: c.now()}
		if ref.Size == 0 && cur.RAM != nil {
			ref.Size = cur.RAM.Size
		}
		if cur.VRAM != nil && cur.VRAM.Handle == ref.Handle {
			ref.LoadedAt = cur.VRAM.LoadedAt
		}
		v = &ref
	case types.WorkerUnloaded:
	case types.WorkerLoading, types.WorkerUnloading:
		return cur, errs.New(errs.KindRequestAlreadyInFlight, "worker reports %q; retry once it settles", s.State).WithModel(modelID)
	default:
		return cur, errs.New(errs.KindStateInconsistent, "worker reports %q with no request pending", s.State).WithModel(modelID)
	}
	tr, err := c.states.Reconcile(modelID, v)
	if err != nil {
		return c.states.Get(modelID), err
	}
	if tr.From != tr.To {
		inconsistenciesTotal.Inc()
		c.log.Warn().Str("model", modelID).Str("from", string(tr.From)).Str("to", string(tr.To)).
			Msg("corrected to worker-reported state")
	}
	return c.states.Get(modelID), nil
}

// ReconcileAll reconciles every model without a request in flight and
// returns how many phases were corrected. A failure for one model does not
// stop the sweep; failures are joined.
func (c *Coordinator) ReconcileAll(ctx context.Context) (int, error) {
	var ids []string
	for _, st := range c.states.List() {
		switch st.Phase {
		case state.PhaseCachedRAM, state.PhaseLoadedVRAM, state.PhaseLoadingVRAM, state.PhaseUnloadingVRAM:
			ids = append(ids, st.ModelID)
		}
	}
	var (
		corrected atomic.Int64
		mu        sync.Mutex
		failed    []error
	)
	var g errgroup.Group
	g.SetLimit(c.cfg.ReconcileConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			before := c.states.Get(id).Phase
			after, err := c.Reconcile(ctx, id)
			switch {
			case err == nil:
			case errs.IsRequestAlreadyInFlight(err), errs.IsInvalidTransition(err), errs.IsNotFound(err):
				return nil
			default:
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
				return nil
			}
			if after.Phase != before {
				corrected.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(corrected.Load()), errors.Join(failed...)
}
