package coord

import (
	"context"
	"errors"
	"sync"
	"time"

	"memcoord/internal/memory"
	"memcoord/pkg/types"
)

// ErrCancelled is the outcome of a request cancelled before it completed.
var ErrCancelled = errors.New("coordination request cancelled")

// Result is the outcome of a coordinated request.
type Result struct {
	Action   string
	ModelID  string
	Device   memory.DeviceID
	Load     *types.LoadResult
	Unload   *types.UnloadResult
	Optimize *types.OptimizeResult
	// Reconciled is set when the outcome came from a status query after a timeout.
	Reconciled bool
	Cancelled  bool
}

// pendingKey identifies a (subject, action) pair; subject is a model id, or
// a device for optimize.
type pendingKey string

func keyOf(subject, action string) pendingKey { return pendingKey(action + "/" + subject) }

// waiter receives the response to one request id.
type waiter interface {
	deliver(types.WireResponse)
	fail(error)
}

// Pending is the handle for an asynchronous load, unload or optimize.
type Pending struct {
	RequestID string
	Action    string
	ModelID   string
	Device    memory.DeviceID

	c       *Coordinator
	key     pendingKey
	started time.Time
	timer   *time.Timer
	done    chan struct{}

	mu         sync.Mutex
	settled    bool
	extensions int
	res        Result
	err        error
}

// Done is closed when the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request resolves or ctx is done. A ctx expiry does
// not cancel the request.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Settled reports whether the request has been resolved.
func (p *Pending) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Cancel asks the worker to abandon the request. Cancelling a resolved
// request is a no-op; if the worker completes first, completion wins.
func (p *Pending) Cancel(ctx context.Context) error {
	return p.c.cancel(ctx, p)
}

// settle resolves p exactly once. apply runs while p is locked so the state
// transition is visible no later than the resolution. It reports whether
// this call won.
func (p *Pending) settle(apply func() (Result, error)) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	res, err := apply()
	res.Action, res.ModelID, res.Device = p.Action, p.ModelID, p.Device
	p.res, p.err = res, err
	p.mu.Unlock()

	p.c.release(p, err)
	close(p.done)
	return true
}

func (p *Pending) deliver(resp types.WireResponse) { p.c.complete(p, resp) }

func (p *Pending) fail(err error) { p.c.abort(p, err) }

// reply is a waiter for plain request/response exchanges.
type reply struct {
	resp chan types.WireResponse
	err  chan error
}

func newReply() *reply {
	return &reply{resp: make(chan types.WireResponse, 1), err: make(chan error, 1)}
}

func (r *reply) deliver(resp types.WireResponse) {
	select {
	case r.resp <- resp:
	default:
	}
}

func (r *reply) fail(err error) {
	select {
	case r.err <- err:
	default:
	}
}
