package httpapi

import (
	"context"
)

// serverBaseCtx is canceled on process shutdown. Defaults to Background.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers that
// wait on the worker.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts derives from req a context that is also canceled when base is
// done. The returned cancel func must be called when the handler ends.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
