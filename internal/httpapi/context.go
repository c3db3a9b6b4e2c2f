package httpapi

import (
	"context"
	"sync/atomic"
)

type ctxHolder struct{ ctx context.Context }

// baseCtx is canceled on shutdown so in-flight generations stop with the
// server rather than with their clients only.
var baseCtx atomic.Pointer[ctxHolder]

func init() { baseCtx.Store(&ctxHolder{context.Background()}) }

// SetBaseContext sets the process-level context joined into every /infer
// request. nil resets it to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx.Store(&ctxHolder{ctx})
}

func serverContext() context.Context { return baseCtx.Load().ctx }

// joinContexts derives from b and additionally cancels when a is done.
// Values come from b. cancel must be called to release the AfterFunc.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
