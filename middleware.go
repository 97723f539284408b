package corerpc

import (
	"context"

	"github.com/nexusrpc/corerpc/callstate"
	"github.com/nexusrpc/corerpc/wire"
)

// CallInfo identifies the call a middleware hook is firing for. The
// same Middleware chain runs on both caller and responder sides.
type CallInfo struct {
	Service string
	Method  string
	Pattern callstate.Pattern
	// Side is RoleCaller when this endpoint originated the call, or
	// RoleResponder when it is dispatching an inbound one.
	Side wire.Role
}

// Middleware wraps four hook points: outbound request initiation,
// inbound response termination, per-frame pass-through, and error
// observation. An Endpoint runs its configured middlewares in
// registration order for OnRequestInit/OnFrame and in reverse order for
// OnResponseDone, the same "unwind in reverse" convention as a typical
// interceptor chain.
//
// Implementations that only care about a subset of hooks should embed
// NoopMiddleware to satisfy the rest. Hooks MUST NOT block on anything
// unbounded — they run on
// the endpoint's loop goroutine or the call's handler goroutine and a
// slow hook stalls that call.
type Middleware interface {
	// OnRequestInit fires once per call, before the first frame is sent
	// (caller side) or dispatched to a handler (responder side).
	// Returning a non-nil error aborts the call; that
	// surfaces to the caller as INTERNAL unless the error already
	// carries its own status (see statusFromError).
	OnRequestInit(ctx context.Context, info CallInfo, md wire.Metadata) (wire.Metadata, error)

	// OnResponseDone fires once per call, with the status it is about to
	// complete with. The returned (code, message) replaces it for every
	// middleware still to run and for the final outcome.
	OnResponseDone(ctx context.Context, info CallInfo, code wire.StatusCode, message string) (wire.StatusCode, string)

	// OnFrame fires for every data frame (payload or direct object),
	// either direction, between OnRequestInit and OnResponseDone.
	// Metadata frames (headers and trailers) do not pass through it.
	// Returning ok=false drops the frame instead of forwarding it.
	OnFrame(ctx context.Context, info CallInfo, f wire.Frame) (wire.Frame, bool)

	// OnError observes an error surfaced during the call. It cannot
	// alter the outcome; it exists purely for logging/metrics hooks.
	OnError(ctx context.Context, info CallInfo, err error)
}

// NoopMiddleware is the zero-cost base embedded by middlewares that only
// override a subset of Middleware's hooks.
type NoopMiddleware struct{}

func (NoopMiddleware) OnRequestInit(_ context.Context, _ CallInfo, md wire.Metadata) (wire.Metadata, error) {
	return md, nil
}

func (NoopMiddleware) OnResponseDone(_ context.Context, _ CallInfo, code wire.StatusCode, message string) (wire.StatusCode, string) {
	return code, message
}

func (NoopMiddleware) OnFrame(_ context.Context, _ CallInfo, f wire.Frame) (wire.Frame, bool) {
	return f, true
}

func (NoopMiddleware) OnError(context.Context, CallInfo, error) {}

// middlewareChain runs a fixed, ordered list of Middleware for one
// endpoint. It is itself a Middleware so call sites don't need to
// special-case "no middleware configured".
type middlewareChain struct {
	chain []Middleware
}

func (c *middlewareChain) OnRequestInit(ctx context.Context, info CallInfo, md wire.Metadata) (wire.Metadata, error) {
	var err error
	for _, m := range c.chain {
		md, err = m.OnRequestInit(ctx, info, md)
		if err != nil {
			return md, err
		}
	}
	return md, nil
}

func (c *middlewareChain) OnResponseDone(ctx context.Context, info CallInfo, code wire.StatusCode, message string) (wire.StatusCode, string) {
	for i := len(c.chain) - 1; i >= 0; i-- {
		code, message = c.chain[i].OnResponseDone(ctx, info, code, message)
	}
	return code, message
}

func (c *middlewareChain) OnFrame(ctx context.Context, info CallInfo, f wire.Frame) (wire.Frame, bool) {
	ok := true
	for _, m := range c.chain {
		f, ok = m.OnFrame(ctx, info, f)
		if !ok {
			return f, false
		}
	}
	return f, true
}

func (c *middlewareChain) OnError(ctx context.Context, info CallInfo, err error) {
	for _, m := range c.chain {
		m.OnError(ctx, info, err)
	}
}
