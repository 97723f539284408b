package corerpc

import (
	"context"
	"fmt"
	"io"

	"github.com/nexusrpc/corerpc/diagnostics"
	"github.com/nexusrpc/corerpc/wire"
)

// responderRootContext derives the root of a handler's context from the
// initial metadata the caller sent: if a grpc-timeout header propagated a
// deadline, it is enforced here with context.WithTimeout, so a handler
// that outlives it sees a real context.DeadlineExceeded, not a bare
// cancellation — exercising errors.go's translateContextError mapping on
// the responder side exactly as it already does on the caller side.
func responderRootContext(initialMD wire.Metadata) (context.Context, context.CancelFunc) {
	if d, ok := wire.Timeout(initialMD); ok {
		return context.WithTimeout(context.Background(), d)
	}
	return context.WithCancel(context.Background())
}

// onNewStream is the multiplexer's remote-initiated-stream callback
// (internal/mux.New). It runs synchronously on the loop goroutine, as
// part of the same Dispatch call that first observed the stream, so it
// must never block — all work it cannot finish immediately is handed to
// a freshly spawned handler goroutine.
func (e *Endpoint) onNewStream(id wire.StreamID, f wire.Frame) {
	if f.Kind != wire.KindMetadata {
		e.rejectStream(id, wire.Internal, "first frame on a new stream must carry initial metadata")
		return
	}
	path, ok := wire.Path(f.Metadata)
	if !ok {
		e.rejectStream(id, wire.InvalidArgument, "initial metadata missing method path")
		return
	}
	service, method, ok := wire.SplitMethodPath(path)
	if !ok {
		e.rejectStream(id, wire.InvalidArgument, "malformed method path "+path)
		return
	}
	contract, ok := e.registry.Lookup(service, method)
	if !ok {
		diagnostics.MethodNotFound(e.diag, e.debugLabel, service, method)
		e.rejectStream(id, wire.Unimplemented, fmt.Sprintf("method %s/%s not implemented", service, method))
		return
	}
	e.runHandler(id, service, method, contract, f.Metadata)
}

// rejectStream sends an immediate trailer for a stream that will never
// reach a handler.
// Called on the loop goroutine: mux is driven directly, never through
// submitSync (which would deadlock waiting on the very goroutine it was
// called from).
func (e *Endpoint) rejectStream(id wire.StreamID, code wire.StatusCode, message string) {
	_ = e.mux.SendMetadata(id, wire.WithStatus(nil, code, message), true)
	go e.drainAndRelease(id)
}

// drainAndRelease discards inbound frames for id until the remote side
// reaches end-of-stream, then releases the ID. Used after a stream is
// rejected or a handler returns early without consuming every request.
func (e *Endpoint) drainAndRelease(id wire.StreamID) {
	recv := e.makeRecvRaw(id)
	for {
		if _, err := recv(); err != nil {
			break
		}
	}
	_ = e.submitSync(func() error {
		e.mux.ReleaseStreamID(id)
		return nil
	})
}

// runHandler starts dispatching an accepted call to its registered
// handler. Called on the loop goroutine (from onNewStream); the handler
// itself always runs on a freshly spawned goroutine, off the loop, with
// its completion submitted back onto the loop goroutine.
func (e *Endpoint) runHandler(id wire.StreamID, service, method string, contract MethodContract, initialMD wire.Metadata) {
	info := CallInfo{Service: service, Method: method, Pattern: contract.Pattern, Side: wire.RoleResponder}
	cancelCtx, cancelHandler := responderRootContext(initialMD)
	ctx := makeResponderContext(cancelCtx, initialMD)

	// A CANCELLED end-of-stream from the caller, observed before the
	// handler naturally finishes, cancels ctx directly — so a handler
	// blocked on a send (not a recv) still sees its cancellation token,
	// not only handlers that happen to call recv again.
	e.mux.SetCancelHook(id, cancelHandler)

	if _, err := e.mw.OnRequestInit(ctx, info, initialMD); err != nil {
		code, msg := statusFromError(err)
		e.mw.OnError(ctx, info, err)
		diagnostics.MiddlewareError(e.diag, e.debugLabel, service, method, err)
		cancelHandler()
		e.rejectStream(id, code, msg)
		return
	}

	diagnostics.CallStarted(e.diag, e.debugLabel, service, method, wire.RoleResponder)

	c := &callIO{
		ctx:     ctx,
		recvRaw: e.makeRecvRaw(id),
		sendPayload: func(b []byte, end bool) error {
			return e.submitSync(func() error { return e.mux.SendPayload(id, b, end) })
		},
		sendDirect: func(obj any, end bool) error {
			return e.submitSync(func() error { return e.mux.SendDirect(id, obj, end) })
		},
		zeroCopy: e.transport.SupportsZeroCopy(),
		onFrame: func(f wire.Frame) (wire.Frame, bool) {
			return e.mw.OnFrame(ctx, info, f)
		},
	}

	// Open the responder side of the state machine with empty initial
	// metadata. Still on the loop goroutine: call mux directly.
	if err := e.mux.SendMetadata(id, nil, false); err != nil {
		return
	}

	go func() {
		invokeErr := contract.invoke(ctx, c)
		e.finishHandler(id, info, ctx, cancelHandler, invokeErr)
	}()
}

// finishHandler runs on the handler's own goroutine once contract.invoke
// returns. It determines the terminal status, runs it through OnResponseDone, sends the
// trailer, and releases the stream.
func (e *Endpoint) finishHandler(id wire.StreamID, info CallInfo, ctx context.Context, cancelHandler context.CancelFunc, invokeErr error) {
	defer cancelHandler()
	var code wire.StatusCode
	var msg string
	switch {
	case invokeErr != nil && invokeErr != io.EOF:
		code, msg = statusFromError(invokeErr)
		e.mw.OnError(ctx, info, invokeErr)
	case !e.remoteClosed(id):
		// Handler returned (possibly cleanly) without draining inbound
		// requests to end-of-stream: "A handler returning
		// its response sequence before the request sequence completes
		// MUST still drain inbound requests ... otherwise the stream is
		// aborted with CANCELLED."
		code, msg = wire.Canceled, "handler returned before draining inbound requests"
	default:
		code, msg = wire.OK, ""
	}

	code, msg = e.mw.OnResponseDone(ctx, info, code, msg)
	diagnostics.CallFinished(e.diag, e.debugLabel, info.Service, info.Method, wire.RoleResponder, code, msg)

	_ = e.submitSync(func() error {
		return e.mux.SendMetadata(id, wire.WithStatus(nil, code, msg), true)
	})
	e.drainAndRelease(id)
}

// remoteClosed reports whether the remote side of id has reached
// end-of-stream, synchronised onto the loop goroutine.
func (e *Endpoint) remoteClosed(id wire.StreamID) bool {
	ch := make(chan bool, 1)
	if err := e.loop.Submit(func() { ch <- e.mux.MessagesFor(id).Closed() }); err != nil {
		return true
	}
	return <-ch
}

// submitSync runs fn on the loop goroutine and blocks the calling
// (handler) goroutine for its result. Used by every callIO send closure
// and by caller-side code in call.go — anything running off the loop
// that needs to touch the multiplexer.
func (e *Endpoint) submitSync(fn func() error) error {
	ch := make(chan error, 1)
	if err := e.loop.Submit(func() { ch <- fn() }); err != nil {
		return err
	}
	return <-ch
}

// makeRecvRaw bridges the callback-based internal/stream.Queue for id
// into a blocking func() (wire.Frame, error) a handler goroutine can
// call synchronously. It filters out non-terminal metadata frames and
// translates a CANCELLED end-of-stream into context.Canceled so a
// handler's recv loop sees exactly: payload/direct frames, then either
// io.EOF (clean close) or context.Canceled (caller gave up).
func (e *Endpoint) makeRecvRaw(id wire.StreamID) func() (wire.Frame, error) {
	return func() (wire.Frame, error) {
		for {
			f, err := e.recvOneFrame(id)
			if err != nil {
				return wire.Frame{}, err
			}
			switch f.Kind {
			case wire.KindPayload, wire.KindDirect:
				return f, nil
			default:
				if !f.End {
					// A non-terminal standalone metadata frame: no data,
					// keep waiting for the next one.
					continue
				}
				if code, _, ok := wire.Status(f.Metadata); ok && code == wire.Canceled {
					return wire.Frame{}, context.Canceled
				}
				return wire.Frame{}, io.EOF
			}
		}
	}
}

// recvOneFrame registers a one-shot receive on id's inbox and blocks the
// calling goroutine for the result.
func (e *Endpoint) recvOneFrame(id wire.StreamID) (wire.Frame, error) {
	type result struct {
		f   wire.Frame
		err error
	}
	ch := make(chan result, 1)
	err := e.loop.Submit(func() {
		e.mux.MessagesFor(id).Recv(func(msg any, recvErr error) {
			if recvErr != nil {
				ch <- result{err: recvErr}
				return
			}
			ch <- result{f: msg.(wire.Frame)}
		})
	})
	if err != nil {
		return wire.Frame{}, err
	}
	r := <-ch
	return r.f, r.err
}
