package corerpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nexusrpc/corerpc/callstate"
	"github.com/nexusrpc/corerpc/codec"
	"github.com/nexusrpc/corerpc/diagnostics"
	"github.com/nexusrpc/corerpc/wire"
)

// callFrame is the classified result of one inbound frame on a
// caller-originated stream: either a data frame (payload or direct), a
// non-terminal header frame, or the terminal trailer.
type callFrame struct {
	frame     wire.Frame
	isData    bool
	isHeader  bool
	isTrailer bool
	code      wire.StatusCode
	message   string
}

// streamHandle is the caller-side counterpart to callIO: it drives one
// outbound call's frames through the multiplexer and tracks its phase
// with a callstate.Machine, shared by all four public call-pattern
// entry points below.
type streamHandle struct {
	e    *Endpoint
	id   wire.StreamID
	info CallInfo
	opts *callOptions

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	recvRaw func() (wire.Frame, error)

	mu         sync.Mutex
	machine    *callstate.Machine
	headerSeen bool
	trailer    wire.Metadata
	finished   bool
}

// newCall allocates a fresh caller-originated stream, runs OnRequestInit,
// and sends initial metadata carrying the method path. The returned
// handle's background cancellation watcher is already running.
func (e *Endpoint) newCall(ctx context.Context, service, method string, pattern callstate.Pattern, opts []CallOption) (*streamHandle, error) {
	co := resolveCallOptions(opts)
	info := CallInfo{Service: service, Method: method, Pattern: pattern, Side: wire.RoleCaller}
	md := wire.WithPath(co.header, wire.MethodPath(service, method))
	if deadline, ok := ctx.Deadline(); ok {
		md = wire.WithTimeout(md, time.Until(deadline))
	}

	md, err := e.mw.OnRequestInit(ctx, info, md)
	if err != nil {
		code, msg := statusFromError(err)
		e.mw.OnError(ctx, info, err)
		return nil, &CallError{Code: code, Message: msg}
	}

	callCtx, cancel := context.WithCancel(ctx)

	var id wire.StreamID
	if err := e.submitSync(func() error {
		id = e.mux.CreateStream()
		return nil
	}); err != nil {
		cancel()
		return nil, err
	}

	h := &streamHandle{
		e:       e,
		id:      id,
		info:    info,
		opts:    co,
		ctx:     callCtx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
		recvRaw: e.makeCallerRecvRaw(id),
		machine: callstate.NewMachine(pattern),
	}

	if err := e.submitSync(func() error { return e.mux.SendMetadata(id, md, false) }); err != nil {
		cancel()
		return nil, err
	}
	h.machine.Opened()

	diagnostics.CallStarted(e.diag, e.debugLabel, service, method, wire.RoleCaller)
	go h.watchCancellation()
	return h, nil
}

// watchCancellation cancels the stream (if not already terminal) within
// one scheduler turn of ctx being done — satisfying "dropping the
// caller-visible handle ... cancels the underlying stream within one
// scheduler turn and releases the stream ID."
func (h *streamHandle) watchCancellation() {
	select {
	case <-h.ctx.Done():
		code := wire.Canceled
		if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
			code = wire.DeadlineExceeded
		}
		h.abort(code, h.ctx.Err().Error())
	case <-h.doneCh:
	}
}

// sendPayload forwards an encoded request payload.
func (h *streamHandle) sendPayload(b []byte, end bool) error {
	err := h.e.submitSync(func() error { return h.e.mux.SendPayload(h.id, b, end) })
	if end {
		h.mu.Lock()
		h.machine.LocalEndOfStream()
		h.mu.Unlock()
	}
	return err
}

// closeSend sends the local end-of-stream marker if it has not already
// been sent (coalesced with a final payload, or via explicit CloseSend).
func (h *streamHandle) closeSend() error {
	h.mu.Lock()
	already := h.machine.Phase() == callstate.HalfClosedLocal || h.machine.Phase() == callstate.Closed
	h.mu.Unlock()
	if already {
		return nil
	}
	err := h.e.submitSync(func() error { return h.e.mux.FinishSending(h.id) })
	h.mu.Lock()
	h.machine.LocalEndOfStream()
	h.mu.Unlock()
	return err
}

// abort transitions the call to Closed locally, sends an end-of-stream
// tagged with code to the peer (a CANCELLED code is the wire signal
// dispatch.go's responder-side recv loop and cancel hook both recognise)
// — via mux.Abort, which reaches the peer even if this call's local send
// direction already finished naturally (e.g. a unary or server-stream
// call's single request) — and releases the stream ID.
func (h *streamHandle) abort(code wire.StatusCode, message string) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.machine.Cancel()
	h.mu.Unlock()

	_ = h.e.submitSync(func() error {
		return h.e.mux.Abort(h.id, code, message)
	})
	h.release()
	h.closeDone()
}

func (h *streamHandle) closeDone() {
	h.mu.Lock()
	select {
	case <-h.doneCh:
		h.mu.Unlock()
		return
	default:
		close(h.doneCh)
	}
	h.mu.Unlock()
	h.cancel()
}

// release drains any buffered inbound frames and returns the stream ID
// to the multiplexer.
func (h *streamHandle) release() {
	go func() {
		for {
			if _, err := h.recvRaw(); err != nil {
				break
			}
		}
		_ = h.e.submitSync(func() error {
			h.e.mux.ReleaseStreamID(h.id)
			return nil
		})
	}()
}

// next blocks for the next caller-observable event: a middleware-passed
// data frame, or the terminal trailer translated to io.EOF (OK) or a
// *CallError (non-OK). Header frames are captured transparently. Must
// not be called concurrently with itself (mirrors the single-reader
// convention of a generated streaming client stub's Recv).
func (h *streamHandle) next() (wire.Frame, error) {
	for {
		raw, err := h.recvRaw()
		if err != nil {
			return wire.Frame{}, err
		}
		cf := classifyCallerFrame(raw)
		switch {
		case cf.isData:
			f, ok := h.e.mw.OnFrame(h.ctx, h.info, cf.frame)
			if !ok {
				continue
			}
			return f, nil
		case cf.isHeader:
			h.mu.Lock()
			if !h.headerSeen {
				h.headerSeen = true
				if h.opts.headerSink != nil {
					*h.opts.headerSink = cf.frame.Metadata
				}
			}
			h.mu.Unlock()
			continue
		default: // trailer
			return h.onTrailer(cf)
		}
	}
}

func (h *streamHandle) onTrailer(cf callFrame) (wire.Frame, error) {
	h.mu.Lock()
	h.trailer = cf.frame.Metadata
	if h.opts.trailerSink != nil {
		*h.opts.trailerSink = cf.frame.Metadata
	}
	h.machine.RemoteTrailer(cf.code, cf.frame.Metadata)
	h.finished = true
	h.mu.Unlock()

	code, msg := h.e.mw.OnResponseDone(h.ctx, h.info, cf.code, cf.message)
	diagnostics.CallFinished(h.e.diag, h.e.debugLabel, h.info.Service, h.info.Method, wire.RoleCaller, code, msg)

	// The local send direction must be finished before the stream ID can
	// be released, even if the caller never explicitly closed it (e.g. a
	// fast-fail trailer arriving before CloseSend on a client/bidi call).
	_ = h.closeSend()
	h.release()
	h.closeDone()

	if code == wire.OK {
		return wire.Frame{}, io.EOF
	}
	cerr := &CallError{Code: code, Message: msg}
	h.e.mw.OnError(h.ctx, h.info, cerr)
	return wire.Frame{}, cerr
}

// Header returns the responder's initial metadata as captured into the
// HeaderSink call option (filled transparently by next() as frames are
// consumed). It returns nil when the call was made without HeaderSink,
// or before a receive has consumed the header frame. Unlike a dedicated
// generated client stub, Header does not itself block for the header
// frame.
func (h *streamHandle) Header() (wire.Metadata, error) {
	return h.headerSinkValue(), nil
}

func (h *streamHandle) headerSinkValue() wire.Metadata {
	if h.opts.headerSink != nil {
		return *h.opts.headerSink
	}
	return nil
}

// Trailer returns the trailing metadata observed at the call's terminal
// state, or nil before then.
func (h *streamHandle) Trailer() wire.Metadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trailer
}

func classifyCallerFrame(f wire.Frame) callFrame {
	switch f.Kind {
	case wire.KindPayload, wire.KindDirect:
		return callFrame{frame: f, isData: true}
	default:
		if !f.End {
			return callFrame{frame: f, isHeader: true}
		}
		code, msg, _ := wire.Status(f.Metadata)
		return callFrame{frame: f, isTrailer: true, code: code, message: msg}
	}
}

// makeCallerRecvRaw bridges a stream's inbox into a blocking
// func() (wire.Frame, error), exactly like Endpoint.makeRecvRaw but
// without its responder-only EOF/Canceled translation: the caller side
// needs the trailer's actual status code, not a collapsed sentinel.
func (e *Endpoint) makeCallerRecvRaw(id wire.StreamID) func() (wire.Frame, error) {
	return func() (wire.Frame, error) {
		return e.recvOneFrame(id)
	}
}

func decodeFrame[T any](f wire.Frame, c codec.Codec[T]) (T, error) {
	var zero T
	if f.Kind == wire.KindDirect {
		v, ok := f.Direct.(T)
		if !ok {
			return zero, fmt.Errorf("corerpc: direct object of unexpected type %T", f.Direct)
		}
		return v, nil
	}
	return c.Decode(f.Payload)
}

func encodeSend[T any](h *streamHandle, v T, c codec.Codec[T], end bool) error {
	var f wire.Frame
	if h.e.transport.SupportsZeroCopy() {
		f = wire.DirectFrame(h.id, v, end)
	} else {
		b, err := c.Encode(v)
		if err != nil {
			return err
		}
		f = wire.PayloadFrame(h.id, b, end)
	}
	f, ok := h.e.mw.OnFrame(h.ctx, h.info, f)
	if !ok {
		return nil
	}
	if f.Kind == wire.KindDirect {
		err := h.e.submitSync(func() error { return h.e.mux.SendDirect(h.id, f.Direct, f.End) })
		if f.End {
			h.mu.Lock()
			h.machine.LocalEndOfStream()
			h.mu.Unlock()
		}
		return err
	}
	return h.sendPayload(f.Payload, f.End)
}

// Unary invokes a unary method: exactly one request payload, exactly one
// response payload.
func Unary[Req, Resp any](ctx context.Context, e *Endpoint, service, method string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], req Req, opts ...CallOption) (Resp, error) {
	var zero Resp
	h, err := e.newCall(ctx, service, method, callstate.Unary, opts)
	if err != nil {
		return zero, err
	}
	defer h.release()

	if err := encodeSend(h, req, reqCodec, true); err != nil {
		h.abort(wire.Internal, err.Error())
		return zero, err
	}

	f, err := h.next()
	if err != nil {
		if err == io.EOF {
			return zero, &CallError{Code: wire.Internal, Message: "unary call completed without a response payload"}
		}
		return zero, err
	}
	resp, err := decodeFrame(f, respCodec)
	if err != nil {
		h.abort(wire.Internal, err.Error())
		return zero, err
	}
	if _, err := h.next(); err != io.EOF {
		if err == nil {
			return zero, &CallError{Code: wire.Internal, Message: "unary call received more than one response payload"}
		}
		return zero, err
	}
	return resp, nil
}

// ServerStreamCall is the caller-visible surface of a server-streaming
// call: a lazy, finite, non-restartable sequence of typed responses.
type ServerStreamCall[Resp any] struct {
	h   *streamHandle
	dec codec.Codec[Resp]
}

// Recv returns the next response, or io.EOF once the trailer (status OK)
// has been observed, or a *CallError for a non-OK trailer.
func (c *ServerStreamCall[Resp]) Recv() (Resp, error) {
	var zero Resp
	f, err := c.h.next()
	if err != nil {
		return zero, err
	}
	return decodeFrame(f, c.dec)
}

// Close cancels the call if it has not already reached its terminal
// state: "closing the sequence before trailer = cancellation."
func (c *ServerStreamCall[Resp]) Close() { c.h.abort(wire.Canceled, "server stream closed by caller") }

// Header returns the responder's initial metadata once observed; see
// streamHandle.Header for its non-blocking contract.
func (c *ServerStreamCall[Resp]) Header() (wire.Metadata, error) { return c.h.Header() }

// Trailer returns the trailing metadata once the call has terminated.
func (c *ServerStreamCall[Resp]) Trailer() wire.Metadata { return c.h.Trailer() }

// ServerStream invokes a server-streaming method: one request payload,
// zero or more response payloads.
func ServerStream[Req, Resp any](ctx context.Context, e *Endpoint, service, method string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], req Req, opts ...CallOption) (*ServerStreamCall[Resp], error) {
	h, err := e.newCall(ctx, service, method, callstate.ServerStream, opts)
	if err != nil {
		return nil, err
	}
	if err := encodeSend(h, req, reqCodec, true); err != nil {
		h.abort(wire.Internal, err.Error())
		return nil, err
	}
	return &ServerStreamCall[Resp]{h: h, dec: respCodec}, nil
}

// ClientStreamCall is the caller-visible surface of a client-streaming
// call: a sink for typed requests plus a future of the typed response.
type ClientStreamCall[Req, Resp any] struct {
	h   *streamHandle
	enc codec.Codec[Req]
	dec codec.Codec[Resp]
}

// Send delivers one request payload. Returns an error if the call has
// already reached a terminal state.
func (c *ClientStreamCall[Req, Resp]) Send(req Req) error {
	return encodeSend(c.h, req, c.enc, false)
}

// CloseAndRecv closes the request sink and blocks for the single
// response.
func (c *ClientStreamCall[Req, Resp]) CloseAndRecv() (Resp, error) {
	var zero Resp
	if err := c.h.closeSend(); err != nil {
		return zero, err
	}
	f, err := c.h.next()
	if err != nil {
		if err == io.EOF {
			return zero, &CallError{Code: wire.Internal, Message: "client stream completed without a response payload"}
		}
		return zero, err
	}
	resp, err := decodeFrame(f, c.dec)
	if err != nil {
		return zero, err
	}
	if _, err := c.h.next(); err != io.EOF {
		if err == nil {
			return zero, &CallError{Code: wire.Internal, Message: "client stream received more than one response payload"}
		}
		return zero, err
	}
	return resp, nil
}

// Header returns the responder's initial metadata once observed; see
// streamHandle.Header for its non-blocking contract.
func (c *ClientStreamCall[Req, Resp]) Header() (wire.Metadata, error) { return c.h.Header() }

// Trailer returns the trailing metadata once the call has terminated.
func (c *ClientStreamCall[Req, Resp]) Trailer() wire.Metadata { return c.h.Trailer() }

// ClientStream invokes a client-streaming method.
func ClientStream[Req, Resp any](ctx context.Context, e *Endpoint, service, method string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], opts ...CallOption) (*ClientStreamCall[Req, Resp], error) {
	h, err := e.newCall(ctx, service, method, callstate.ClientStream, opts)
	if err != nil {
		return nil, err
	}
	return &ClientStreamCall[Req, Resp]{h: h, enc: reqCodec, dec: respCodec}, nil
}

// BidiStreamCall is the caller-visible surface of a bidirectional call: a
// duplex channel of typed requests and typed responses, each direction
// closing independently.
type BidiStreamCall[Req, Resp any] struct {
	h   *streamHandle
	enc codec.Codec[Req]
	dec codec.Codec[Resp]
}

// Send delivers one request payload.
func (c *BidiStreamCall[Req, Resp]) Send(req Req) error {
	return encodeSend(c.h, req, c.enc, false)
}

// CloseSend closes the request direction without affecting the response
// direction, which the responder may still be populating.
func (c *BidiStreamCall[Req, Resp]) CloseSend() error { return c.h.closeSend() }

// Recv returns the next response, or io.EOF/*CallError at the terminal
// state.
func (c *BidiStreamCall[Req, Resp]) Recv() (Resp, error) {
	var zero Resp
	f, err := c.h.next()
	if err != nil {
		return zero, err
	}
	return decodeFrame(f, c.dec)
}

// Close cancels the call if it has not already reached its terminal
// state.
func (c *BidiStreamCall[Req, Resp]) Close() { c.h.abort(wire.Canceled, "bidi stream closed by caller") }

// Header returns the responder's initial metadata once observed; see
// streamHandle.Header for its non-blocking contract.
func (c *BidiStreamCall[Req, Resp]) Header() (wire.Metadata, error) { return c.h.Header() }

// Trailer returns the trailing metadata once the call has terminated.
func (c *BidiStreamCall[Req, Resp]) Trailer() wire.Metadata { return c.h.Trailer() }

// BidiStream invokes a bidirectional-streaming method.
func BidiStream[Req, Resp any](ctx context.Context, e *Endpoint, service, method string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], opts ...CallOption) (*BidiStreamCall[Req, Resp], error) {
	h, err := e.newCall(ctx, service, method, callstate.Bidi, opts)
	if err != nil {
		return nil, err
	}
	return &BidiStreamCall[Req, Resp]{h: h, enc: reqCodec, dec: respCodec}, nil
}
