package corerpc

import (
	"context"
	"fmt"
	"io"

	"github.com/nexusrpc/corerpc/callstate"
	"github.com/nexusrpc/corerpc/codec"
	"github.com/nexusrpc/corerpc/wire"
)

// callIO is the prepared inbound/outbound adaptor a MethodContract's
// invoke closure is given. It is constructed fresh per call by the
// responder dispatcher (dispatch.go) and deliberately exposes no way to
// reach back into the dispatcher or multiplexer: handlers cannot re-enter
// stream dispatch for their own stream.
type callIO struct {
	ctx context.Context

	// recvRaw returns the next inbound frame (payload or direct object),
	// or io.EOF once the request side has reached end-of-stream.
	recvRaw func() (wire.Frame, error)

	// sendPayload and sendDirect deliver one encoded/direct response
	// frame. zeroCopy reports whether sendDirect is actually usable this
	// call (the transport must report SupportsZeroCopy).
	sendPayload func(b []byte, end bool) error
	sendDirect  func(obj any, end bool) error
	zeroCopy    bool

	// onFrame is the endpoint's middleware chain's per-frame hook, bound
	// to this call's context/CallInfo. A dropped inbound frame (ok=false)
	// is skipped transparently; a dropped outbound frame is silently not
	// sent, per Middleware.OnFrame's "drop instead of forward" contract.
	onFrame func(wire.Frame) (wire.Frame, bool)
}

func (c *callIO) recvTyped(decode func([]byte) (any, error)) (any, error) {
	for {
		f, err := c.recvRaw()
		if err != nil {
			return nil, err
		}
		if c.onFrame != nil {
			var ok bool
			f, ok = c.onFrame(f)
			if !ok {
				continue
			}
		}
		if f.Kind == wire.KindDirect {
			return f.Direct, nil
		}
		return decode(f.Payload)
	}
}

func (c *callIO) sendTyped(v any, encode func(any) ([]byte, error), end bool) error {
	var f wire.Frame
	if c.zeroCopy {
		f = wire.DirectFrame(0, v, end)
	} else {
		b, err := encode(v)
		if err != nil {
			return err
		}
		f = wire.PayloadFrame(0, b, end)
	}
	if c.onFrame != nil {
		var ok bool
		f, ok = c.onFrame(f)
		if !ok {
			return nil
		}
	}
	if f.Kind == wire.KindDirect {
		return c.sendDirect(f.Direct, f.End)
	}
	return c.sendPayload(f.Payload, f.End)
}

// eraseDecode wraps a typed codec's Decode into the any-typed closure
// callIO uses, erasing the element type to a common signature.
func eraseDecode[T any](c codec.Codec[T]) func([]byte) (any, error) {
	return func(b []byte) (any, error) {
		v, err := c.Decode(b)
		return v, err
	}
}

func eraseEncode[T any](c codec.Codec[T]) func(any) ([]byte, error) {
	return func(v any) ([]byte, error) {
		return c.Encode(v.(T))
	}
}

// UnaryHandler is a handler for a unary method.
type UnaryHandler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// NewUnaryMethod builds a MethodContract for a unary method: the
// responder reads exactly one request payload, invokes fn, and sends
// exactly one response payload.
func NewUnaryMethod[Req, Resp any](name string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], fn UnaryHandler[Req, Resp]) MethodContract {
	decodeReq := eraseDecode(reqCodec)
	encodeResp := eraseEncode(respCodec)
	return MethodContract{
		Name:    name,
		Pattern: callstate.Unary,
		invoke: func(ctx context.Context, c *callIO) error {
			reqAny, err := c.recvTyped(decodeReq)
			if err != nil {
				return err
			}
			if _, err := c.recvRaw(); err != io.EOF {
				return fmt.Errorf("corerpc: unary method %q received more than one request payload", name)
			}
			resp, err := fn(ctx, reqAny.(Req))
			if err != nil {
				return err
			}
			return c.sendTyped(resp, encodeResp, true)
		},
	}
}

// ServerStreamHandler is a handler for a server-streaming method. send
// delivers zero or more responses; returning nil after send calls ends
// the stream OK.
type ServerStreamHandler[Req, Resp any] func(ctx context.Context, req Req, send func(Resp) error) error

// NewServerStreamMethod builds a MethodContract for a server-streaming
// method: the responder reads exactly one request payload, then drives
// fn, which may call send any number of times before returning.
func NewServerStreamMethod[Req, Resp any](name string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], fn ServerStreamHandler[Req, Resp]) MethodContract {
	decodeReq := eraseDecode(reqCodec)
	encodeResp := eraseEncode(respCodec)
	return MethodContract{
		Name:    name,
		Pattern: callstate.ServerStream,
		invoke: func(ctx context.Context, c *callIO) error {
			reqAny, err := c.recvTyped(decodeReq)
			if err != nil {
				return err
			}
			send := func(resp Resp) error {
				return c.sendTyped(resp, encodeResp, false)
			}
			return fn(ctx, reqAny.(Req), send)
		},
	}
}

// ClientStreamHandler is a handler for a client-streaming method. recv
// yields io.EOF once the client has closed its request stream; fn must
// drain it fully before returning its single response.
type ClientStreamHandler[Req, Resp any] func(ctx context.Context, recv func() (Req, error)) (Resp, error)

// NewClientStreamMethod builds a MethodContract for a client-streaming
// method: the responder drives fn with a recv function yielding zero or
// more requests, then sends fn's single response.
func NewClientStreamMethod[Req, Resp any](name string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], fn ClientStreamHandler[Req, Resp]) MethodContract {
	decodeReq := eraseDecode(reqCodec)
	encodeResp := eraseEncode(respCodec)
	return MethodContract{
		Name:    name,
		Pattern: callstate.ClientStream,
		invoke: func(ctx context.Context, c *callIO) error {
			recv := func() (Req, error) {
				v, err := c.recvTyped(decodeReq)
				if err != nil {
					var zero Req
					return zero, err
				}
				return v.(Req), nil
			}
			resp, err := fn(ctx, recv)
			if err != nil {
				return err
			}
			return c.sendTyped(resp, encodeResp, true)
		},
	}
}

// BidiHandler is a handler for a bidirectional-streaming method. A
// handler that returns before recv has yielded io.EOF aborts the call
// with CANCELLED once the dispatcher notices inbound requests were
// never drained — see dispatch.go's drain-on-return enforcement.
type BidiHandler[Req, Resp any] func(ctx context.Context, recv func() (Req, error), send func(Resp) error) error

// NewBidiMethod builds a MethodContract for a bidirectional-streaming
// method.
func NewBidiMethod[Req, Resp any](name string, reqCodec codec.Codec[Req], respCodec codec.Codec[Resp], fn BidiHandler[Req, Resp]) MethodContract {
	decodeReq := eraseDecode(reqCodec)
	encodeResp := eraseEncode(respCodec)
	return MethodContract{
		Name:    name,
		Pattern: callstate.Bidi,
		invoke: func(ctx context.Context, c *callIO) error {
			recv := func() (Req, error) {
				v, err := c.recvTyped(decodeReq)
				if err != nil {
					var zero Req
					return zero, err
				}
				return v.(Req), nil
			}
			send := func(resp Resp) error {
				return c.sendTyped(resp, encodeResp, false)
			}
			return fn(ctx, recv, send)
		},
	}
}
