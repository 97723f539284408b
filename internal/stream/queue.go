// Package stream provides the callback-based single-direction message
// queue that backs one half of a call's duplex channel. Queue is the
// per-stream inbox internal/mux routes inbound wire.Frame values into.
//
// All types in this package assume single-threaded access: every method
// runs on the owning endpoint's loop goroutine (internal/loop). No
// mutexes or atomics are used — the loop's own FIFO ordering is the only
// synchronization primitive required.
package stream

import "io"

// Queue buffers messages sent by one side of a call until a receiver
// registers interest, or delivers them directly to an already-waiting
// receiver. It never holds the loop: Recv always returns immediately
// after either delivering buffered data or storing the callback for
// later invocation by a subsequent Send/Close.
type Queue struct {
	err    error
	waiter func(msg any, err error)
	buf    []any
	closed bool
}

// Send buffers or immediately delivers msg. Returns io.EOF if the queue
// is already closed. Panics if msg is nil: a nil value must never enter
// the buffer (callers distinguish "no value" via Close, not via a nil
// payload).
func (q *Queue) Send(msg any) error {
	if msg == nil {
		panic("stream: cannot send nil message")
	}
	if q.closed {
		return io.EOF
	}
	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		w(msg, nil)
		return nil
	}
	q.buf = append(q.buf, msg)
	return nil
}

// Recv registers a one-shot callback for the next message. Delivery
// priority: (1) the oldest buffered message, FIFO; (2) if closed and
// drained, the close error (io.EOF for a clean close); (3) otherwise cb
// is stored and invoked by the next Send or Close. Panics if a previous
// waiter is still pending — callers never register two waiters at once.
func (q *Queue) Recv(cb func(msg any, err error)) {
	if len(q.buf) > 0 {
		msg := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		if len(q.buf) == 0 {
			q.buf = nil
		}
		cb(msg, nil)
		return
	}
	if q.closed {
		if q.err != nil {
			cb(nil, q.err)
		} else {
			cb(nil, io.EOF)
		}
		return
	}
	if q.waiter != nil {
		panic("stream: Recv called with existing waiter")
	}
	q.waiter = cb
}

// Close closes the queue with the given error (nil for a clean close,
// delivered to waiters as io.EOF). Idempotent: subsequent calls are
// no-ops. Already-buffered messages remain available to Recv.
func (q *Queue) Close(err error) {
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		if err != nil {
			w(nil, err)
		} else {
			w(nil, io.EOF)
		}
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool { return q.closed }

// Err returns the error passed to Close, or nil for a clean close. Only
// meaningful once Closed reports true.
func (q *Queue) Err() error { return q.err }

// Buffered reports the number of messages currently buffered (not yet
// delivered to a Recv waiter). internal/mux reads this after every
// Dispatch to enforce the bounded backpressure watermark: a stream
// nobody is draining is terminated with RESOURCE_EXHAUSTED once its
// buffered count passes the limit, rather than left to grow without
// bound.
func (q *Queue) Buffered() int { return len(q.buf) }
