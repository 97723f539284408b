// Package loop adapts github.com/joeycumines/go-eventloop's cooperative
// scheduler to the narrow Submit/SubmitInternal/Run/Close/Done surface
// this runtime's endpoint drives every stream through. The teacher
// (inprocgrpc) is itself built this way: its own doc.go describes the
// whole package as "driven by an [eventloop.Loop]", and its Channel is
// constructed with an already-running *eventloop.Loop via WithLoop. This
// package is that same dependency, reshaped into a value an Endpoint can
// own and stop without the caller having to manage a context itself.
package loop

import (
	"context"

	eventloop "github.com/joeycumines/go-eventloop"
)

// Loop owns one goroutine's worth of go-eventloop scheduling for a single
// Endpoint. The zero value is not usable; construct with New.
type Loop struct {
	inner  *eventloop.Loop
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Loop backed by a fresh eventloop.Loop. Run must be
// called from a dedicated goroutine before Submit/SubmitInternal do
// anything useful, exactly as the teacher's own newTestLoop helper starts
// its loop before handing it to WithLoop.
func New() (*Loop, error) {
	inner, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		inner:  inner,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Submit enqueues fn for execution on the loop goroutine, in FIFO order
// relative to other Submit calls. Safe for concurrent use from any
// goroutine.
func (l *Loop) Submit(fn func()) error {
	return l.inner.Submit(fn)
}

// SubmitInternal enqueues fn onto go-eventloop's priority lane: all
// pending internal tasks are drained before any external task. Used for
// loop-owned bookkeeping (e.g. multiplexer dispatch of inbound frames)
// that must not be starved by a backlog of caller-submitted work.
func (l *Loop) SubmitInternal(fn func()) error {
	return l.inner.SubmitInternal(fn)
}

// Run drains tasks until Close is called. It blocks the calling goroutine
// and must be run exactly once per Loop; call it from a dedicated
// goroutine (the endpoint's "loop goroutine").
func (l *Loop) Run() error {
	defer close(l.done)
	return l.inner.Run(l.ctx)
}

// Close stops the loop: the context backing its Run call is cancelled,
// causing Run to return once go-eventloop finishes whatever it was
// already doing. Close does not wait for Run to return; use Done to
// wait.
func (l *Loop) Close() {
	l.cancel()
}

// Done returns a channel closed once Run has returned following Close.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
