package corerpc

import (
	"fmt"
	"sync"

	"github.com/nexusrpc/corerpc/diagnostics"
	"github.com/nexusrpc/corerpc/internal/loop"
	"github.com/nexusrpc/corerpc/internal/mux"
	"github.com/nexusrpc/corerpc/transport"
)

// Endpoint is the runtime instance that owns one transport and one
// contract registry; it can act as caller, responder, or both (see
// GLOSSARY). Construct with NewEndpoint; the zero value is not usable.
type Endpoint struct {
	transport  transport.Transport
	mux        *mux.Multiplexer
	loop       EndpointLoop
	ownedLoop  *loop.Loop
	registry   *ContractRegistry
	mw         *middlewareChain
	diag       *diagnostics.Logger
	debugLabel string

	mwMu      sync.Mutex
	closeOnce sync.Once
}

// NewEndpoint constructs an Endpoint over the transport supplied via
// WithTransport (required) and starts its scheduling loop and inbound
// frame pump. Panics if any option fails validation; invalid
// configuration is a programming error.
func NewEndpoint(opts ...Option) *Endpoint {
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic(fmt.Sprintf("corerpc: %s", err))
	}

	e := &Endpoint{
		transport:  cfg.transport,
		loop:       cfg.extLoop,
		ownedLoop:  cfg.ownedLoop,
		registry:   &ContractRegistry{},
		mw:         &middlewareChain{chain: cfg.middleware},
		diag:       cfg.diagnostics,
		debugLabel: cfg.debugLabel,
	}
	e.mux = mux.New(cfg.transport, e.onNewStream)

	if e.ownedLoop != nil {
		go func() { _ = e.ownedLoop.Run() }()
	}
	go e.pumpIncoming()

	return e
}

// pumpIncoming feeds every frame the transport delivers into the
// multiplexer, via the loop's internal (priority) lane so inbound
// dispatch is never starved by a backlog of caller-submitted work
// (internal/loop.SubmitInternal's doc comment).
func (e *Endpoint) pumpIncoming() {
	for f := range e.transport.IncomingFrames() {
		f := f
		_ = e.loop.SubmitInternal(func() { e.mux.Dispatch(f) })
	}
	diagnostics.TransportClosed(e.diag, e.debugLabel, nil)
}

// RegisterServiceContract registers c's flattened methods.
// Must be called before any call for one of its methods is expected to
// arrive; registration is not synchronized against concurrent dispatch.
func (e *Endpoint) RegisterServiceContract(c ServiceContract) error {
	return e.registry.Register(c)
}

// RegisterMethod adds a single ad-hoc method registration, independent
// of any ServiceContract.
func (e *Endpoint) RegisterMethod(service string, m MethodContract) error {
	return e.registry.RegisterMethod(service, m)
}

// AddMiddleware appends m to the endpoint's middleware chain. Like
// registration, this is a setup-time operation and is not synchronized
// against concurrent dispatch.
func (e *Endpoint) AddMiddleware(m Middleware) {
	e.mwMu.Lock()
	defer e.mwMu.Unlock()
	e.mw.chain = append(e.mw.chain, m)
}

// ServiceInfo reports the methods registered on this endpoint, for
// diagnostics.
func (e *Endpoint) ServiceInfo() map[string]ServiceInfo {
	return e.registry.ServiceInfo()
}

// DebugLabel returns the label this endpoint was constructed with, if
// any.
func (e *Endpoint) DebugLabel() string { return e.debugLabel }

// Close shuts the endpoint's transport and multiplexer down, closing
// every in-flight stream with a synthetic UNAVAILABLE trailer, and stops
// an owned internal/loop.Loop (one supplied via WithLoop is left
// running; the caller owns its lifecycle). Idempotent.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.submitSync(func() error { return e.mux.Close() })
		if e.ownedLoop != nil {
			e.ownedLoop.Close()
			<-e.ownedLoop.Done()
		}
	})
	return err
}
