package corerpc

import (
	"fmt"

	"github.com/nexusrpc/corerpc/diagnostics"
	"github.com/nexusrpc/corerpc/internal/loop"
	"github.com/nexusrpc/corerpc/transport"
)

// EndpointLoop is the subset of *internal/loop.Loop an Endpoint actually
// needs to schedule work, exposed as an interface so a caller can supply
// their own cooperative scheduler instead of the one NewEndpoint creates
// by default — an escape hatch for callers that already drive an event
// loop for other reasons (e.g. a JS engine integration).
type EndpointLoop interface {
	Submit(func()) error
	SubmitInternal(func()) error
}

// endpointConfig collects NewEndpoint's resolved options.
type endpointConfig struct {
	transport   transport.Transport
	extLoop     EndpointLoop
	ownedLoop   *loop.Loop
	diagnostics *diagnostics.Logger
	debugLabel  string
	middleware  []Middleware
}

// Option configures a new Endpoint. Options are applied during
// construction; NewEndpoint panics if any option fails validation,
// since invalid options are a programming error.
type Option interface {
	applyOption(*endpointConfig) error
}

type optionFunc func(*endpointConfig) error

func (f optionFunc) applyOption(c *endpointConfig) error { return f(c) }

// WithTransport configures the transport the endpoint drives. Required.
func WithTransport(t transport.Transport) Option {
	return optionFunc(func(c *endpointConfig) error {
		if t == nil {
			return fmt.Errorf("corerpc: transport must not be nil")
		}
		c.transport = t
		return nil
	})
}

// WithLoop supplies an externally-owned scheduler instead of the
// internal/loop.Loop NewEndpoint creates by default. The supplied loop
// must already be running (or be started independently); Endpoint.Close
// will not attempt to stop it.
func WithLoop(l EndpointLoop) Option {
	return optionFunc(func(c *endpointConfig) error {
		if l == nil {
			return fmt.Errorf("corerpc: loop must not be nil")
		}
		c.extLoop = l
		return nil
	})
}

// WithDiagnostics configures the structured logger used for the
// endpoint's debug-label/log output.
// Logging is disabled (diagnostics.Nop) by default; a process-wide
// logger is never read from global state — it must be injected here, per endpoint.
func WithDiagnostics(l *diagnostics.Logger) Option {
	return optionFunc(func(c *endpointConfig) error {
		if l == nil {
			return fmt.Errorf("corerpc: diagnostics logger must not be nil")
		}
		c.diagnostics = l
		return nil
	})
}

// WithDebugLabel sets the label surfaced in diagnostic log lines.
func WithDebugLabel(label string) Option {
	return optionFunc(func(c *endpointConfig) error {
		c.debugLabel = label
		return nil
	})
}

// WithMiddleware appends middleware to the endpoint's chain, in the
// order given across calls.
func WithMiddleware(m ...Middleware) Option {
	return optionFunc(func(c *endpointConfig) error {
		c.middleware = append(c.middleware, m...)
		return nil
	})
}

// resolveOptions applies opts to a default endpointConfig, creating an
// owned internal/loop.Loop if the caller did not supply one via WithLoop.
func resolveOptions(opts []Option) (*endpointConfig, error) {
	cfg := &endpointConfig{diagnostics: diagnostics.Nop()}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.transport == nil {
		return nil, fmt.Errorf("corerpc: transport must be provided via WithTransport")
	}
	if cfg.extLoop == nil {
		l, err := loop.New()
		if err != nil {
			return nil, fmt.Errorf("corerpc: constructing default loop: %w", err)
		}
		cfg.ownedLoop = l
		cfg.extLoop = cfg.ownedLoop
	}
	return cfg, nil
}
