package corerpc

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// makeResponderContext derives a handler-visible context from the
// root context responderRootContext built for this call: it inherits
// cancellation/deadline but not values (so caller-local state never leaks
// across a stream boundary that may, on a real transport, be a different
// process entirely), and carries the initial metadata as incoming
// metadata.
func makeResponderContext(ctx context.Context, md metadata.MD) context.Context {
	out := context.Context(noValuesContext{ctx})
	if md != nil {
		out = metadata.NewIncomingContext(out, md)
	}
	return out
}

// noValuesContext wraps a context but hides its values while still
// propagating cancellation and deadline.
type noValuesContext struct {
	context.Context
}

func (c noValuesContext) Value(key any) any { return nil }
