package corerpc

import (
	"google.golang.org/grpc/metadata"

	"github.com/nexusrpc/corerpc/wire"
)

// CallOption configures one outbound call, built directly around
// wire.Metadata rather than a header/trailer pointer-slice scheme,
// since this runtime owns its own metadata type end to end.
type CallOption interface {
	applyCallOption(*callOptions)
}

type callOptions struct {
	header      wire.Metadata
	headerSink  *wire.Metadata
	trailerSink *wire.Metadata
}

type callOptionFunc func(*callOptions)

func (f callOptionFunc) applyCallOption(c *callOptions) { f(c) }

// WithHeader merges md into the call's outbound initial metadata,
// alongside the method path.
func WithHeader(md wire.Metadata) CallOption {
	return callOptionFunc(func(c *callOptions) {
		c.header = metadata.Join(c.header, md)
	})
}

// HeaderSink captures the responder's initial metadata into *md once it
// is received.
func HeaderSink(md *wire.Metadata) CallOption {
	return callOptionFunc(func(c *callOptions) { c.headerSink = md })
}

// TrailerSink captures the responder's trailing metadata into *md once
// the call reaches its terminal state.
func TrailerSink(md *wire.Metadata) CallOption {
	return callOptionFunc(func(c *callOptions) { c.trailerSink = md })
}

func resolveCallOptions(opts []CallOption) *callOptions {
	c := &callOptions{}
	for _, o := range opts {
		if o != nil {
			o.applyCallOption(c)
		}
	}
	return c
}
