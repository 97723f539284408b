// Package transport declares the interface every concrete transport
// back-end (in-memory pipe, HTTP/2, WebSocket, process-local isolate)
// must satisfy. Concrete back-ends are deliberately external
// collaborators; this package fixes only the contract the
// stream multiplexer (internal/mux) relies on. transport/inmem and
// transport/ws are reference implementations used by this repo's own
// tests, not the deliverable core itself.
package transport

import (
	"context"

	"github.com/nexusrpc/corerpc/wire"
)

// Transport is the contract a multiplexer drives.
// Implementations MUST preserve per-stream, per-direction frame order;
// MUST surface remote-initiated stream creation by emitting the first
// frame carrying a previously-unseen stream ID; and MUST eventually
// signal end-of-stream (a synthetic UNAVAILABLE trailer, see
// wire.SyntheticTrailer) on every live stream when the underlying
// connection fails.
type Transport interface {
	// CreateStream allocates a fresh, locally-owned stream ID honouring
	// this transport's Role parity.
	CreateStream() wire.StreamID

	// SendMetadata sends a metadata-only frame.
	SendMetadata(id wire.StreamID, md wire.Metadata, endStream bool) error

	// SendPayload sends an encoded payload frame.
	SendPayload(id wire.StreamID, b []byte, endStream bool) error

	// SendDirect sends a native object reference. Only callable when
	// SupportsZeroCopy reports true.
	SendDirect(id wire.StreamID, obj any, endStream bool) error

	// FinishSending marks the local send direction of id as complete,
	// without necessarily emitting a standalone frame (it may already
	// have been coalesced via endStream on a prior Send call).
	FinishSending(id wire.StreamID) error

	// ReleaseStreamID returns an ID to the pool once both directions of
	// id have reached end-of-stream. Returns false if id is unknown to
	// the transport. The transport does not itself check that both
	// directions have finished; the multiplexer only calls it once they
	// have.
	ReleaseStreamID(id wire.StreamID) bool

	// IncomingFrames returns the channel of all inbound frames, across
	// every stream, in arbitrary cross-stream interleaving but strict
	// per-stream, per-direction order.
	IncomingFrames() <-chan wire.Frame

	// Close shuts the transport down. Every stream still open at the
	// time of Close observes a synthetic UNAVAILABLE trailer.
	Close() error

	// IsClosed reports whether Close has completed.
	IsClosed() bool

	// Role reports whether this transport instance allocates caller
	// (odd) or responder (even) stream IDs.
	Role() wire.Role

	// SupportsZeroCopy reports whether SendDirect/KindDirect frames are
	// usable on this transport.
	SupportsZeroCopy() bool
}

// DialContext is implemented by transports that must perform an async
// handshake (e.g. a WebSocket upgrade) before frames can flow. Transports
// without a handshake (e.g. transport/inmem) need not implement it.
type DialContext interface {
	DialContext(ctx context.Context) error
}
