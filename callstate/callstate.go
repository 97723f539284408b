// Package callstate implements the single state machine shared by all
// four call patterns.
//
// A Machine only tracks phase transitions and the terminal status; it
// does not itself move bytes. The caller side of the root package
// (call.go) drives a Machine alongside the stream's internal/stream.Queue
// inbox, keeping queueing and phase tracking as two separate concerns
// instead of reimplementing phase logic once per call pattern. The
// responder dispatcher does not use a Machine.
package callstate

import "github.com/nexusrpc/corerpc/wire"

// Cardinality is how many payloads flow in one direction of a call.
type Cardinality uint8

const (
	// One means exactly one payload.
	One Cardinality = iota
	// Many means zero or more payloads.
	Many
)

// Pattern is one of the four gRPC-style interaction shapes.
type Pattern uint8

const (
	Unary Pattern = iota
	ServerStream
	ClientStream
	Bidi
)

func (p Pattern) String() string {
	switch p {
	case Unary:
		return "unary"
	case ServerStream:
		return "server-stream"
	case ClientStream:
		return "client-stream"
	case Bidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// Cardinalities returns the (request, response) cardinality pair for p.
func (p Pattern) Cardinalities() (request, response Cardinality) {
	switch p {
	case Unary:
		return One, One
	case ServerStream:
		return One, Many
	case ClientStream:
		return Many, One
	case Bidi:
		return Many, Many
	default:
		return One, One
	}
}

// Phase is a call's position in the shared state machine:
// New → Open → HalfClosedLocal/HalfClosedRemote → Closed.
type Phase uint8

const (
	New Phase = iota
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (p Phase) String() string {
	switch p {
	case New:
		return "new"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed-local"
	case HalfClosedRemote:
		return "half-closed-remote"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Machine is the shared phase tracker for one call, on one side (caller
// or responder) of that call. It holds no payload state: the owning
// endpoint pairs a Machine with the stream's internal/stream.Queue inbox.
type Machine struct {
	pattern         Pattern
	phase           Phase
	localSendClosed bool
	remoteClosed    bool
	hasTerminal     bool
	statusCode      wire.StatusCode
	trailer         wire.Metadata
}

// NewMachine constructs a Machine in phase New for the given pattern.
func NewMachine(p Pattern) *Machine {
	return &Machine{pattern: p, phase: New}
}

// Pattern reports the call pattern this machine was constructed for.
func (m *Machine) Pattern() Pattern { return m.pattern }

// Phase reports the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Opened transitions New → Open: initial metadata (with method path) has
// been sent, possibly coalesced with the first payload.
func (m *Machine) Opened() {
	if m.phase == New {
		m.phase = Open
	}
}

// LocalEndOfStream transitions towards HalfClosedLocal or Closed: the
// local side has sent its last payload and end-of-stream.
func (m *Machine) LocalEndOfStream() {
	m.localSendClosed = true
	m.settle()
}

// RemoteTrailer transitions towards HalfClosedRemote or Closed: trailing
// metadata carrying a terminal status arrived from the peer. Valid even
// from phase New when code is non-OK (a fast-fail response) — callers
// should check Phase() == New before calling if they need to
// special-case that.
func (m *Machine) RemoteTrailer(code wire.StatusCode, trailer wire.Metadata) {
	m.hasTerminal = true
	m.statusCode = code
	m.trailer = trailer
	m.remoteClosed = true
	m.settle()
}

// Cancel transitions immediately to Closed(CANCELLED) from any phase.
func (m *Machine) Cancel() {
	if m.phase == Closed {
		return
	}
	m.hasTerminal = true
	m.statusCode = wire.Canceled
	m.localSendClosed = true
	m.remoteClosed = true
	m.phase = Closed
}

// AbortInternal transitions immediately to Closed(INTERNAL), for protocol
// violations detected locally: a payload
// after the local end-of-stream, more than one unary response, etc.
func (m *Machine) AbortInternal(message string) {
	if m.phase == Closed {
		return
	}
	m.hasTerminal = true
	m.statusCode = wire.Internal
	m.trailer = wire.WithStatus(nil, wire.Internal, message)
	m.localSendClosed = true
	m.remoteClosed = true
	m.phase = Closed
}

func (m *Machine) settle() {
	switch {
	case m.localSendClosed && m.remoteClosed:
		m.phase = Closed
	case m.localSendClosed:
		m.phase = HalfClosedLocal
	case m.remoteClosed:
		m.phase = HalfClosedRemote
	}
}

// Terminal reports the status/trailer recorded by RemoteTrailer, Cancel,
// or AbortInternal. ok is false until one of those has been called.
func (m *Machine) Terminal() (code wire.StatusCode, trailer wire.Metadata, ok bool) {
	return m.statusCode, m.trailer, m.hasTerminal
}

// Done reports whether the machine has reached Closed.
func (m *Machine) Done() bool { return m.phase == Closed }
