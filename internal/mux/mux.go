// Package mux implements the stream multiplexer: it assigns fresh
// stream IDs honouring the parity rule, routes every inbound frame to
// the correct per-stream inbox, tracks local/remote end-of-stream so
// sends and receives fail cleanly after closure, and releases stream
// IDs on terminal transitions.
//
// Every exported method (other than the constructor) must be called
// from the owning endpoint's loop goroutine (internal/loop): the
// multiplexer itself holds no locks, relying on exclusive
// loop-goroutine access by convention rather than by synchronization.
package mux

import (
	"fmt"

	"github.com/nexusrpc/corerpc/internal/stream"
	"github.com/nexusrpc/corerpc/transport"
	"github.com/nexusrpc/corerpc/wire"
)

// inboxWatermark bounds how many frames may accumulate in a stream's
// inbox before a subscriber drains it. None of this repo's transports
// implement their own flow control, so once a queue's Buffered count
// passes the watermark the only remaining option named in spec.md's
// backpressure rule is the fallback: drop the stream with
// RESOURCE_EXHAUSTED rather than let an unread producer buffer without
// bound.
const inboxWatermark = 256

// Multiplexer owns one Transport's stream-ID space and per-stream inbound
// routing.
type Multiplexer struct {
	t          transport.Transport
	role       wire.Role
	nextID     wire.StreamID
	inboxes    map[wire.StreamID]*stream.Queue
	localFin   map[wire.StreamID]bool // local sending finished
	remoteSeen map[wire.StreamID]bool
	closed     bool

	// cancelHooks fires, at most once, when a CANCELLED metadata+end frame
	// arrives for a stream a responder handler is actively draining, so a
	// handler blocked on something other than recv still observes
	// cancellation (see dispatch.go's runHandler).
	cancelHooks map[wire.StreamID]func()

	// onNewStream is invoked (on the loop goroutine, via the caller's own
	// dispatch submission) the first time a frame for a remote-initiated
	// stream ID is observed.
	onNewStream func(wire.StreamID, wire.Frame)
}

// New constructs a Multiplexer over t. onNewStream is called for the
// first frame of any stream ID this multiplexer did not itself allocate
// via CreateStream.
func New(t transport.Transport, onNewStream func(wire.StreamID, wire.Frame)) *Multiplexer {
	return &Multiplexer{
		t:           t,
		role:        t.Role(),
		nextID:      t.Role().FirstID(),
		inboxes:     make(map[wire.StreamID]*stream.Queue),
		localFin:    make(map[wire.StreamID]bool),
		remoteSeen:  make(map[wire.StreamID]bool),
		onNewStream: onNewStream,
	}
}

// CreateStream allocates a new, monotonically-increasing locally-owned
// stream ID and opens its inbox.
func (m *Multiplexer) CreateStream() wire.StreamID {
	id := m.t.CreateStream()
	if _, ok := m.inboxes[id]; !ok {
		m.inboxes[id] = &stream.Queue{}
	}
	return id
}

// MessagesFor returns the inbox for id, creating it if this is the first
// reference (e.g. a remote-initiated stream not yet locally registered).
func (m *Multiplexer) MessagesFor(id wire.StreamID) *stream.Queue {
	q, ok := m.inboxes[id]
	if !ok {
		q = &stream.Queue{}
		m.inboxes[id] = q
	}
	return q
}

// SendMetadata forwards a metadata frame after checking the local
// sending-finished invariant.
func (m *Multiplexer) SendMetadata(id wire.StreamID, md wire.Metadata, end bool) error {
	if err := m.checkSendable(id); err != nil {
		return err
	}
	if end {
		m.localFin[id] = true
	}
	return m.t.SendMetadata(id, md, end)
}

// SendPayload forwards an encoded payload frame.
func (m *Multiplexer) SendPayload(id wire.StreamID, b []byte, end bool) error {
	if err := m.checkSendable(id); err != nil {
		return err
	}
	if end {
		m.localFin[id] = true
	}
	return m.t.SendPayload(id, b, end)
}

// SendDirect forwards a direct-object frame. Callers must first confirm
// transport.SupportsZeroCopy().
func (m *Multiplexer) SendDirect(id wire.StreamID, obj any, end bool) error {
	if err := m.checkSendable(id); err != nil {
		return err
	}
	if end {
		m.localFin[id] = true
	}
	return m.t.SendDirect(id, obj, end)
}

// LocalFinished reports whether the local send direction of id has
// already reached end-of-stream, so callers can avoid sending a second
// end-of-stream frame.
func (m *Multiplexer) LocalFinished(id wire.StreamID) bool {
	return m.localFin[id]
}

// FinishSending marks the local send direction of id complete.
func (m *Multiplexer) FinishSending(id wire.StreamID) error {
	if m.localFin[id] {
		return nil
	}
	m.localFin[id] = true
	return m.t.FinishSending(id)
}

// checkSendable enforces that sending on a stream after the local
// side's end-of-stream is a programming error, not a wire fault. It
// panics rather than returning an error for that case.
func (m *Multiplexer) checkSendable(id wire.StreamID) error {
	if m.closed {
		return fmt.Errorf("mux: multiplexer closed")
	}
	if m.localFin[id] {
		panic(fmt.Sprintf("mux: send on stream %d after local end-of-stream", id))
	}
	return nil
}

// Abort sends a terminal metadata frame carrying code and message for
// id, regardless of whether the local send direction has already reached
// end-of-stream. A cancellation is a distinct, always-sendable signal,
// not just another frame in the ordinary data direction: a caller that
// already finished sending its one-shot unary/server-stream request
// must still be able to tell the responder it has given up. When code is
// CANCELLED, the peer's Dispatch recognises this frame via its cancel
// hook even if its own inbox already closed after the earlier
// end-of-stream; other codes do not fire the hook.
func (m *Multiplexer) Abort(id wire.StreamID, code wire.StatusCode, message string) error {
	if m.closed {
		return fmt.Errorf("mux: multiplexer closed")
	}
	m.localFin[id] = true
	return m.t.SendMetadata(id, wire.WithStatus(nil, code, message), true)
}

// SetCancelHook registers fn to be invoked, at most once, if a CANCELLED
// metadata+end frame arrives for id before it is otherwise cleared. Used
// by the responder dispatcher to give a handler's context a way to
// observe cancellation even while blocked on something other than recv.
// A nil fn clears any previously-registered hook.
func (m *Multiplexer) SetCancelHook(id wire.StreamID, fn func()) {
	if m.cancelHooks == nil {
		m.cancelHooks = make(map[wire.StreamID]func())
	}
	if fn == nil {
		delete(m.cancelHooks, id)
		return
	}
	m.cancelHooks[id] = fn
}

// ReleaseStreamID releases id once both the local send direction and the
// remote direction have reached end-of-stream. Returns false if id is
// unknown, or either direction is still active. ID bookkeeping here is
// authoritative regardless of what the underlying transport reports:
// the transport's own ReleaseStreamID is given the chance to reclaim
// whatever resources it owns, but this multiplexer's view of "released"
// never depends on it agreeing.
func (m *Multiplexer) ReleaseStreamID(id wire.StreamID) bool {
	q, ok := m.inboxes[id]
	if !ok {
		return false
	}
	if !m.localFin[id] || !q.Closed() {
		return false
	}
	delete(m.inboxes, id)
	delete(m.localFin, id)
	delete(m.remoteSeen, id)
	delete(m.cancelHooks, id)
	m.t.ReleaseStreamID(id)
	return true
}

// Dispatch routes one inbound frame to its inbox, creating the inbox if
// needed, and invokes onNewStream if this is the first frame observed for
// a remote-initiated id (one whose parity is not this side's own).
// Dispatch must be called from the loop goroutine, in the order frames
// were received from the transport, to preserve per-stream FIFO order.
func (m *Multiplexer) Dispatch(f wire.Frame) {
	first := !m.remoteSeen[f.StreamID]
	if first {
		m.remoteSeen[f.StreamID] = true
	}
	q, ok := m.inboxes[f.StreamID]
	if !ok {
		q = &stream.Queue{}
		m.inboxes[f.StreamID] = q
	}
	local := f.StreamID%2 == m.role.FirstID()%2
	if first && !local && m.onNewStream != nil {
		m.onNewStream(f.StreamID, f)
	}
	_ = q.Send(f)
	if f.End {
		q.Close(nil)
	}
	if f.Kind == wire.KindMetadata && f.End {
		if code, _, ok := wire.Status(f.Metadata); ok && code == wire.Canceled {
			if hook := m.cancelHooks[f.StreamID]; hook != nil {
				delete(m.cancelHooks, f.StreamID)
				hook()
			}
		}
	}
	if !q.Closed() && q.Buffered() > inboxWatermark {
		m.dropOverflowing(f.StreamID, q)
	}
}

// dropOverflowing enforces the bounded watermark: a stream nobody is
// draining, whose inbox has piled up past inboxWatermark frames with no
// subscriber in sight, is terminated with RESOURCE_EXHAUSTED rather than
// left to buffer without bound. The terminal frame is appended after
// whatever is already queued, so an eventual late subscriber still
// observes every buffered message before the resource-exhausted trailer
// — it is delivery order, not data, that gets cut short. A responder
// stream still capable of replying is also told via a best-effort
// terminal frame to the peer, mirroring Abort.
func (m *Multiplexer) dropOverflowing(id wire.StreamID, q *stream.Queue) {
	_ = q.Send(wire.MetadataFrame(id, wire.WithStatus(nil, wire.ResourceExhausted, "stream inbox exceeded buffering watermark"), true))
	q.Close(nil)
	if !m.localFin[id] {
		_ = m.Abort(id, wire.ResourceExhausted, "stream inbox exceeded buffering watermark")
	}
}

// Close shuts the transport down and closes every open inbox with a
// synthetic UNAVAILABLE trailer.
func (m *Multiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for id, q := range m.inboxes {
		if !q.Closed() {
			_ = q.Send(wire.SyntheticTrailer(id, "multiplexer closed"))
			q.Close(nil)
		}
	}
	return m.t.Close()
}
