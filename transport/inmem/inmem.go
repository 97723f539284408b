// Package inmem is a reference Transport implementation that wires two
// endpoints together directly through Go channels, with no serialization
// step and no network in between. It exists for this repo's own tests
// and as a template for a real collaborator: NewPair returns both halves
// of the connection already linked, one on each parity.
package inmem

import (
	"fmt"
	"sync"

	"github.com/nexusrpc/corerpc/transport"
	"github.com/nexusrpc/corerpc/wire"
)

// Transport is one half of an in-process connection built by NewPair.
// Frames handed to a Send* method are delivered to the peer's
// IncomingFrames channel unmodified: no copying, no encoding. Because
// Direct frames need no transport-level representation at all here,
// SupportsZeroCopy reports true.
type Transport struct {
	role wire.Role
	peer *Transport

	mu       sync.Mutex
	nextID   wire.StreamID
	closed   bool
	peerGone bool
	active   map[wire.StreamID]struct{}
	pending  []wire.Frame

	wake     chan struct{}
	incoming chan wire.Frame
}

var _ transport.Transport = (*Transport)(nil)

// NewPair constructs two linked Transports: one allocating caller
// (odd) stream IDs, the other allocating responder (even) stream IDs.
// Both are ready to use immediately; nothing further needs dialing.
func NewPair() (caller, responder *Transport) {
	a := newTransport(wire.RoleCaller)
	b := newTransport(wire.RoleResponder)
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func newTransport(role wire.Role) *Transport {
	return &Transport{
		role:     role,
		active:   make(map[wire.StreamID]struct{}),
		wake:     make(chan struct{}, 1),
		incoming: make(chan wire.Frame),
	}
}

// CreateStream allocates the next ID of this transport's parity.
func (t *Transport) CreateStream() wire.StreamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextID == 0 {
		t.nextID = t.role.FirstID()
	} else {
		t.nextID += 2
	}
	t.active[t.nextID] = struct{}{}
	return t.nextID
}

func (t *Transport) SendMetadata(id wire.StreamID, md wire.Metadata, end bool) error {
	return t.send(wire.MetadataFrame(id, md, end))
}

func (t *Transport) SendPayload(id wire.StreamID, b []byte, end bool) error {
	return t.send(wire.PayloadFrame(id, b, end))
}

func (t *Transport) SendDirect(id wire.StreamID, obj any, end bool) error {
	return t.send(wire.DirectFrame(id, obj, end))
}

func (t *Transport) FinishSending(id wire.StreamID) error {
	return t.send(wire.EndStreamFrame(id))
}

func (t *Transport) send(f wire.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("inmem: transport closed")
	}
	if t.peerGone {
		t.mu.Unlock()
		return fmt.Errorf("inmem: peer transport closed")
	}
	t.mu.Unlock()
	t.peer.deliver(f)
	return nil
}

// deliver enqueues a frame arriving from the peer, tracking first-seen
// stream IDs so Close can synthesize trailers for everything still open.
func (t *Transport) deliver(f wire.Frame) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.active[f.StreamID]; !ok {
		t.active[f.StreamID] = struct{}{}
	}
	t.pending = append(t.pending, f)
	t.mu.Unlock()
	t.notify()
}

func (t *Transport) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// pump drains pending frames into incoming in FIFO order, one goroutine
// per Transport, blocking only when there is nothing left to deliver.
func (t *Transport) pump() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			if t.closed {
				t.mu.Unlock()
				close(t.incoming)
				return
			}
			t.mu.Unlock()
			<-t.wake
			continue
		}
		f := t.pending[0]
		t.pending[0] = wire.Frame{}
		t.pending = t.pending[1:]
		t.mu.Unlock()
		t.incoming <- f
	}
}

// ReleaseStreamID drops id from the active set, reporting false if id
// was not in it. The in-process transport holds no other per-stream
// resources.
func (t *Transport) ReleaseStreamID(id wire.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.active[id]
	delete(t.active, id)
	return known
}

func (t *Transport) IncomingFrames() <-chan wire.Frame { return t.incoming }

// Close shuts this half of the connection down and tells the peer its
// connection just died, so the peer's own still-open streams observe a
// synthetic UNAVAILABLE trailer rather than hanging forever.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.notify()
	if t.peer != nil {
		t.peer.onPeerClosed()
	}
	return nil
}

func (t *Transport) onPeerClosed() {
	t.mu.Lock()
	if t.closed || t.peerGone {
		t.mu.Unlock()
		return
	}
	t.peerGone = true
	for id := range t.active {
		t.pending = append(t.pending, wire.SyntheticTrailer(id, "peer transport closed"))
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Role() wire.Role { return t.role }

// SupportsZeroCopy reports true: Direct frames pass the native Go value
// straight through to the peer's IncomingFrames channel.
func (t *Transport) SupportsZeroCopy() bool { return true }
