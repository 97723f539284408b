// Package ws is a reference Transport backed by a single WebSocket
// connection, one gorilla/websocket binary message per wire.Frame. It is
// grounded in spirit on the wsgrpc-over-websocket shape — a connection
// actor with a single write path (a mutex) serializing outbound frames and
// a read loop decoding inbound ones — adapted to this repo's own framing
// instead of a custom HEADERS/DATA/TRAILERS/RST_STREAM layout, since
// wire.Frame already gives every message a self-describing kind.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nexusrpc/corerpc/transport"
	"github.com/nexusrpc/corerpc/wire"
)

// Transport is one end of a WebSocket connection. Dial builds the caller
// (odd stream ID) side; Accept builds the responder (even stream ID)
// side from an already-upgraded HTTP request. Both sides are otherwise
// identical: wire.Frame values flow in both directions over the one
// connection.
type Transport struct {
	role wire.Role

	dialer  *websocket.Dialer
	dialURL string
	header  http.Header

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	nextID wire.StreamID
	closed bool
	active map[wire.StreamID]struct{}

	incoming chan wire.Frame
	runOnce  sync.Once
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.DialContext = (*Transport)(nil)

// Dial returns a caller-role Transport that connects lazily: the actual
// handshake happens on the first DialContext call, letting the endpoint
// runtime own the connect timeout via ctx. header carries any additional
// request headers (bearer tokens, subprotocols) the peer's Accept expects.
func Dial(url string, header http.Header) *Transport {
	return &Transport{
		role:     wire.RoleCaller,
		dialer:   websocket.DefaultDialer,
		dialURL:  url,
		header:   header,
		active:   make(map[wire.StreamID]struct{}),
		incoming: make(chan wire.Frame),
	}
}

// DialContext performs the WebSocket handshake and starts the read loop.
// Satisfies transport.DialContext so callers that type-switch for it
// before handing a Transport to an Endpoint know to call it first.
func (t *Transport) DialContext(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.dialURL, t.header)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", t.dialURL, err)
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	go t.readLoop()
	return nil
}

// Accept upgrades r into a responder-role Transport already running its
// read loop. upgrader may be nil to use gorilla's zero-value defaults.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) (*Transport, error) {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	t := &Transport{
		role:     wire.RoleResponder,
		conn:     conn,
		active:   make(map[wire.StreamID]struct{}),
		incoming: make(chan wire.Frame),
	}
	go t.readLoop()
	return t, nil
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

// SendDirect always fails: SupportsZeroCopy reports false for this
// transport, so a well-behaved caller never reaches it.
func (t *Transport) SendDirect(wire.StreamID, any, bool) error {
	return fmt.Errorf("ws: transport does not support zero-copy direct frames")
}

func (t *Transport) FinishSending(id wire.StreamID) error {
	return t.send(wire.EndStreamFrame(id))
}

func (t *Transport) send(f wire.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("ws: transport closed")
	}
	t.active[f.StreamID] = struct{}{}
	t.mu.Unlock()

	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws: transport not yet connected")
	}

	// gorilla's Conn forbids concurrent writers; every Send* call funnels
	// through this one mutex rather than a dedicated writer goroutine,
	// since the multiplexer already serializes all sends onto its own
	// loop goroutine and a second actor here would just add latency.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// readLoop decodes one wire.Frame per binary WebSocket message and
// forwards it to incoming, in the order received. On any read error
// (including a normal close from the peer) it synthesizes an UNAVAILABLE
// trailer for every stream still active and closes incoming.
func (t *Transport) readLoop() {
	defer t.teardown()
	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.active[f.StreamID] = struct{}{}
		t.mu.Unlock()
		t.incoming <- f
	}
}

func (t *Transport) teardown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ids := make([]wire.StreamID, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.incoming <- wire.SyntheticTrailer(id, "websocket connection closed")
	}
	close(t.incoming)
}

// ReleaseStreamID drops id from the active set, reporting false if id
// was not in it. The connection itself holds no other per-stream
// resources.
func (t *Transport) ReleaseStreamID(id wire.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.active[id]
	delete(t.active, id)
	return known
}

func (t *Transport) IncomingFrames() <-chan wire.Frame { return t.incoming }

// Close closes the underlying WebSocket connection. The read loop notices
// and runs teardown, synthesizing trailers for anything still open.
func (t *Transport) Close() error {
	t.mu.Lock()
	already := t.closed
	t.mu.Unlock()
	if already {
		return nil
	}
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		t.teardown()
		return nil
	}
	return conn.Close()
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Role() wire.Role { return t.role }

// SupportsZeroCopy reports false: frames cross a real wire as encoded
// bytes, so there is no native Go value to share by reference.
func (t *Transport) SupportsZeroCopy() bool { return false }
