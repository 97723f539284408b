package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexusrpc/corerpc/wire"
)

// newTestPair spins up an httptest server exposing one Accept-backed
// Transport and a Dial-backed Transport connected to it, analogous to
// inmem.NewPair but over a real (loopback) WebSocket connection.
func newTestPair(t *testing.T) (caller, responder *Transport) {
	t.Helper()
	accepted := make(chan *Transport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, err := Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- rt
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	caller = Dial(url, nil)
	if err := caller.DialContext(context.Background()); err != nil {
		t.Fatalf("DialContext: %v", err)
	}

	select {
	case responder = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}

	t.Cleanup(func() {
		_ = caller.Close()
		_ = responder.Close()
	})
	return caller, responder
}

func TestTransport_RolesAndParity(t *testing.T) {
	caller, responder := newTestPair(t)
	if caller.Role() != wire.RoleCaller {
		t.Fatalf("caller.Role() = %v, want RoleCaller", caller.Role())
	}
	if responder.Role() != wire.RoleResponder {
		t.Fatalf("responder.Role() = %v, want RoleResponder", responder.Role())
	}
	if id := caller.CreateStream(); id != 1 {
		t.Fatalf("caller first stream = %d, want 1", id)
	}
	if id := responder.CreateStream(); id != 2 {
		t.Fatalf("responder first stream = %d, want 2", id)
	}
}

func TestTransport_SendRoundTripsOverRealConnection(t *testing.T) {
	caller, responder := newTestPair(t)
	id := caller.CreateStream()
	if err := caller.SendPayload(id, []byte("over the wire"), true); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}

	select {
	case f := <-responder.IncomingFrames():
		if f.StreamID != id || string(f.Payload) != "over the wire" || !f.End {
			t.Fatalf("got %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame over the websocket connection")
	}
}

func TestTransport_CloseSynthesizesTrailerForPeer(t *testing.T) {
	caller, responder := newTestPair(t)
	id := caller.CreateStream()
	if err := caller.SendMetadata(id, wire.WithPath(nil, "/svc/M"), false); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}
	<-responder.IncomingFrames() // observe the stream before tearing down

	if err := caller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case f := <-responder.IncomingFrames():
		code, _, ok := wire.Status(f.Metadata)
		if !ok || code != wire.Unavailable {
			t.Fatalf("got status (%v, %v), want Unavailable", code, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthetic trailer")
	}
}

func TestTransport_SupportsZeroCopyIsFalse(t *testing.T) {
	caller, _ := newTestPair(t)
	if caller.SupportsZeroCopy() {
		t.Fatal("ws.Transport must report SupportsZeroCopy() == false")
	}
}

func TestTransport_SendDirectFails(t *testing.T) {
	caller, _ := newTestPair(t)
	id := caller.CreateStream()
	if err := caller.SendDirect(id, struct{}{}, false); err == nil {
		t.Fatal("expected an error from SendDirect on a transport with no zero-copy support")
	}
}
