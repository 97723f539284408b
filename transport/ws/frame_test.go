package ws

import (
	"testing"

	"github.com/nexusrpc/corerpc/wire"
)

func TestEncodeDecodeFrame_Metadata(t *testing.T) {
	md := wire.WithPath(wire.NewMetadata("x-trace", "abc"), "/svc/Method")
	f := wire.MetadataFrame(7, md, false)

	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}

	if got.StreamID != f.StreamID || got.Kind != f.Kind || got.End != f.End {
		t.Fatalf("got %+v, want %+v", got, f)
	}
	if path, ok := wire.Path(got.Metadata); !ok || path != "/svc/Method" {
		t.Fatalf("decoded path = (%q, %v), want (/svc/Method, true)", path, ok)
	}
	if vs := got.Metadata.Get("x-trace"); len(vs) != 1 || vs[0] != "abc" {
		t.Fatalf("decoded x-trace = %v, want [abc]", vs)
	}
}

func TestEncodeDecodeFrame_Payload(t *testing.T) {
	f := wire.PayloadFrame(9, []byte("some bytes"), true)
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.StreamID != 9 || !got.End || string(got.Payload) != "some bytes" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeFrame_EndStream(t *testing.T) {
	f := wire.EndStreamFrame(3)
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.StreamID != 3 || got.Kind != wire.KindEndStream || !got.End {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeFrame_DirectIsUnsupported(t *testing.T) {
	f := wire.DirectFrame(1, struct{}{}, false)
	if _, err := encodeFrame(f); err == nil {
		t.Fatal("expected an error encoding a KindDirect frame over the wire")
	}
}

func TestEncodeDecodeFrame_EmptyMetadataRoundTrips(t *testing.T) {
	f := wire.MetadataFrame(5, nil, true)
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(got.Metadata) != 0 {
		t.Fatalf("got.Metadata = %v, want empty", got.Metadata)
	}
}
