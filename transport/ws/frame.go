package ws

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nexusrpc/corerpc/wire"
)

// encodeFrame renders f as a self-delimited binary message suitable for a
// single gorilla websocket.BinaryMessage. There is no varint framing inside
// the message itself: WebSocket already delimits messages, so the payload
// only needs the fields wire.Frame itself carries.
//
// Layout: kind(1) end(1) streamID(8) then a kind-specific body. KindDirect
// has no body encoding — SupportsZeroCopy is false for this transport, so
// callers never construct one.
func encodeFrame(f wire.Frame) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(byte(f.Kind))
	if f.End {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(f.StreamID))
	b.Write(idBuf[:])

	switch f.Kind {
	case wire.KindMetadata:
		writeMetadata(&b, f.Metadata)
	case wire.KindPayload:
		writeBytes(&b, f.Payload)
	case wire.KindEndStream:
		// no body
	default:
		return nil, fmt.Errorf("ws: cannot encode frame kind %v", f.Kind)
	}
	return b.Bytes(), nil
}

func decodeFrame(data []byte) (wire.Frame, error) {
	r := bytes.NewReader(data)
	kindByte, err := r.ReadByte()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("ws: truncated frame: %w", err)
	}
	endByte, err := r.ReadByte()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("ws: truncated frame: %w", err)
	}
	var idBuf [8]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return wire.Frame{}, fmt.Errorf("ws: truncated frame: %w", err)
	}
	f := wire.Frame{
		StreamID: wire.StreamID(binary.BigEndian.Uint64(idBuf[:])),
		Kind:     wire.Kind(kindByte),
		End:      endByte != 0,
	}
	switch f.Kind {
	case wire.KindMetadata:
		md, err := readMetadata(r)
		if err != nil {
			return wire.Frame{}, err
		}
		f.Metadata = md
	case wire.KindPayload:
		p, err := readBytes(r)
		if err != nil {
			return wire.Frame{}, err
		}
		f.Payload = p
	case wire.KindEndStream:
		// no body
	default:
		return wire.Frame{}, fmt.Errorf("ws: unknown frame kind %d", kindByte)
	}
	return f, nil
}

func writeUint32(b *bytes.Buffer, n int) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	b.Write(buf[:])
}

func readUint32(r *bytes.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("ws: truncated length prefix: %w", err)
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

func writeBytes(b *bytes.Buffer, p []byte) {
	writeUint32(b, len(p))
	b.Write(p)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, fmt.Errorf("ws: truncated payload: %w", err)
	}
	return p, nil
}

func writeString(b *bytes.Buffer, s string) {
	writeUint32(b, len(s))
	b.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	p, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// writeMetadata serializes md key-by-key; nil and empty both encode as a
// zero key count, collapsing the distinction (wire.Status and friends
// treat an absent key the same way regardless).
func writeMetadata(b *bytes.Buffer, md wire.Metadata) {
	writeUint32(b, len(md))
	for k, vs := range md {
		writeString(b, k)
		writeUint32(b, len(vs))
		for _, v := range vs {
			writeString(b, v)
		}
	}
}

func readMetadata(r *bytes.Reader) (wire.Metadata, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	md := make(wire.Metadata, n)
	for i := 0; i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		vn, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		vs := make([]string, vn)
		for j := 0; j < vn; j++ {
			v, err := readString(r)
			if err != nil {
				return nil, err
			}
			vs[j] = v
		}
		md[k] = vs
	}
	return md, nil
}
