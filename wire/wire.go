// Package wire defines the frame layout, metadata model, and status
// codes that every transport and codec implementation must honour.
// Concrete transports (TCP/HTTP2, WebSocket, in-process) and concrete
// codecs (JSON, protobuf, MessagePack) all sit below this package and
// must agree with it, but none of their framing details leak into it.
package wire

import (
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"
)

// Metadata holds (name, value) header pairs, reused verbatim from
// google.golang.org/grpc/metadata, including its "-bin" binary-suffix
// convention. It is a map from header name to values: the values of one
// name keep their order, but the order across different names is not
// preserved, and every name is lower-cased (no name keeps its original
// case).
type Metadata = metadata.MD

// Well-known metadata keys.
const (
	KeyPath        = ":path"
	KeyContentType = "content-type"
	KeyStatus      = "grpc-status"
	KeyMessage     = "grpc-message"
	KeyTimeout     = "grpc-timeout"
)

// NewMetadata builds a Metadata from alternating key/value pairs.
func NewMetadata(kv ...string) Metadata {
	return metadata.Pairs(kv...)
}

// MethodPath renders the "/service/method" path for initial metadata.
func MethodPath(service, method string) string {
	var b strings.Builder
	b.Grow(len(service) + len(method) + 2)
	b.WriteByte('/')
	b.WriteString(service)
	b.WriteByte('/')
	b.WriteString(method)
	return b.String()
}

// SplitMethodPath parses a "/service/method" path. Returns false if the
// path is malformed.
func SplitMethodPath(path string) (service, method string, ok bool) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", false
	}
	rest := path[1:]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", false
	}
	service, method = rest[:idx], rest[idx+1:]
	if service == "" || method == "" {
		return "", "", false
	}
	return service, method, true
}

// Path extracts the initial-metadata method path, if present.
func Path(md Metadata) (string, bool) {
	if md == nil {
		return "", false
	}
	vs := md.Get(KeyPath)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// WithPath returns a copy of md with the method path set.
func WithPath(md Metadata, path string) Metadata {
	out := md.Copy()
	if out == nil {
		out = Metadata{}
	}
	out.Set(KeyPath, path)
	return out
}

// WithStatus returns a copy of md carrying the given terminal status in
// trailer form.
func WithStatus(md Metadata, code StatusCode, message string) Metadata {
	out := md.Copy()
	if out == nil {
		out = Metadata{}
	}
	out.Set(KeyStatus, strconv.Itoa(int(code)))
	if code != OK && message != "" {
		out.Set(KeyMessage, message)
	}
	return out
}

// Status extracts the terminal status carried by trailing metadata. ok is
// false if no grpc-status key is present.
func Status(md Metadata) (code StatusCode, message string, ok bool) {
	if md == nil {
		return 0, "", false
	}
	vs := md.Get(KeyStatus)
	if len(vs) == 0 {
		return 0, "", false
	}
	c, err := parseStatusCode(vs[0])
	if err != nil {
		return Unknown, "", true
	}
	if msgs := md.Get(KeyMessage); len(msgs) > 0 {
		message = msgs[0]
	}
	return c, message, true
}

// WithTimeout returns a copy of md carrying d, the time remaining until
// a call's deadline, as the grpc-timeout header. Unlike gRPC's own wire
// format (an ASCII value+unit pair defined in an unexported package),
// the remaining duration is encoded directly as a decimal nanosecond
// count: this repo's wire package owns its own framing and has no
// compatibility obligation to gRPC's byte format, only to its semantics.
func WithTimeout(md Metadata, d time.Duration) Metadata {
	out := md.Copy()
	if out == nil {
		out = Metadata{}
	}
	out.Set(KeyTimeout, strconv.FormatInt(int64(d), 10))
	return out
}

// Timeout extracts the remaining duration carried by a grpc-timeout
// header. ok is false if no such header is present or it cannot be
// parsed.
func Timeout(md Metadata) (d time.Duration, ok bool) {
	if md == nil {
		return 0, false
	}
	vs := md.Get(KeyTimeout)
	if len(vs) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(vs[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(n), true
}
