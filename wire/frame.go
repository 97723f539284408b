package wire

// Kind tags a Frame's payload.
type Kind uint8

const (
	// KindMetadata carries initial or trailing metadata.
	KindMetadata Kind = iota
	// KindPayload carries a length-delimited opaque byte buffer.
	KindPayload
	// KindDirect carries a native in-process object reference. Only valid
	// on transports reporting SupportsZeroCopy.
	KindDirect
	// KindEndStream is a bodiless marker that terminates sending on a
	// stream, with no other content.
	KindEndStream
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindPayload:
		return "payload"
	case KindDirect:
		return "direct"
	case KindEndStream:
		return "end-stream"
	default:
		return "unknown"
	}
}

// StreamID is a non-negative integer, unique per direction within a
// connection. Callers allocate odd IDs; responders allocate
// even IDs.
type StreamID uint64

// Role distinguishes the two sides of a connection for the purposes of
// stream-ID parity.
type Role uint8

const (
	// RoleCaller allocates odd stream IDs (1, 3, 5, ...).
	RoleCaller Role = iota
	// RoleResponder allocates even stream IDs (2, 4, 6, ...).
	RoleResponder
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "responder"
}

// FirstID returns the first stream ID this role allocates.
func (r Role) FirstID() StreamID {
	if r == RoleCaller {
		return 1
	}
	return 2
}

// Frame is a single transport message: a tagged union over
// metadata, an opaque payload, a direct object, or an end-of-stream
// marker. Every Frame carries its stream ID.
type Frame struct {
	StreamID StreamID
	Kind     Kind

	// Metadata is populated when Kind == KindMetadata.
	Metadata Metadata

	// Payload is populated when Kind == KindPayload: a length-delimited
	// opaque byte buffer, delivered intact.
	Payload []byte

	// Direct is populated when Kind == KindDirect. It is opaque to the
	// wire/transport layers; only the endpoint runtime interprets it.
	Direct any

	// End, when true, terminates sending on this stream in this
	// direction. May be set alongside KindMetadata or KindPayload
	// (coalesced final frame), or stand alone as KindEndStream.
	End bool
}

// MetadataFrame builds an initial/trailing metadata frame.
func MetadataFrame(id StreamID, md Metadata, end bool) Frame {
	return Frame{StreamID: id, Kind: KindMetadata, Metadata: md, End: end}
}

// PayloadFrame builds a payload frame.
func PayloadFrame(id StreamID, b []byte, end bool) Frame {
	return Frame{StreamID: id, Kind: KindPayload, Payload: b, End: end}
}

// DirectFrame builds a direct-object frame. Only valid on transports that
// report SupportsZeroCopy.
func DirectFrame(id StreamID, obj any, end bool) Frame {
	return Frame{StreamID: id, Kind: KindDirect, Direct: obj, End: end}
}

// EndStreamFrame builds a bodiless end-of-stream marker.
func EndStreamFrame(id StreamID) Frame {
	return Frame{StreamID: id, Kind: KindEndStream, End: true}
}

// SyntheticTrailer builds the trailer a transport or multiplexer sends on
// every live stream when the underlying connection fails or is closed:
// a KindMetadata frame carrying UNAVAILABLE, with End set.
func SyntheticTrailer(id StreamID, message string) Frame {
	md := WithStatus(nil, Unavailable, message)
	return MetadataFrame(id, md, true)
}
