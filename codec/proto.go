package codec

import "google.golang.org/protobuf/proto"

// Proto returns a Codec backed by google.golang.org/protobuf. T must be
// a pointer-to-generated-message type satisfying proto.Message, and
// newMessage must produce a fresh zero value of that type (generated
// messages are not otherwise default-constructible through a generic
// type parameter).
func Proto[T proto.Message](newMessage func() T) Codec[T] {
	return Func[T]{
		EncodeFunc: func(v T) ([]byte, error) { return proto.Marshal(v) },
		DecodeFunc: func(b []byte) (T, error) {
			v := newMessage()
			if err := proto.Unmarshal(b, v); err != nil {
				var zero T
				return zero, err
			}
			return v, nil
		},
	}
}
