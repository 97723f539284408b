package codec

import "encoding/json"

// JSON returns a Codec backed by encoding/json. Concrete codecs are an
// out-of-scope external collaborator (the core never
// assumes JSON specifically); this implementation exists to exercise the
// Codec seam in this repo's own tests and examples.
func JSON[T any]() Codec[T] {
	return Func[T]{
		EncodeFunc: func(v T) ([]byte, error) { return json.Marshal(v) },
		DecodeFunc: func(b []byte) (T, error) {
			var v T
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}
