package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// passthroughConfig writes embedded raw JSON byte for byte. Map keys stay sorted.
var passthroughConfig = sonic.Config{
	SortMapKeys:    true,
	CopyString:     true,
	ValidateString: true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// MarshalPassthrough is Marshal without HTML escaping or compaction, so
// json.RawMessage fields come out exactly as they went in.
func MarshalPassthrough(v any) ([]byte, error) {
	return passthroughConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}
