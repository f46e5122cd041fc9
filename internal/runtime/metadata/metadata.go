package metadata

import (
	"net/http"
	"net/url"
	"strings"
)

// Metadata is a flat string map used for envelope headers, query parameters and
// transport headers.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Set stores value under key. It lets Metadata act as a propagation sink.
func (m Metadata) Set(key, value string) {
	m[key] = value
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHTTPHeader flattens an HTTP header set. Names are lowercased and repeated
// values are joined with ", " in arrival order.
func FromHTTPHeader(h http.Header) Metadata {
	md := make(Metadata, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		key := strings.ToLower(name)
		joined := strings.Join(values, ", ")
		if existing, ok := md[key]; ok {
			joined = existing + ", " + joined
		}
		md[key] = joined
	}
	return md
}

// FromQuery keeps the last value of each repeated query parameter.
func FromQuery(values url.Values) Metadata {
	md := make(Metadata, len(values))
	for name, vs := range values {
		if len(vs) == 0 {
			continue
		}
		md[name] = vs[len(vs)-1]
	}
	return md
}
