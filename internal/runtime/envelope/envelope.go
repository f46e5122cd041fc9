// Package envelope encodes the request and reply payloads exchanged over the bus.
//
// A request envelope carries the caller's reply address, lowercased headers,
// query parameters and the raw JSON body. A reply envelope carries the status
// code, response headers and raw JSON body produced by the backend.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/jsoncodec"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metadata"
)

var emptyObject = json.RawMessage("{}")

// Request is the payload published for one inbound HTTP request.
type Request struct {
	OriginReplyTo   string            `json:"originReplyTo"`
	Headers         metadata.Metadata `json:"headers"`
	QueryParameters metadata.Metadata `json:"queryParameters"`
	Body            json.RawMessage   `json:"body"`
}

// Reply is the payload a backend sends back on the reply address.
type Reply struct {
	Headers    metadata.Metadata `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	StatusCode int               `json:"statusCode"`
}

type wireReply struct {
	Headers    metadata.Metadata `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	StatusCode *int              `json:"statusCode"`
}

// NewRequest builds a request envelope from the parts of an HTTP request. An
// empty body becomes {}; a body that is not valid JSON fails with ErrEncoding.
// The reply address is filled in once the correlation channel is open.
func NewRequest(headers http.Header, query url.Values, body []byte) (Request, error) {
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		raw = emptyObject
	} else if !jsoncodec.Valid(raw) {
		return Request{}, perrors.ErrEncoding
	}

	return Request{
		Headers:         metadata.FromHTTPHeader(headers),
		QueryParameters: metadata.FromQuery(query),
		Body:            append(json.RawMessage(nil), raw...),
	}, nil
}

// EncodeRequest serialises a request envelope. The body is embedded exactly as
// the caller sent it. Nil maps and an empty body are written as empty objects.
func EncodeRequest(req Request) ([]byte, error) {
	if req.Headers == nil {
		req.Headers = metadata.Metadata{}
	}
	if req.QueryParameters == nil {
		req.QueryParameters = metadata.Metadata{}
	}
	if len(bytes.TrimSpace(req.Body)) == 0 {
		req.Body = emptyObject
	}

	data, err := jsoncodec.MarshalPassthrough(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrEncoding, err)
	}
	return data, nil
}

// DecodeRequest parses a request envelope. Backends use it to read what the
// gateway published.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := jsoncodec.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", perrors.ErrEncoding, err)
	}
	if req.Headers == nil {
		req.Headers = metadata.Metadata{}
	}
	if req.QueryParameters == nil {
		req.QueryParameters = metadata.Metadata{}
	}
	if len(req.Body) == 0 {
		req.Body = emptyObject
	}
	return req, nil
}

// EncodeReply serialises a reply envelope. Backends use it to answer a request.
func EncodeReply(reply Reply) ([]byte, error) {
	if reply.Headers == nil {
		reply.Headers = metadata.Metadata{}
	}
	if len(bytes.TrimSpace(reply.Body)) == 0 {
		reply.Body = emptyObject
	}
	data, err := jsoncodec.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrEncoding, err)
	}
	return data, nil
}

// DecodeReply parses a reply envelope. It fails with ErrMalformedReply when the
// payload is not JSON, lacks statusCode, or carries a status outside [100, 599].
func DecodeReply(data []byte) (Reply, error) {
	if !jsoncodec.Valid(data) {
		return Reply{}, fmt.Errorf("%w: payload is not valid JSON", perrors.ErrMalformedReply)
	}

	var wire wireReply
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", perrors.ErrMalformedReply, err)
	}
	if wire.StatusCode == nil {
		return Reply{}, fmt.Errorf("%w: missing statusCode", perrors.ErrMalformedReply)
	}
	if code := *wire.StatusCode; code < 100 || code > 599 {
		return Reply{}, fmt.Errorf("%w: statusCode %d out of range", perrors.ErrMalformedReply, code)
	}

	return Reply{
		Headers:    wire.Headers,
		Body:       wire.Body,
		StatusCode: *wire.StatusCode,
	}, nil
}

// HTTPBody returns the bytes to write as the HTTP response body. An absent,
// null or empty-object reply body yields nil; anything else is returned as the
// backend serialised it.
func (r Reply) HTTPBody() []byte {
	if isEmptyBody(r.Body) {
		return nil
	}
	return r.Body
}

func isEmptyBody(body json.RawMessage) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(trimmed[1:len(trimmed)-1])) == 0
}
