package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/envelope"
	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/jsoncodec"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
)

// StatusClientClosedRequest is reported when the caller disconnects before the
// reply arrives. No response reaches the caller in that case.
const StatusClientClosedRequest = 499

// Methods lists the HTTP methods forwarded to the bus.
var Methods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodHead,
	http.MethodDelete,
}

var allowHeader = strings.Join(Methods, ", ")

// Reply headers that describe the HTTP connection rather than the payload.
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// ServeHTTP forwards any path for the supported methods.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if !methodAllowed(r.Method) {
		w.Header().Set("Allow", allowHeader)
		g.reject(w, r, perrors.ErrMethodNotAllowed, started)
		return
	}

	defer r.Body.Close()
	body, err := readBody(r.Body, g.maxRequestBytes)
	if err != nil {
		g.reject(w, r, err, started)
		return
	}

	resp := g.Handle(r.Context(), Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header,
		Query:   r.URL.Query(),
		Body:    body,
	})
	writeResponse(w, resp)
	g.metrics.ObserveRequest(r.Method, resp.StatusCode, time.Since(started))
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, err error, started time.Time) {
	resp := errorResponse(err)
	g.metrics.RecordOutcome(metrics.OutcomeRejected)
	g.logger.Info("Request rejected: "+err.Error(), nil)
	writeResponse(w, resp)
	g.metrics.ObserveRequest(r.Method, resp.StatusCode, time.Since(started))
}

func methodAllowed(method string) bool {
	for _, m := range Methods {
		if m == method {
			return true
		}
	}
	return false
}

// readBody reads at most limit bytes. One extra byte is read to detect
// oversized bodies. A non-positive limit reads everything.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if limit <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", perrors.ErrEncoding, err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", perrors.ErrEncoding, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit is %d bytes", perrors.ErrBodyTooLarge, limit)
	}
	return data, nil
}

func writeResponse(w http.ResponseWriter, resp Response) {
	if resp.StatusCode == StatusClientClosedRequest {
		return
	}
	header := w.Header()
	for name, values := range resp.Headers {
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// replyResponse copies the reply status, headers and body. application/json is
// the content type whenever a body is present and the backend did not set one.
func replyResponse(reply envelope.Reply) Response {
	headers := make(http.Header, len(reply.Headers)+2)
	for name, value := range reply.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if _, hop := hopHeaders[canonical]; hop {
			continue
		}
		headers.Set(canonical, value)
	}

	body := reply.HTTPBody()
	if len(body) > 0 && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}

	return Response{
		StatusCode: reply.StatusCode,
		Headers:    headers,
		Body:       body,
	}
}

// errorResponse renders err as {"error": ..., "status": ...}. Messages are
// generic so subjects and reply addresses never leak to the caller.
func errorResponse(err error) Response {
	status := StatusCode(err)
	body, marshalErr := jsoncodec.Marshal(errorBody{Error: sanitize(err), Status: status})
	if marshalErr != nil {
		body = nil
	}

	headers := http.Header{}
	if len(body) > 0 {
		headers.Set("Content-Type", "application/json")
	}
	return Response{
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		Err:        err,
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// StatusCode maps a pipeline error to the HTTP status returned to the caller.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, perrors.ErrEncoding), errors.Is(err, perrors.ErrInvalidSubject):
		return http.StatusBadRequest
	case errors.Is(err, perrors.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, perrors.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, perrors.ErrPublish), errors.Is(err, perrors.ErrMalformedReply):
		return http.StatusBadGateway
	case errors.Is(err, perrors.ErrSubscribe), errors.Is(err, perrors.ErrAddressInUse):
		return http.StatusServiceUnavailable
	case errors.Is(err, perrors.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, perrors.ErrCanceled):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func sanitize(err error) string {
	switch {
	case errors.Is(err, perrors.ErrEncoding):
		return "request body is not valid JSON"
	case errors.Is(err, perrors.ErrInvalidSubject):
		return "request path cannot be routed"
	case errors.Is(err, perrors.ErrMethodNotAllowed):
		return "method not allowed"
	case errors.Is(err, perrors.ErrBodyTooLarge):
		return "request body too large"
	case errors.Is(err, perrors.ErrPublish):
		return "upstream unavailable"
	case errors.Is(err, perrors.ErrMalformedReply):
		return "invalid upstream reply"
	case errors.Is(err, perrors.ErrSubscribe), errors.Is(err, perrors.ErrAddressInUse):
		return "service temporarily unavailable"
	case errors.Is(err, perrors.ErrTimedOut):
		return "request timeout"
	case errors.Is(err, perrors.ErrCanceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}
