// Package natsproxy exposes HTTP endpoints on top of a NATS request/reply bus.
// Every inbound request is mapped to a subject built from the lowercased method
// and the path segments (GET /users/42 becomes get.users.42), wrapped in a JSON
// envelope that carries the headers, query parameters, body and a private reply
// address, and published on the bus. The gateway then waits for exactly one
// reply envelope on that address and turns it back into the HTTP response.
//
// Service hosts the gateway: it builds the bus from Config (NATS or the
// in-process channel bus), installs the default middleware chain and serves
// HTTP until its context is cancelled. A minimal setup fills Config (or calls
// LoadConfig), creates a Service and calls Start.
//
// # Transports
//
//   - nats: nats.go connection with unique inboxes, Nats-Msg-Id deduplication
//     headers and drain on shutdown
//   - channel: in-process Watermill gochannel bus for development and tests
//
// Both are registered with DefaultBusRegistry when this package is imported.
//
// # Middleware
//
// The default chain recovers panics, continues the caller's W3C trace in a
// server span, logs each request and serves Prometheus metrics on the metrics
// port next to /healthz. Custom middleware can be added via
// ServiceDependencies.Middlewares.
//
// # Errors
//
// Failures never leak subjects or reply addresses. StatusCode maps the sentinel
// errors to HTTP statuses: invalid JSON or an unroutable path is 400, a body
// over the limit 413, a failed publish or malformed reply 502, a reply address
// that cannot be subscribed 503 and a missing reply 504.
//
// # Backends
//
// Backends subscribe to the mapped subjects, decode requests with DecodeRequest
// and answer on ReplyTo with an envelope built by EncodeReply:
//
//	bus.Subscribe("get.users.42", func(msg *message.Message) {
//		req, _ := natsproxy.DecodeRequest(msg.Payload)
//		reply, _ := natsproxy.EncodeReply(natsproxy.ReplyEnvelope{StatusCode: 200, Body: req.Body})
//		_ = bus.Publish(natsproxy.ReplyTo(msg), message.NewMessage(natsproxy.CreateULID(), reply))
//	})
package natsproxy
