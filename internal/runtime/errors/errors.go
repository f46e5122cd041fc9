package errors

import sterrors "errors"

// Construction errors.
var (
	ErrConfigRequired = sterrors.New("natsproxy: config is required")
	ErrLoggerRequired = sterrors.New("natsproxy: logger is required")
	ErrBusRequired    = sterrors.New("natsproxy: bus is required")
)

// Request pipeline errors. The gateway turns each of them into an HTTP status code;
// none of them escapes to the listener.
var (
	ErrEncoding         = sterrors.New("natsproxy: request body is not valid JSON")
	ErrInvalidSubject   = sterrors.New("natsproxy: request path does not map to a valid subject")
	ErrBodyTooLarge     = sterrors.New("natsproxy: request body exceeds the configured limit")
	ErrMethodNotAllowed = sterrors.New("natsproxy: method not allowed")
	ErrSubscribe        = sterrors.New("natsproxy: reply subscription failed")
	ErrPublish          = sterrors.New("natsproxy: publish failed")
	ErrTimedOut         = sterrors.New("natsproxy: timed out waiting for reply")
	ErrCanceled         = sterrors.New("natsproxy: request canceled before reply")
	ErrMalformedReply   = sterrors.New("natsproxy: malformed reply")
	ErrDuplicateReply   = sterrors.New("natsproxy: duplicate reply")
	ErrAddressInUse     = sterrors.New("natsproxy: correlation address already in use")
)
