package stt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrSessionClosed is returned when audio or control messages are
	// submitted to a session that is draining or terminal.
	ErrSessionClosed = errors.New("stt: session closed")

	// ErrBackpressure is returned by SendAudio when the outgoing queue is full.
	ErrBackpressure = errors.New("stt: outgoing queue full")
)

// ErrorKind groups session errors by how the caller should react.
type ErrorKind string

const (
	// KindTransport covers dial failures, lost connections and timeouts.
	KindTransport ErrorKind = "transport"

	// KindCapacity means the remote concurrency or rate quota is exhausted.
	KindCapacity ErrorKind = "capacity"

	// KindTransient is a temporary server-side job failure.
	KindTransient ErrorKind = "transient"

	// KindFatal errors need user action (credentials, configuration).
	KindFatal ErrorKind = "fatal"

	// KindProtocol is a local misuse such as sending after drain. It is never
	// sent on the wire.
	KindProtocol ErrorKind = "protocol"
)

// Reason codes for errors raised locally.
const (
	CodeDialFailed       = "dial_failed"
	CodeHandshakeTimeout = "handshake_timeout"
	CodeConnectionLost   = "connection_lost"
	CodeDrainTimeout     = "drain_timeout"
	CodeSessionClosed    = "session_closed"
)

// Error is a classified session failure.
type Error struct {
	Kind ErrorKind

	// Code is the lower_snake reason code, e.g. "quota_exceeded".
	Code string

	// Reason is the human-readable detail reported by the service.
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("stt: %s error %s", e.Kind, e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether reconnecting after a backoff may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindCapacity, KindTransient:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// KindOf returns the kind of a classified error, or KindFatal for anything
// else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrSessionClosed) {
		return KindProtocol
	}
	return KindFatal
}

// Classify maps a server error type to an *Error. Unknown types are fatal so
// that the caller surfaces them instead of retrying blindly.
func Classify(code, reason string) *Error {
	e := &Error{Code: code, Reason: reason}
	switch code {
	case "quota_exceeded":
		e.Kind = KindCapacity
	case "job_error", "internal_error", "buffer_error", "timelimit_exceeded", "idle_timeout":
		e.Kind = KindTransient
	default:
		// not_authorised, insufficient_funds, not_allowed, invalid_*,
		// protocol_error, data_error and anything unrecognised.
		e.Kind = KindFatal
		if strings.TrimSpace(code) == "" {
			e.Code = "unknown"
		}
	}
	return e
}

// ClassifyHTTP maps a failed websocket upgrade to an *Error. A zero status
// means no HTTP response was received.
func ClassifyHTTP(status int, cause error) *Error {
	switch {
	case status == 0:
		return &Error{Kind: KindTransport, Code: CodeDialFailed, Err: cause}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindCapacity, Code: "quota_exceeded", Reason: http.StatusText(status), Err: cause}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindFatal, Code: "not_authorised", Reason: http.StatusText(status), Err: cause}
	case status >= 500:
		return &Error{Kind: KindTransient, Code: "internal_error", Reason: http.StatusText(status), Err: cause}
	default:
		return &Error{Kind: KindFatal, Code: fmt.Sprintf("http_%d", status), Reason: http.StatusText(status), Err: cause}
	}
}
