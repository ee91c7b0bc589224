// Package tedgeerr defines the error taxonomy shared by every component of
// the mapper core, mirroring the propagation rules from the design spec:
// transient network failures are retried, peer timeouts fail the owning
// command, protocol violations are dropped with a warning, and so on.
package tedgeerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purposes of propagation (logged and
// retried, surfaced on a command, or fatal to the process).
type Kind int

const (
	// KindTransientNetwork covers MQTT/HTTP connection loss. Logged and
	// retried with backoff; never surfaced to an operation.
	KindTransientNetwork Kind = iota
	// KindPeerTimeout covers a missing response from a child device or
	// local peer before its deadline. Surfaces as Failed{timeout}.
	KindPeerTimeout
	// KindProtocolViolation covers a malformed cloud wire message or an
	// unknown template field. Dropped with a warning, session survives.
	KindProtocolViolation
	// KindInvalidCommand covers a payload that fails an operation's schema.
	KindInvalidCommand
	// KindLocalIO covers filesystem or time-series store failures.
	KindLocalIO
	// KindFatal covers an impossible state. The runtime exits after a
	// graceful shutdown.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindPeerTimeout:
		return "peer_timeout"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindInvalidCommand:
		return "invalid_command"
	case KindLocalIO:
		return "local_io"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error with a short reason string, sized so it
// still fits within cloud payload limits once CSV-escaped. Longer
// diagnostics belong on the error topic or in the log, not in Reason.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause lets github.com/pkg/errors.Cause walk through an *Error.
func (e *Error) Cause() error { return e.cause }

// New creates a classified error with no underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap classifies an existing error, preserving it as the cause so
// errors.Cause(err) still recovers the original.
func Wrap(kind Kind, cause error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, cause: errors.Wrap(cause, reason)}
}

// Is reports whether err (or something it wraps) is a tedgeerr.Error of
// the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
