// Package terrors provides the structured error taxonomy used throughout the
// tunnel: a small, closed set of kinds instead of sentinel errno values.
package terrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error into one of the tunnel's error categories.
type Kind string

const (
	// InvalidArgument: unknown option name, mutually exclusive modes,
	// malformed user input.
	InvalidArgument Kind = "invalid_argument"
	// ProtocolError: malformed HTTP line, unknown frame tag, unexpected
	// HTTP version, HTTP status != 200 at client-side inbound connect.
	ProtocolError Kind = "protocol_error"
	// Io: socket failure, unexpected EOF, frame length read short.
	Io Kind = "io"
	// PermissionDenied: HTTP 401/403.
	PermissionDenied Kind = "permission_denied"
	// NotFound: HTTP 404.
	NotFound Kind = "not_found"
	// Closed: clean CLOSE from peer, surfaced as a 0-byte read.
	Closed Kind = "closed"
	// Again: would block / retry later.
	Again Kind = "again"
)

// Error is the structured error type returned across the tunnel's public
// surface. It carries enough context for logging without requiring a
// second lookup, mirroring the category/op/message/cause shape used by the
// error type this package generalizes from.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Timestamp: time.Now()}
}

func Invalid(op, message string) *Error { return New(InvalidArgument, op, message, nil) }

func Protocol(op, message string, cause error) *Error { return New(ProtocolError, op, message, cause) }

func IO(op, message string, cause error) *Error { return New(Io, op, message, cause) }

func Permission(op, message string) *Error { return New(PermissionDenied, op, message, nil) }

func NotFoundErr(op, message string) *Error { return New(NotFound, op, message, nil) }

func ClosedErr(op string) *Error { return New(Closed, op, "peer closed", nil) }

func AgainErr(op string) *Error { return New(Again, op, "would block", nil) }

// Of reports whether err is a *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// StatusToKind maps an HTTP status code to the error kind the tunnel engine
// surfaces it as, per the status->error mapping table: 2xx success; 401/403
// permission-denied; 404 not-found; 400/411/413/505 and all other 4xx/5xx I/O
// errors; 1xx/3xx unexpected, treated as I/O errors.
func StatusToKind(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 401 || status == 403:
		return PermissionDenied
	case status == 404:
		return NotFound
	default:
		return Io
	}
}
