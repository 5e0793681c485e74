package streamengine

import (
	"errors"
	"net/http"
)

// FailureKind classifies why a mirror attempt (or the whole request) failed,
// per the error-handling design: each kind maps to a specific HTTP status
// and logging treatment at the route-adapter layer.
type FailureKind int

const (
	// TransportError: the request never got a response (DNS, connect,
	// timeout, connection reset).
	TransportError FailureKind = iota
	// UpstreamStatusError: the mirror answered with a status of 400 or above.
	UpstreamStatusError
	// ContentLengthMismatch: a caller-supplied expected size disagreed with
	// the mirror's Content-Length header.
	ContentLengthMismatch
	// IntegrityFailure: the downloaded bytes' SHA-256 or final size didn't
	// match what the caller expected, after a full download.
	IntegrityFailure
	// PathValidationError: the request's own path/version/name failed
	// adapter-level validation before any network call was made.
	PathValidationError
)

// Error wraps an underlying cause with its FailureKind. When Kind is
// UpstreamStatusError, Status and Header carry the last mirror's response
// so the route layer can propagate it verbatim once every mirror is
// exhausted.
type Error struct {
	Kind   FailureKind
	Err    error
	Status int
	Header http.Header
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(kind FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func wrapStatus(status int, header http.Header, err error) error {
	return &Error{Kind: UpstreamStatusError, Err: err, Status: status, Header: header}
}

// ErrAllMirrorsFailed is returned when every candidate mirror failed and no
// status response is left to propagate: all attempts were transport errors,
// or the last response was discarded for a Content-Length mismatch. It maps
// to 504 Gateway Timeout.
var ErrAllMirrorsFailed = errors.New("streamengine: all mirrors failed")

// KindOf extracts the FailureKind from err, defaulting to TransportError for
// errors that didn't originate in this package.
func KindOf(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return TransportError
}

// AsStatusError extracts the last upstream status and header from err, when
// it classifies as UpstreamStatusError. Route adapters use this to
// propagate the last mirror's response verbatim once every candidate is
// exhausted.
func AsStatusError(err error) (status int, header http.Header, ok bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == UpstreamStatusError {
		return e.Status, e.Header, true
	}
	return 0, nil, false
}
