// Package errors defines the tagged error kinds shared by the media
// pipeline and the HTTP client: callers return one of these instead of
// bare sentinel values so failures can be classified without string
// matching, and every kind still supports errors.Is/As via Unwrap.
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// coreMarker is implemented by every kind declared in this package so
// IsCoreError can classify a wrapped chain without a type switch per kind.
type coreMarker interface {
	error
	isCore()
}

// TimeoutKind identifies which timer fired.
type TimeoutKind string

const (
	TimeoutHeader    TimeoutKind = "header"
	TimeoutBody      TimeoutKind = "body"
	TimeoutComplete  TimeoutKind = "complete"
	TimeoutHandshake TimeoutKind = "handshake"
)

// RefusedError: authorization denied or admin-initiated close.
type RefusedError struct {
	Reason string
	Err    error
}

func (e *RefusedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("refused: %s", e.Reason)
	}
	return fmt.Sprintf("refused: %s: %v", e.Reason, e.Err)
}
func (e *RefusedError) Unwrap() error { return e.Err }
func (e *RefusedError) isCore()       {}

// ShutdownError: normal peer or local termination.
type ShutdownError struct {
	Reason string
}

func (e *ShutdownError) Error() string { return fmt.Sprintf("shutdown: %s", e.Reason) }
func (e *ShutdownError) isCore()       {}

// TimeoutError: a header/body/complete/handshake deadline elapsed.
type TimeoutError struct {
	Which    TimeoutKind
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout(%s) after %s", e.Which, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) isCore()       {}

// BadStreamIDError: empty or malformed SRT stream identity.
type BadStreamIDError struct {
	StreamID string
}

func (e *BadStreamIDError) Error() string { return fmt.Sprintf("bad stream id: %q", e.StreamID) }
func (e *BadStreamIDError) isCore()       {}

// TransportError: underlying socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error: %s", e.Op)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) isCore()       {}

// ProtocolError: malformed HTTP framing, chunk size, or SRT payload
// rejected by the demuxer.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Op)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }
func (e *ProtocolError) isCore()       {}

// TooManyRedirectsError: HTTP redirect hop count exceeded.
type TooManyRedirectsError struct {
	MaxHops int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("too many redirects (max %d)", e.MaxHops)
}
func (e *TooManyRedirectsError) isCore() {}

// ConflictError: a second publisher attempted to register an identity
// that already has a live publisher.
type ConflictError struct {
	Identity string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s already published", e.Identity)
}
func (e *ConflictError) isCore() {}

// Constructors (encourage contextual wrapping with %w by callers upstream).

func NewRefused(reason string, cause error) error { return &RefusedError{Reason: reason, Err: cause} }
func NewShutdown(reason string) error             { return &ShutdownError{Reason: reason} }
func NewTimeout(which TimeoutKind, d time.Duration, cause error) error {
	return &TimeoutError{Which: which, Duration: d, Err: cause}
}
func NewBadStreamID(streamID string) error      { return &BadStreamIDError{StreamID: streamID} }
func NewTransport(op string, cause error) error { return &TransportError{Op: op, Err: cause} }
func NewProtocol(op string, cause error) error  { return &ProtocolError{Op: op, Err: cause} }
func NewTooManyRedirects(maxHops int) error     { return &TooManyRedirectsError{MaxHops: maxHops} }
func NewConflict(identity string) error         { return &ConflictError{Identity: identity} }

// Classifiers ---------------------------------------------------------

// IsCoreError reports whether err (or something it wraps) is one of the
// kinds declared in this package.
func IsCoreError(err error) bool {
	if err == nil {
		return false
	}
	var cm coreMarker
	return stdErrors.As(err, &cm)
}

// IsTimeout reports whether err wraps a TimeoutError, a context deadline,
// or any error exposing Timeout() bool == true (e.g. net.Error).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// TimeoutWhich returns the timeout kind and true if err wraps a TimeoutError.
func TimeoutWhich(err error) (TimeoutKind, bool) {
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return te.Which, true
	}
	return "", false
}

func IsRefused(err error) bool {
	var re *RefusedError
	return stdErrors.As(err, &re)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return stdErrors.As(err, &ce)
}

func IsBadStreamID(err error) bool {
	var be *BadStreamIDError
	return stdErrors.As(err, &be)
}

func IsTooManyRedirects(err error) bool {
	var te *TooManyRedirectsError
	return stdErrors.As(err, &te)
}
