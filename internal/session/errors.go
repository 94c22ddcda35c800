package session

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrCapabilityUnavailable = errors.New("bluetooth capability unavailable")
	ErrAlreadyConnected      = errors.New("already connected")
	ErrNotConnected          = errors.New("not connected")
	ErrHandshakeFailed       = errors.New("handshake failed")
	ErrTransportFault        = errors.New("transport fault")
	ErrReceiveTimeout        = errors.New("receive timed out")
	ErrInvalidPayload        = errors.New("invalid payload")
)

// OpError is returned by every Session operation. Kind is one of the
// sentinels above (or a context error for a cancelled receive); Err is the
// underlying cause, if any.
type OpError struct {
	Op       string // "connect", "disconnect", "send", "receive"
	Endpoint string
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Kind)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether the same call may simply be repeated on the
// still-connected session. Only receive timeouts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrReceiveTimeout)
}

// IsFatal reports whether the session cannot be used again without a new
// Connect, or at all.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransportFault) || errors.Is(err, ErrCapabilityUnavailable)
}
