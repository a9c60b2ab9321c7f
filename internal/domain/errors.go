package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyClosed   = errors.New("trade already closed")
	ErrOpenTradeExists = errors.New("open trade already exists")
	ErrAlreadyRunning  = errors.New("strategy already running")
	ErrNotConnected    = errors.New("broker client not connected")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrInvalidConfig   = errors.New("invalid strategy config")
	ErrContextDone     = errors.New("context cancelled")
)

// BrokerErrorKind classifies broker faults so callers can decide between
// rejecting, retrying on the next tick, or delegating to the orphan reaper.
type BrokerErrorKind string

const (
	BrokerRejected          BrokerErrorKind = "rejected"
	BrokerInsufficientFunds BrokerErrorKind = "insufficient_funds"
	BrokerRateLimited       BrokerErrorKind = "rate_limited"
	BrokerTimeout           BrokerErrorKind = "timeout"
	BrokerDisconnected      BrokerErrorKind = "disconnected"
	BrokerUnknown           BrokerErrorKind = "unknown"
)

// BrokerError wraps a fault reported by (or on the way to) the exchange.
type BrokerError struct {
	Kind    BrokerErrorKind
	Op      string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker: %s: %s (%s)", e.Op, e.Message, e.Kind)
	}
	return fmt.Sprintf("broker: %s: %s", e.Op, e.Kind)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewBrokerError builds a BrokerError for the given operation.
func NewBrokerError(kind BrokerErrorKind, op, message string, err error) *BrokerError {
	return &BrokerError{Kind: kind, Op: op, Message: message, Err: err}
}

// BrokerErrorKindOf extracts the kind from err, or BrokerUnknown when err is
// not a BrokerError.
func BrokerErrorKindOf(err error) BrokerErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return BrokerUnknown
}

// IsTransientBrokerError reports whether err is a broker fault that should be
// retried on a later tick rather than surfaced as a hard failure.
func IsTransientBrokerError(err error) bool {
	switch BrokerErrorKindOf(err) {
	case BrokerTimeout, BrokerRateLimited, BrokerDisconnected:
		return true
	}
	return false
}

// RolledBackError is returned by the bracket orchestrator when it aborted
// after a partial placement. Cause is the fault that triggered the rollback;
// Remnants lists order IDs whose cancellation failed and were handed to the
// orphan reaper.
type RolledBackError struct {
	Cause    error
	Remnants []string
}

func (e *RolledBackError) Error() string {
	if len(e.Remnants) > 0 {
		return fmt.Sprintf("bracket rolled back (remnants %v): %v", e.Remnants, e.Cause)
	}
	return fmt.Sprintf("bracket rolled back: %v", e.Cause)
}

func (e *RolledBackError) Unwrap() error { return e.Cause }
