package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNameRequired   = errors.New("display name is required")
	ErrNoRoom         = errors.New("no active room")
	ErrNotConnected   = errors.New("signaling channel not connected")
	ErrInvalidInvite  = errors.New("invalid room invite")
	ErrUnexpectedSDP  = errors.New("unexpected descriptor type")
	ErrPeerFailed     = errors.New("peer connection failed")
	ErrBackendFailure = errors.New("backend request failed")
)

// OpError describes a failed operation, optionally scoped to one peer.
type OpError struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

// Error formats the operation, the peer or details, and the cause.
func (e *OpError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the cause so errors.Is matches the sentinels.
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewError wraps err as a failure of op.
func NewError(op string, err error) *OpError {
	return &OpError{Op: op, Err: err}
}

// NewPeerError wraps err as a failure of op toward one peer.
func NewPeerError(op, peer string, err error) *OpError {
	return &OpError{Op: op, Peer: peer, Err: err}
}

// WrapError wraps err as a failure of op with extra details, such as a backend message.
func WrapError(op string, err error, details string) *OpError {
	return &OpError{Op: op, Err: err, Details: details}
}
