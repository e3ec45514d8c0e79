// Package errs defines the sentinel error kinds used across the Discard
// core (§7 of the design: Unreachable, Timeout, BadPayload, ...). Callers
// wrap these with errors.Is-compatible context via fmt.Errorf("...: %w").
package errs

import "errors"

var (
	// ErrUnreachable means the rendezvous overlay could not route to a peer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrTimeout means a retry budget was exhausted.
	ErrTimeout = errors.New("timed out")

	// ErrBadPayload means a signaling message was malformed or oversize.
	ErrBadPayload = errors.New("malformed signaling payload")

	// ErrAlreadySet means a single-assignment invariant was violated.
	ErrAlreadySet = errors.New("already set")

	// ErrNoChannel means a data-channel operation was attempted before open.
	ErrNoChannel = errors.New("data channel not open")

	// ErrSendError means the underlying transport reported a write failure.
	ErrSendError = errors.New("send failed")

	// ErrNotFound means a display name or node id is unknown to the store.
	ErrNotFound = errors.New("not found")

	// ErrStoreError means a store query or write failed.
	ErrStoreError = errors.New("store error")

	// ErrNotImplemented means a session kind is reserved and unimplemented.
	ErrNotImplemented = errors.New("not implemented")

	// ErrFatal means a startup/bootstrap failure (bind, store init) occurred.
	ErrFatal = errors.New("fatal error")
)
