// Package errors defines sentinel errors used across pcdsync.
package errors

import "errors"

// Sentinel errors for the PCD state machine.
var (
	// ErrProofService indicates a proof service call failed (network or backend fault).
	ErrProofService = errors.New("proof service error")

	// ErrNotInitialized indicates the operation requires a prior initialize.
	ErrNotInitialized = errors.New("pcd state not initialized")

	// ErrMalformedSnapshot indicates imported or persisted data failed structural validation.
	ErrMalformedSnapshot = errors.New("malformed pcd snapshot")

	// ErrVerificationFailed indicates a proof was checked and found invalid.
	ErrVerificationFailed = errors.New("proof verification failed")
)

// Sentinel errors for the keeper connection.
var (
	// ErrConnection indicates a channel-level failure.
	ErrConnection = errors.New("keeper connection error")

	// ErrNotConnected indicates a request was issued while the channel is down.
	ErrNotConnected = errors.New("keeper not connected")

	// ErrRequestTimeout indicates no matching response arrived within the deadline.
	ErrRequestTimeout = errors.New("keeper request timed out")

	// ErrRequestFailed indicates the keeper answered a request with success=false.
	ErrRequestFailed = errors.New("keeper request failed")

	// ErrProtocol indicates an unparseable inbound frame.
	ErrProtocol = errors.New("keeper protocol error")
)

// Sentinel errors for resources.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)
