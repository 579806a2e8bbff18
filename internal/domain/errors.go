// internal/domain/errors.go
package domain

import "errors"

var (
	// ErrInvalidLevel is returned when a level is not in the configured set.
	ErrInvalidLevel = errors.New("invalid level")
	// ErrInvalidChannel is returned when a channel is not in the configured set.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrMalformedRequest is returned for undecodable or incomplete request bodies.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrPublishFailed means the broker did not confirm the publish in time.
	// The ledger increment has already been rolled back when this is returned.
	ErrPublishFailed = errors.New("publish failed")
	// ErrInvocationFailed means the downstream compute call failed or returned an error status.
	ErrInvocationFailed = errors.New("invocation failed")
	// ErrNotLeader is returned by a standby router.
	ErrNotLeader = errors.New("router is not the leader")
	// ErrEmptyTopology aborts startup when no channels or levels are configured.
	ErrEmptyTopology = errors.New("channel and level sets must not be empty")
)
