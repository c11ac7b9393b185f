package agentwire

import "errors"

// Common errors
var (
	// ErrThreadAlreadyRunning is returned when a run is requested on a
	// thread whose run lease is already held.
	ErrThreadAlreadyRunning = errors.New("thread already has an active run")

	// ErrUnauthorized is returned when no scope could be resolved for the
	// caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidScope is returned for a resolved scope that grants access
	// to no resources, and for an admin (nil) scope asked to create a new
	// thread, which needs an owner.
	ErrInvalidScope = errors.New("scope grants access to no resources")

	// ErrThreadNotFound is returned for threads that do not exist and,
	// deliberately, for threads the caller's scope cannot see.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrAgentNotFound is returned when no agent is registered under the
	// requested id.
	ErrAgentNotFound = errors.New("agent not found")
)
