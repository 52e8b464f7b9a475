package hal

import "errors"

var (
	// ErrAllocation is returned when coherent memory for a ring, bank or
	// scatter buffer could not be allocated.
	ErrAllocation = errors.New("allocation failure")

	// ErrRegistration is returned when the engine rejected a ring, an idle
	// list or an interrupt registration.
	ErrRegistration = errors.New("registration failure")

	// ErrConfiguration is returned for requests that are rejected before any
	// memory is touched, like a descriptor count that overflows the pool.
	ErrConfiguration = errors.New("configuration error")
)
