package taskloom

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("taskloom: no store configured")
	ErrStoreClosed = errors.New("taskloom: store closed")

	// Not found errors.
	ErrUnitNotFound      = errors.New("taskloom: work unit not found")
	ErrPayloadNotFound   = errors.New("taskloom: work unit payload not found")
	ErrExceptionNotFound = errors.New("taskloom: exception not found")

	// Conflict errors.
	ErrUnitAlreadyExists    = errors.New("taskloom: work unit already exists")
	ErrDuplicateRequirement = errors.New("taskloom: requirement edge already exists")
	ErrRequirementCycle     = errors.New("taskloom: requirement would create a cycle")
	ErrSelfRequirement      = errors.New("taskloom: unit cannot require itself")

	// Lease and state errors.
	ErrLeaseLost     = errors.New("taskloom: lease no longer held")
	ErrInvalidState  = errors.New("taskloom: invalid state transition")
	ErrNotInfeasible = errors.New("taskloom: unit is not infeasible")

	// Registry errors.
	ErrNoWorker = errors.New("taskloom: no worker registered for kind")
)
