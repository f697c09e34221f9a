package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds that need no extra context.
var (
	// ErrTenantUnset marks an operation invoked without a tenant handle.
	// This is a programming error and surfaces immediately.
	ErrTenantUnset = errors.New("tenant handle unset")

	// ErrDataUnavailable marks a computation that cannot run because its
	// inputs do not exist yet (no forecasts, no recent inventory). Callers
	// convert it to a skipped status with a reason, not a failure.
	ErrDataUnavailable = errors.New("required data unavailable")

	// ErrNotFound marks a lookup miss for an entity addressed by id.
	ErrNotFound = errors.New("not found")
)

// ContractError reports a canonical-contract violation: a missing required
// field, an unparseable date, or an out-of-range quantity.
type ContractError struct {
	Field  string
	Reason string
}

func (e *ContractError) Error() string {
	if e.Field == "" {
		return "contract violation: " + e.Reason
	}
	return fmt.Sprintf("contract violation on %q: %s", e.Field, e.Reason)
}

// StateError reports an invalid state-machine transition. No state changes.
type StateError struct {
	Entity string
	From   string
	To     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// ConflictError reports an idempotency conflict; ExistingID points at the
// entity that already satisfies the request.
type ConflictError struct {
	Entity     string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.ExistingID)
}

// TransientError wraps a dependency failure that is worth retrying
// (database timeout, broker unreachable, staging directory gone).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ModelLoadError marks a forecast run that failed because the artifact could
// not be loaded or decoded. It does not poison the registry.
type ModelLoadError struct {
	Version string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Version, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// DQGateError carries the data-quality failures that block onboarding,
// training, and promotion.
type DQGateError struct {
	Failures []string
}

func (e *DQGateError) Error() string {
	return fmt.Sprintf("data quality gate failed: %v", e.Failures)
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
