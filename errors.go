package gatekeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by administration operations referencing an
	// unknown tenant, actor, role or permission.
	ErrNotFound = errors.New("gatekeeper: not found")
	// ErrCycleDetected is returned when a role definition would make the
	// parent graph cyclic, and internally when a cycle is met during
	// resolution.
	ErrCycleDetected = errors.New("gatekeeper: role cycle detected")
	// ErrUnavailable wraps infrastructure faults (store or cache backend).
	ErrUnavailable = errors.New("gatekeeper: infrastructure unavailable")
	// ErrConfiguration marks an action/resource type pairing missing from the
	// tenant's permission catalog, or a misbehaving rule.
	ErrConfiguration = errors.New("gatekeeper: configuration error")
	// ErrInvalidArgument marks malformed administration input.
	ErrInvalidArgument = errors.New("gatekeeper: invalid argument")
)

// NotFound builds an ErrNotFound for a kind of key.
func NotFound(kind, tenantID, id string) error {
	return fmt.Errorf("%w: %s %s/%s", ErrNotFound, kind, tenantID, id)
}

// Unavailable wraps a backend error so callers can match ErrUnavailable while
// still reaching the cause.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable.Error(), e.op, e.err)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

// isDomainError reports whether err is one of the engine's own sentinels,
// as opposed to an unexpected backend failure.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidArgument)
}
