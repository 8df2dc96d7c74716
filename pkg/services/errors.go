// Package services implements the execution orchestrator, resume
// coordinator and reconciliation sweep on top of the persistence and
// queue abstractions.
package services

import (
	"errors"
	"fmt"

	"github.com/caprun-io/caprun/pkg/registry"
)

// Business logic errors. These map to 4xx responses at the HTTP layer.
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest  = errors.New("invalid request")
	ErrEmptyOwner      = errors.New("owner cannot be empty")
	ErrNoRunTarget     = errors.New("run request needs a definition id, inline nodes or a job spec")
	ErrMissingVariable = errors.New("missing required variable")
	ErrUnknownNode     = errors.New("node not present in execution snapshot")

	// Business logic conflicts (409 Conflict).
	ErrExecutionTerminal = errors.New("execution already in a terminal status")

	// Permission errors (403 Forbidden).
	ErrPermissionDenied = errors.New("caller may not access this execution")
)

// Caller identifies the requester for ownership checks. Authentication is
// external; the engine only distinguishes owners from privileged callers.
type Caller struct {
	ID    string
	Admin bool
}

// MissingVariableError names the variable a run request failed to supply.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required variable '%s'", e.Name)
}

func (e *MissingVariableError) Unwrap() error {
	return ErrMissingVariable
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return registry.IsValidationError(err) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyOwner) ||
		errors.Is(err, ErrNoRunTarget) ||
		errors.Is(err, ErrMissingVariable) ||
		errors.Is(err, ErrUnknownNode)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrExecutionTerminal)
}

// IsPermissionError checks if an error should return HTTP 403.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
