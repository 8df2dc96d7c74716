// Package persistence provides standardized error types for persistence operations.
package persistence

import "errors"

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates a workflow definition was not found.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrExecutionNotFound indicates an execution instance was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNodeExecutionNotFound indicates a node execution was not found in the instance.
	ErrNodeExecutionNotFound = errors.New("node execution not found")

	// ErrDuplicateIdempotencyKey indicates another instance already holds
	// the (owner, idempotency key) pair. Callers resolve it by re-reading
	// the winning row; it is never surfaced to API clients.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// IsDefinitionNotFound checks if an error indicates a missing definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsNodeExecutionNotFound checks if an error indicates a missing node execution.
func IsNodeExecutionNotFound(err error) bool {
	return errors.Is(err, ErrNodeExecutionNotFound)
}

// IsDuplicateIdempotencyKey checks if an error is an idempotency key collision.
func IsDuplicateIdempotencyKey(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}
