package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDefinition is the sentinel all graph validation errors wrap,
// so callers can classify without switching on concrete types.
var ErrInvalidDefinition = errors.New("invalid definition")

// UnknownCapsuleTypeError identifies a node whose type is not in the catalog.
type UnknownCapsuleTypeError struct {
	NodeID      string
	CapsuleType string
}

func (e *UnknownCapsuleTypeError) Error() string {
	return fmt.Sprintf("node '%s' references unknown capsule type '%s'", e.NodeID, e.CapsuleType)
}

func (e *UnknownCapsuleTypeError) Unwrap() error {
	return ErrInvalidDefinition
}

// DisabledCapsuleTypeError identifies a node using a disabled capsule type.
type DisabledCapsuleTypeError struct {
	NodeID      string
	CapsuleType string
}

func (e *DisabledCapsuleTypeError) Error() string {
	return fmt.Sprintf("node '%s' references disabled capsule type '%s'", e.NodeID, e.CapsuleType)
}

func (e *DisabledCapsuleTypeError) Unwrap() error {
	return ErrInvalidDefinition
}

// DanglingEdgeError identifies an edge endpoint missing from the node set.
type DanglingEdgeError struct {
	SourceNodeID  string
	TargetNodeID  string
	MissingNodeID string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references missing node '%s'", e.SourceNodeID, e.TargetNodeID, e.MissingNodeID)
}

func (e *DanglingEdgeError) Unwrap() error {
	return ErrInvalidDefinition
}

// InvalidConfigError carries the schema violations for one node config.
type InvalidConfigError struct {
	NodeID      string
	CapsuleType string
	Issues      []string
}

func (e *InvalidConfigError) Error() string {
	target := e.CapsuleType
	if e.NodeID != "" {
		target = fmt.Sprintf("node '%s' (%s)", e.NodeID, e.CapsuleType)
	}

	return fmt.Sprintf("invalid config for %s: %s", target, strings.Join(e.Issues, "; "))
}

func (e *InvalidConfigError) Unwrap() error {
	return ErrInvalidDefinition
}

// IsValidationError reports whether err is a definition validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}
