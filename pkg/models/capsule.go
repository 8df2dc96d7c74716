// Package models defines the core domain models for run tracking of
// capsule-based workflow graphs and single async jobs.
package models

// Slot is a typed connection point on a node. Slot IDs are unique within
// a node per direction.
type Slot struct {
	ID       string `json:"id"        validate:"required"`
	DataType string `json:"data_type" validate:"required"`
}

// CapsuleType describes an executable node type: its configuration schema,
// default slots and catalog metadata. Instances are immutable once the
// registry is constructed.
type CapsuleType struct {
	Name         string         `json:"name"        validate:"required"`
	DisplayName  string         `json:"display_name"`
	Description  string         `json:"description"`
	ConfigSchema map[string]any `json:"config_schema"`
	InputSlots   []Slot         `json:"input_slots"`
	OutputSlots  []Slot         `json:"output_slots"`
	Testable     bool           `json:"testable"` // Independently runnable against sample input
	Disabled     bool           `json:"disabled"` // Hidden from new definitions; existing runs keep working
}
