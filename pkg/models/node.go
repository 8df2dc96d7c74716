package models

// Node is a capsule instance inside a workflow definition. Config is
// validated against the capsule type's JSON schema at definition-save time.
type Node struct {
	ID          string         `json:"id"     validate:"required"`
	Name        string         `json:"name"   validate:"required,min=1"`
	Type        string         `json:"type"   validate:"required"`
	Config      map[string]any `json:"config"`
	InputSlots  []Slot         `json:"input_slots"`
	OutputSlots []Slot         `json:"output_slots"`
}

// Edge connects an output slot of one node to an input slot of another.
// Both node IDs must exist in the same definition's node set.
type Edge struct {
	SourceNodeID string `json:"source_node_id" validate:"required"`
	SourceSlotID string `json:"source_slot_id"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	TargetSlotID string `json:"target_slot_id"`
}
