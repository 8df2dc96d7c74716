package models

import "time"

// Variable declares a run input. Default may contain template expressions
// (e.g. {{now}}) resolved when a run is created without a caller value.
type Variable struct {
	Name        string  `json:"name"     validate:"required"`
	Description string  `json:"description"`
	Required    bool    `json:"required"`
	Default     *string `json:"default,omitempty"`
}

// WorkflowDefinition is the authored node/edge graph. It is mutable
// independently of any run: a run snapshots nodes and edges at creation
// time and never re-reads the live definition.
type WorkflowDefinition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"        validate:"required,min=3"`
	Description string      `json:"description"`
	Nodes       []*Node     `json:"nodes"`
	Edges       []*Edge     `json:"edges"`
	Variables   []*Variable `json:"variables"`
	Owner       string      `json:"owner"       validate:"required"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

// NodeByID returns the node with the given ID, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}
