// Package web provides HTTP request and response types for the run API.
package web

import "github.com/caprun-io/caprun/pkg/models"

// JobSpecRequest describes a single async job to wrap in an image run.
type JobSpecRequest struct {
	Type   string         `json:"type"   validate:"required"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// CreateRunRequest represents the request body for creating a run. Exactly
// one of DefinitionID, Nodes or Job must be set; the service layer enforces
// that.
type CreateRunRequest struct {
	DefinitionID string          `json:"definition_id,omitempty"`
	Nodes        []*models.Node  `json:"nodes,omitempty"`
	Edges        []*models.Edge  `json:"edges,omitempty"`
	Job          *JobSpecRequest `json:"job,omitempty"`
	Variables    map[string]any  `json:"variables,omitempty"`
	TriggeredBy  string          `json:"triggered_by,omitempty"`
}

// CreateRunResponse is the envelope returned by POST /runs.
type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	RunKind string `json:"run_kind"`
	Status  string `json:"status"`
}

// CreateDefinitionRequest represents the request body for creating a new
// workflow definition.
type CreateDefinitionRequest struct {
	Name        string             `json:"name"        validate:"required,min=3"`
	Description string             `json:"description"`
	Nodes       []*models.Node     `json:"nodes"`
	Edges       []*models.Edge     `json:"edges"`
	Variables   []*models.Variable `json:"variables"`
}

// UpdateDefinitionRequest represents a partial update to a definition.
type UpdateDefinitionRequest struct {
	Name        *string            `json:"name,omitempty" validate:"omitempty,min=3"`
	Description *string            `json:"description,omitempty"`
	Nodes       []*models.Node     `json:"nodes,omitempty"`
	Edges       []*models.Edge     `json:"edges,omitempty"`
	Variables   []*models.Variable `json:"variables,omitempty"`
}

// NodeLogsResponse is the per-node detail view exposed at
// GET /executions/:id/nodes/:nodeId/logs.
type NodeLogsResponse struct {
	NodeID          string            `json:"node_id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Status          string            `json:"status"`
	Logs            string            `json:"logs"`
	OutputArtifacts []models.Artifact `json:"output_artifacts"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	BackingJobID    *string           `json:"backing_job_id,omitempty"`
	DurationMs      int64             `json:"duration_ms,omitempty"`
}
