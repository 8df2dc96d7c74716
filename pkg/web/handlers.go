// Package web provides HTTP handlers and REST API endpoints for run
// tracking and workflow definition management.
package web

import (
	"strconv"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/registry"
	"github.com/caprun-io/caprun/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	ownerHeader       = "X-Owner-ID"
	adminRoleHeader   = "X-Caller-Role"
	idempotencyHeader = "Idempotency-Key"
)

type APIHandlers struct {
	orchestrator *services.Orchestrator
	definitions  *services.Definitions
	reconciler   *services.Reconciler
	persistence  persistence.Persistence
	validator    *validator.Validate
	registry     *registry.Registry
}

func NewAPIHandlers(
	orchestrator *services.Orchestrator,
	definitions *services.Definitions,
	reconciler *services.Reconciler,
	persist persistence.Persistence,
	validate *validator.Validate,
	reg *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		definitions:  definitions,
		reconciler:   reconciler,
		persistence:  persist,
		validator:    validate,
		registry:     reg,
	}
}

func caller(c fiber.Ctx) services.Caller {
	return services.Caller{
		ID:    c.Get(ownerHeader),
		Admin: c.Get(adminRoleHeader) == "admin",
	}
}

// CreateRun creates a new execution instance. An idempotent replay of a
// previously seen Idempotency-Key returns the original run with 200
// instead of 201.
func (h *APIHandlers) CreateRun(c fiber.Ctx) error {
	var req CreateRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	serviceReq := services.CreateRunRequest{
		Owner:          c.Get(ownerHeader),
		DefinitionID:   req.DefinitionID,
		Nodes:          req.Nodes,
		Edges:          req.Edges,
		Variables:      req.Variables,
		IdempotencyKey: c.Get(idempotencyHeader),
		TriggeredBy:    req.TriggeredBy,
	}

	if req.Job != nil {
		serviceReq.Job = &services.JobSpec{
			Type:   req.Job.Type,
			Name:   req.Job.Name,
			Config: req.Job.Config,
		}
	}

	execution, created, err := h.orchestrator.CreateRun(c.Context(), serviceReq)
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(CreateRunResponse{
		RunID:   execution.ID,
		RunKind: string(execution.RunKind),
		Status:  string(execution.Status),
	})
}

// ListRuns returns list projections without node and edge snapshots.
func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	filter, err := parseExecutionFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	executions, err := h.orchestrator.ListExecutions(c.Context(), caller(c), *filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs": executions,
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func parseExecutionFilter(c fiber.Ctx) (*persistence.ExecutionFilter, error) {
	filter := &persistence.ExecutionFilter{
		DefinitionID: c.Query("definition_id"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		filter.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.ExecutionStatus(statusStr)
		filter.Status = &status
	}

	return filter, nil
}

// GetExecution returns the full instance including node executions. The
// read doubles as the opportunistic reconciliation trigger: stuck
// transient nodes are repaired before the response is built.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.orchestrator.GetExecution(c.Context(), caller(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if !execution.Status.IsTerminal() && h.reconciler != nil {
		corrections, err := h.reconciler.ReconcileExecution(c.Context(), id)
		if err == nil && corrections > 0 {
			execution, err = h.orchestrator.GetExecution(c.Context(), caller(c), id)
			if err != nil {
				return handleServiceError(c, err)
			}
		}
	}

	return c.JSON(execution)
}

// ResumeFromNode seeds a fresh instance from a prior one.
func (h *APIHandlers) ResumeFromNode(c fiber.Ctx) error {
	id := c.Params("id")
	nodeID := c.Params("nodeId")

	if id == "" || nodeID == "" {
		return badRequest(c, "Execution ID and node ID are required")
	}

	resumed, err := h.orchestrator.ResumeFromNode(c.Context(), caller(c), id, nodeID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CreateRunResponse{
		RunID:   resumed.ID,
		RunKind: string(resumed.RunKind),
		Status:  string(resumed.Status),
	})
}

// CancelExecution cancels a non-terminal run. Cancelling a terminal run
// is a conflict.
func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	_, err := h.orchestrator.Cancel(c.Context(), caller(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"cancelled": true})
}

// GetNodeLogs exposes a single node execution's logs, artifacts and error.
func (h *APIHandlers) GetNodeLogs(c fiber.Ctx) error {
	id := c.Params("id")
	nodeID := c.Params("nodeId")

	if id == "" || nodeID == "" {
		return badRequest(c, "Execution ID and node ID are required")
	}

	execution, err := h.orchestrator.GetExecution(c.Context(), caller(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	node := execution.NodeExecutionByID(nodeID)
	if node == nil {
		return notFound(c, "Node execution not found")
	}

	return c.JSON(NodeLogsResponse{
		NodeID:          node.NodeID,
		Name:            node.Name,
		Type:            node.Type,
		Status:          string(node.Status),
		Logs:            node.Logs,
		OutputArtifacts: node.OutputArtifacts,
		ErrorMessage:    node.ErrorMessage,
		BackingJobID:    node.BackingJobID,
		DurationMs:      node.DurationMs,
	})
}

// GetCapsuleTypes lists the registry catalog.
func (h *APIHandlers) GetCapsuleTypes(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"capsule_types": h.registry.Types()})
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var req CreateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	definition := &models.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Variables:   req.Variables,
		Owner:       c.Get(ownerHeader),
	}

	created, err := h.definitions.Create(c.Context(), definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	definitions, err := h.definitions.List(c.Context(), c.Get(ownerHeader))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"definitions": definitions})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	definition, err := h.definitions.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	var req UpdateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.definitions.Update(c.Context(), id, func(definition *models.WorkflowDefinition) {
		if req.Name != nil {
			definition.Name = *req.Name
		}

		if req.Description != nil {
			definition.Description = *req.Description
		}

		if req.Nodes != nil {
			definition.Nodes = req.Nodes
		}

		if req.Edges != nil {
			definition.Edges = req.Edges
		}

		if req.Variables != nil {
			definition.Variables = req.Variables
		}
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	err := h.definitions.Delete(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := fiber.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = fiber.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
