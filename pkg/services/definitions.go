package services

import (
	"context"
	"log/slog"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/registry"
)

// Definitions manages workflow definition CRUD. The graph validator gates
// every create and update so no saved definition can reference unknown
// capsule types or dangling nodes.
type Definitions struct {
	persistence persistence.Persistence
	validator   *registry.Validator
	logger      *slog.Logger
}

func NewDefinitions(p persistence.Persistence, validator *registry.Validator, logger *slog.Logger) *Definitions {
	return &Definitions{
		persistence: p,
		validator:   validator,
		logger:      logger.With("module", "definitions"),
	}
}

func (s *Definitions) Create(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if definition.Owner == "" {
		return nil, ErrEmptyOwner
	}

	err := s.validator.ValidateGraph(definition.Nodes, definition.Edges)
	if err != nil {
		return nil, err
	}

	err = s.persistence.Definitions().Save(ctx, definition)
	if err != nil {
		return nil, err
	}

	return definition, nil
}

func (s *Definitions) Update(ctx context.Context, id string, apply func(*models.WorkflowDefinition)) (*models.WorkflowDefinition, error) {
	definition, err := s.persistence.Definitions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	apply(definition)

	err = s.validator.ValidateGraph(definition.Nodes, definition.Edges)
	if err != nil {
		return nil, err
	}

	err = s.persistence.Definitions().Save(ctx, definition)
	if err != nil {
		return nil, err
	}

	return definition, nil
}

func (s *Definitions) FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().GetByID(ctx, id)
}

func (s *Definitions) List(ctx context.Context, owner string) ([]*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().GetAll(ctx, owner)
}

func (s *Definitions) Delete(ctx context.Context, id string) error {
	return s.persistence.Definitions().Delete(ctx, id)
}
