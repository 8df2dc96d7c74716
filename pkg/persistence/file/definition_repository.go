package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/google/uuid"
)

const definitionPrefix = "definition-"

// DefinitionRepository stores each workflow definition as a JSON document.
type DefinitionRepository struct {
	persistence *Persistence
}

func definitionDoc(id string) string {
	return definitionPrefix + id + ".json"
}

func (r *DefinitionRepository) GetAll(ctx context.Context, owner string) ([]*models.WorkflowDefinition, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	names, err := r.persistence.list(definitionPrefix)
	if err != nil {
		return nil, err
	}

	var definitions []*models.WorkflowDefinition

	for _, name := range names {
		var definition models.WorkflowDefinition

		found, err := r.persistence.read(name, &definition)
		if err != nil {
			return nil, err
		}

		if !found || definition.DeletedAt != nil {
			continue
		}

		if owner != "" && definition.Owner != owner {
			continue
		}

		definitions = append(definitions, &definition)
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].CreatedAt.After(definitions[j].CreatedAt)
	})

	return definitions, nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	return r.getLocked(id)
}

func (r *DefinitionRepository) getLocked(id string) (*models.WorkflowDefinition, error) {
	var definition models.WorkflowDefinition

	found, err := r.persistence.read(definitionDoc(id), &definition)
	if err != nil {
		return nil, err
	}

	if !found || definition.DeletedAt != nil {
		return nil, persistence.ErrDefinitionNotFound
	}

	return &definition, nil
}

// Save upserts a definition, generating an ID and timestamps as needed.
func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	now := time.Now().UTC()

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	if definition.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate definition ID: %w", err)
		}

		definition.ID = id.String()
	}

	return r.persistence.write(definitionDoc(definition.ID), definition)
}

// Delete soft deletes a definition by setting its deleted_at timestamp.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	definition, err := r.getLocked(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	definition.DeletedAt = &now

	return r.persistence.write(definitionDoc(id), definition)
}
