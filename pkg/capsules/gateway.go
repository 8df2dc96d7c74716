package capsules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/protocol"
)

// LLMGenerateType describes the llm-generate capsule.
func LLMGenerateType() *models.CapsuleType {
	return &models.CapsuleType{
		Name:        "llm-generate",
		DisplayName: "LLM Generate",
		Description: "Generates text through the model gateway as an async backing job",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model": map[string]any{
					"type":        "string",
					"description": "Gateway model identifier",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Prompt text, templated against variables and upstream outputs",
				},
				"max_tokens": map[string]any{
					"type":    "integer",
					"minimum": 1,
				},
				"temperature": map[string]any{
					"type":    "number",
					"minimum": 0,
					"maximum": 2,
				},
			},
			"required": []string{"model", "prompt"},
		},
		InputSlots:  Slot("prompt"),
		OutputSlots: Slot("completion"),
		Testable:    true,
	}
}

// ImageGenerateType describes the image-generate capsule. Single-job image
// runs wrap one node of this type.
func ImageGenerateType() *models.CapsuleType {
	return &models.CapsuleType{
		Name:        "image-generate",
		DisplayName: "Image Generate",
		Description: "Generates images through the model gateway as an async backing job",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model": map[string]any{
					"type": "string",
				},
				"prompt": map[string]any{
					"type": "string",
				},
				"negative_prompt": map[string]any{
					"type": "string",
				},
				"width": map[string]any{
					"type":    "integer",
					"minimum": 64,
				},
				"height": map[string]any{
					"type":    "integer",
					"minimum": 64,
				},
				"count": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": 8,
					"default": 1,
				},
			},
			"required": []string{"model", "prompt"},
		},
		InputSlots:  Slot("prompt"),
		OutputSlots: Slot("images"),
		Testable:    false,
	}
}

// FileExportType describes the file-export capsule.
func FileExportType() *models.CapsuleType {
	return &models.CapsuleType{
		Name:        "file-export",
		DisplayName: "File Export",
		Description: "Packages upstream artifacts into a downloadable file via an async backing job",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"format": map[string]any{
					"type":    "string",
					"default": "zip",
					"enum":    []string{"zip", "tar", "pdf"},
				},
				"filename": map[string]any{
					"type": "string",
				},
			},
		},
		InputSlots:  Slot("files"),
		OutputSlots: Slot("archive"),
		Testable:    false,
	}
}

// GatewayExecutor dispatches a backing job and returns immediately with the
// job id. The node stays running until a status callback or the
// reconciliation sweep settles it.
type GatewayExecutor struct {
	jobs    protocol.BackingJobClient
	jobType string
}

func (e *GatewayExecutor) Execute(ctx context.Context, node *models.Node, input protocol.ExecutionInput, logger *slog.Logger) (*protocol.ExecutionResult, error) {
	if e.jobs == nil {
		return nil, fmt.Errorf("no backing job client configured for '%s'", e.jobType)
	}

	config := make(map[string]any, len(node.Config))

	for key, value := range node.Config {
		if _, ok := value.(string); ok {
			rendered, err := renderString(node.Config, key, input)
			if err != nil {
				return nil, fmt.Errorf("failed to render '%s': %w", key, err)
			}

			config[key] = rendered

			continue
		}

		config[key] = value
	}

	jobID, err := e.jobs.Dispatch(ctx, e.jobType, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch %s job: %w", e.jobType, err)
	}

	logger.InfoContext(ctx, "dispatched backing job", "node_id", node.ID, "job_type", e.jobType, "job_id", jobID)

	return &protocol.ExecutionResult{
		Output:       map[string]any{"job_id": jobID},
		BackingJobID: jobID,
	}, nil
}
