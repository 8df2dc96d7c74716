package capsules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/template"
)

// TransformType describes the transform capsule.
func TransformType() *models.CapsuleType {
	return &models.CapsuleType{
		Name:        "transform",
		DisplayName: "Transform",
		Description: "Reshapes upstream outputs and run variables with a template expression",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Template applied to {{.variables}} and {{.upstream}}. JSON output is parsed into structured data",
				},
			},
			"required": []string{"expression"},
		},
		InputSlots:  Slot("input"),
		OutputSlots: Slot("result"),
		Testable:    true,
	}
}

// TransformExecutor evaluates the configured expression inline.
type TransformExecutor struct{}

func (e *TransformExecutor) Execute(ctx context.Context, node *models.Node, input protocol.ExecutionInput, logger *slog.Logger) (*protocol.ExecutionResult, error) {
	expression, _ := node.Config["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("transform node '%s' has no expression configured", node.ID)
	}

	rendered, err := template.Render(expression, map[string]any{
		"variables": input.Variables,
		"upstream":  input.Upstream,
	})
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}

	logger.DebugContext(ctx, "transform evaluated", "node_id", node.ID)

	output, ok := rendered.(map[string]any)
	if !ok {
		output = map[string]any{"result": rendered}
	}

	return &protocol.ExecutionResult{Output: output}, nil
}
