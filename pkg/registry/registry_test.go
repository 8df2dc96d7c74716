package registry

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptors() []Descriptor {
	openSchema := map[string]any{"type": "object"}

	return []Descriptor{
		{Type: &models.CapsuleType{Name: "noop", DisplayName: "No-op", ConfigSchema: openSchema}},
		{Type: &models.CapsuleType{Name: "legacy", ConfigSchema: openSchema, Disabled: true}},
		{Type: &models.CapsuleType{
			Name: "strict",
			ConfigSchema: map[string]any{
				"type":     "object",
				"required": []string{"message"},
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
			},
		}},
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	openSchema := map[string]any{"type": "object"}

	_, err := NewRegistry(slog.Default(),
		Descriptor{Type: &models.CapsuleType{Name: "noop", ConfigSchema: openSchema}},
		Descriptor{Type: &models.CapsuleType{Name: "noop", ConfigSchema: openSchema}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}

func TestRegistry_LookupAndTypes(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	ct, ok := reg.Lookup("noop")
	require.True(t, ok)
	assert.Equal(t, "No-op", ct.DisplayName)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	types := reg.Types()
	require.Len(t, types, 3)
	// Stable name order regardless of registration order.
	assert.Equal(t, "legacy", types[0].Name)
	assert.Equal(t, "noop", types[1].Name)
	assert.Equal(t, "strict", types[2].Name)
}

func TestRegistry_ValidateConfig(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	require.NoError(t, reg.ValidateConfig("strict", map[string]any{"message": "hello"}))

	err = reg.ValidateConfig("strict", map[string]any{})
	require.Error(t, err)

	var invalid *InvalidConfigError

	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "strict", invalid.CapsuleType)
	assert.NotEmpty(t, invalid.Issues)
	assert.True(t, IsValidationError(err))
}

func TestValidator_ValidateGraph(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	validator := NewValidator(reg)

	nodes := []*models.Node{
		{ID: "a", Name: "First", Type: "noop"},
		{ID: "b", Name: "Second", Type: "noop"},
	}
	edges := []*models.Edge{
		{SourceNodeID: "a", SourceSlotID: "out", TargetNodeID: "b", TargetSlotID: "in"},
	}

	require.NoError(t, validator.ValidateGraph(nodes, edges))
}

func TestValidator_UnknownCapsuleType(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	validator := NewValidator(reg)

	err = validator.ValidateGraph([]*models.Node{{ID: "a", Type: "missing"}}, nil)

	var unknown *UnknownCapsuleTypeError

	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "a", unknown.NodeID)
	assert.Equal(t, "missing", unknown.CapsuleType)
	assert.True(t, errors.Is(err, ErrInvalidDefinition))
}

func TestValidator_DisabledCapsuleType(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	validator := NewValidator(reg)

	err = validator.ValidateGraph([]*models.Node{{ID: "a", Type: "legacy"}}, nil)

	var disabled *DisabledCapsuleTypeError

	require.ErrorAs(t, err, &disabled)
	assert.Equal(t, "legacy", disabled.CapsuleType)
}

func TestValidator_DanglingEdge(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	validator := NewValidator(reg)

	nodes := []*models.Node{{ID: "a", Type: "noop"}}
	edges := []*models.Edge{
		{SourceNodeID: "a", SourceSlotID: "out", TargetNodeID: "ghost", TargetSlotID: "in"},
	}

	err = validator.ValidateGraph(nodes, edges)

	var dangling *DanglingEdgeError

	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "ghost", dangling.MissingNodeID)
	assert.True(t, IsValidationError(err))
}

func TestValidator_InvalidConfigNamesNode(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), testDescriptors()...)
	require.NoError(t, err)

	validator := NewValidator(reg)

	err = validator.ValidateGraph([]*models.Node{
		{ID: "a", Type: "strict", Config: map[string]any{"message": 12}},
	}, nil)

	var invalid *InvalidConfigError

	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "a", invalid.NodeID)
}
