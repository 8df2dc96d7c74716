package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Substitution(t *testing.T) {
	result, err := Render("{{.api_host}}/v1/images", map[string]any{"api_host": "https://api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/images", result)
}

func TestRender_JSONResultIsParsed(t *testing.T) {
	result, err := Render(`{"model": "{{.model}}", "steps": 20}`, map[string]any{"model": "draft-1"})
	require.NoError(t, err)

	parsed, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "draft-1", parsed["model"])
	assert.InDelta(t, 20, parsed["steps"], 0)

	list, err := Render(`["{{.first}}", "b"]`, map[string]any{"first": "a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, list)
}

func TestRender_InvalidJSONStaysString(t *testing.T) {
	result, err := Render("{not json {{.x}}}", map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, "{not json y}", result)
}

func TestRender_Funcs(t *testing.T) {
	t.Setenv("CAPRUN_TEST_BUCKET", "renders")

	result, err := Render("s3://{{env \"CAPRUN_TEST_BUCKET\"}}/{{today}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3://renders/"+time.Now().UTC().Format("2006-01-02"), result)
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("{{.unclosed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}

func TestNeedsTemplating(t *testing.T) {
	assert.True(t, NeedsTemplating("{{.api_host}}/v1"))
	assert.False(t, NeedsTemplating("https://api.example.com/v1"))
}
