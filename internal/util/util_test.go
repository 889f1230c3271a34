package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query string   `json:"query" description:"search terms"`
	Limit *int     `json:"limit"`
	Tags  []string `json:"tags,omitempty"`
	Order string   `json:"order" enum:"asc,desc"`
	skip  bool
}

func TestSchemaFor(t *testing.T) {
	s := SchemaFor(searchArgs{})
	props := s["properties"].(map[string]any)

	assert.Equal(t, "string", props["query"].(map[string]any)["type"])
	assert.Equal(t, "search terms", props["query"].(map[string]any)["description"])
	assert.Equal(t, "integer", props["limit"].(map[string]any)["type"])
	assert.Equal(t, map[string]any{"type": "string"}, props["tags"].(map[string]any)["items"])
	assert.Equal(t, []any{"asc", "desc"}, props["order"].(map[string]any)["enum"])
	assert.NotContains(t, props, "skip")
	assert.ElementsMatch(t, []string{"query", "order"}, s["required"])

	assert.Equal(t, "object", SchemaFor(42)["type"])
}

func TestRawSchema(t *testing.T) {
	assert.JSONEq(t, `{"type":"object"}`, string(RawSchema(nil)))
	assert.JSONEq(t, `{"type":"string"}`, string(RawSchema(map[string]any{"type": "string"})))
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = RenderTemplate("Summarize {{.Item}} ({{.Index}}) for {{.Vars.team | upper}} <b>", PromptData{
		Item:  "a&b",
		Index: 2,
		Vars:  map[string]any{"team": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summarize a&b (2) for OPS <b>", out)

	out, err = RenderTemplate(`{{default "none" .Vars.missing}}`, PromptData{Vars: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "none", out)

	_, err = RenderTemplate("{{.Item", PromptData{})
	assert.Error(t, err)
}
