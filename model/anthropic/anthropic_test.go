package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := anthropic.NewClient(
		option.WithBaseURL(srv.URL),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)
	return NewModelFromClient(&client)
}

func TestGenerateWithTools_NormalizesResponse(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"let me add"},{"type":"tool_use","id":"tu_1","name":"calc__add","input":{"a":1,"b":2}}],
			"stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":7,"output_tokens":3}}`))
	})

	resp, err := m.GenerateWithTools(context.Background(), model.Prompt("1+2"), []model.ToolSpec{{
		Name:       "calc__add",
		Parameters: map[string]any{"type": "object", "required": []any{"a", "b"}},
	}})
	require.NoError(t, err)

	assert.Equal(t, "let me add", resp.Text)
	assert.Equal(t, "tool_use", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, core.Usage{Input: 7, Output: 3, Total: 10}, resp.Usage)
}

func TestGenerate_MapsStatusToModelError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	})

	_, err := m.Generate(context.Background(), model.Prompt("x"))

	var mErr *core.ModelError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "anthropic", mErr.Provider)
	assert.Equal(t, http.StatusBadRequest, mErr.StatusCode)
	assert.False(t, mErr.Retryable)
}

func TestBuildMessages_ToolResultsBecomeUserTurn(t *testing.T) {
	msgs := buildMessages([]core.Message{
		core.NewTextMessage(core.RoleSystem, "sys"),
		core.NewTextMessage(core.RoleUser, "hi"),
		{Role: core.RoleAssistant, Parts: []core.Part{core.ToolCallPart{Call: core.ToolCall{ID: "c1", Name: "t"}}}},
		{Role: core.RoleTool, Parts: []core.Part{core.ToolResultPart{CallID: "c1", Content: "ok"}}},
	})

	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredFields([]any{"a", 3, "b"}))
	assert.Nil(t, requiredFields(nil))
}
