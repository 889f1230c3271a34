package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agentflow/core"
)

// mcpSession adapts an initialized mcp-go client to Session.
type mcpSession struct {
	handle    core.ServerHandle
	client    *client.Client
	expiresAt time.Time
}

func (s *mcpSession) Server() core.ServerHandle { return s.handle }

func (s *mcpSession) ExpiresAt() time.Time { return s.expiresAt }

func (s *mcpSession) ListTools(ctx context.Context) ([]core.ToolDefinition, error) {
	var defs []core.ToolDefinition
	req := mcp.ListToolsRequest{}
	for {
		res, err := s.client.ListTools(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			schema, err := toolSchema(t)
			if err != nil {
				return nil, err
			}
			defs = append(defs, core.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
				Server:      s.handle,
			})
		}
		if res.NextCursor == "" {
			return defs, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	res, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return Result{}, err
	}
	return convertResult(res), nil
}

func (s *mcpSession) Close() error { return s.client.Close() }

func toolSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func convertResult(res *mcp.CallToolResult) Result {
	if res == nil {
		return Result{}
	}
	var texts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			texts = append(texts, tc.Text)
		case *mcp.TextContent:
			texts = append(texts, tc.Text)
		}
	}
	out := Result{
		Text:       strings.Join(texts, "\n"),
		Structured: res.StructuredContent,
		IsError:    res.IsError,
	}
	if out.Text == "" && out.Structured != nil {
		if b, err := json.Marshal(out.Structured); err == nil {
			out.Text = string(b)
		}
	}
	return out
}
