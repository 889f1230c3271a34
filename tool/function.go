package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hupe1980/agentflow/internal/util"
)

// Func is the implementation behind a FunctionTool. A string result is
// returned as text; any other value is returned as structured content with
// its JSON encoding as text.
type Func func(ctx context.Context, args map[string]any) (any, error)

// FunctionTool exposes a plain Go function as a tool. It holds no mutable
// state after construction and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
//	sum := tool.NewFunctionTool("sum", "Add two numbers",
//	    map[string]any{
//	        "type": "object",
//	        "properties": map[string]any{
//	            "a": map[string]any{"type": "number"},
//	            "b": map[string]any{"type": "number"},
//	        },
//	        "required": []string{"a", "b"},
//	    },
//	    func(_ context.Context, args map[string]any) (any, error) {
//	        return args["a"].(float64) + args["b"].(float64), nil
//	    })
func NewFunctionTool(name, description string, parameters map[string]any, fn Func) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from an argument
// struct (see json, description and enum tags).
func NewFunctionToolFromStruct(name, description string, argsType any, fn Func) *FunctionTool {
	return NewFunctionTool(name, description, util.SchemaFor(argsType), fn)
}

// Name returns the tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the description shown to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema of accepted arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call invokes the function directly, converting a panic into an error.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx, args)
}

func (t *FunctionTool) serverTool() server.ServerTool {
	return server.ServerTool{
		Tool:    mcp.NewToolWithRawSchema(t.name, t.description, util.RawSchema(t.parameters)),
		Handler: t.handle,
	}
}

func (t *FunctionTool) handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := t.Call(ctx, req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch v := out.(type) {
	case nil:
		return mcp.NewToolResultText(""), nil
	case string:
		return mcp.NewToolResultText(v), nil
	case fmt.Stringer:
		return mcp.NewToolResultText(v.String()), nil
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultStructured(out, string(raw)), nil
}
