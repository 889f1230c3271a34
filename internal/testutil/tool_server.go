package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HandlerFunc answers a tool call with text, or an error reported as a tool
// error result.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// CallLog is one observed tool call.
type CallLog struct {
	Tool  string
	Args  map[string]any
	Start time.Time
	End   time.Time
}

// FakeServer is an in-process MCP server that records its calls.
type FakeServer struct {
	Name   string
	Server *server.MCPServer

	mu          sync.Mutex
	calls       []CallLog
	inFlight    int
	maxInFlight int
}

// ToolServerBuilder provides a fluent helper for constructing fake servers.
//
//	srv := NewToolServer("files").Echo("read").Slow("sleep", 50*time.Millisecond).Build()
type ToolServerBuilder struct {
	name  string
	tools []fakeTool
}

type fakeTool struct {
	name    string
	desc    string
	schema  json.RawMessage
	handler HandlerFunc
}

// NewToolServer starts a builder for a server called name.
func NewToolServer(name string) *ToolServerBuilder { return &ToolServerBuilder{name: name} }

// Tool adds a tool with an explicit JSON schema (chainable).
func (b *ToolServerBuilder) Tool(name, schema string, h HandlerFunc) *ToolServerBuilder {
	b.tools = append(b.tools, fakeTool{name: name, desc: "test tool " + name, schema: json.RawMessage(schema), handler: h})
	return b
}

// Echo adds a tool returning "<name>:<args as JSON>" (chainable).
func (b *ToolServerBuilder) Echo(name string) *ToolServerBuilder {
	return b.Tool(name, `{"type":"object"}`, func(_ context.Context, args map[string]any) (string, error) {
		raw, _ := json.Marshal(args)
		return fmt.Sprintf("%s:%s", name, raw), nil
	})
}

// Slow adds a tool that sleeps for d before echoing (chainable).
func (b *ToolServerBuilder) Slow(name string, d time.Duration) *ToolServerBuilder {
	return b.Tool(name, `{"type":"object"}`, func(ctx context.Context, args map[string]any) (string, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		raw, _ := json.Marshal(args)
		return fmt.Sprintf("%s:%s", name, raw), nil
	})
}

// Failing adds a tool that always reports a tool error (chainable).
func (b *ToolServerBuilder) Failing(name, message string) *ToolServerBuilder {
	return b.Tool(name, `{"type":"object"}`, func(context.Context, map[string]any) (string, error) {
		return "", fmt.Errorf("%s", message)
	})
}

// Build creates the server.
func (b *ToolServerBuilder) Build() *FakeServer {
	fs := &FakeServer{Name: b.name, Server: server.NewMCPServer(b.name, "1.0.0", server.WithToolCapabilities(true))}
	for _, t := range b.tools {
		t := t
		fs.Server.AddTool(mcp.NewToolWithRawSchema(t.name, t.desc, t.schema), fs.wrap(t))
	}
	return fs
}

func (fs *FakeServer) wrap(t fakeTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		fs.mu.Lock()
		fs.inFlight++
		if fs.inFlight > fs.maxInFlight {
			fs.maxInFlight = fs.inFlight
		}
		idx := len(fs.calls)
		fs.calls = append(fs.calls, CallLog{Tool: t.name, Args: args, Start: time.Now()})
		fs.mu.Unlock()

		text, err := t.handler(ctx, args)

		fs.mu.Lock()
		fs.inFlight--
		fs.calls[idx].End = time.Now()
		fs.mu.Unlock()

		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

// Calls returns the calls observed so far in arrival order.
func (fs *FakeServer) Calls() []CallLog {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]CallLog(nil), fs.calls...)
}

// CallCount returns the number of calls to tool, or to any tool if tool is empty.
func (fs *FakeServer) CallCount(tool string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, c := range fs.calls {
		if tool == "" || c.Tool == tool {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrently running calls.
func (fs *FakeServer) MaxInFlight() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.maxInFlight
}
