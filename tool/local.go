package tool

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/hupe1980/agentflow/core"
)

// Mounter makes an in-process server reachable. *session.MCPDialer
// implements it.
type Mounter interface {
	RegisterInProcess(name string, srv *server.MCPServer)
}

// LocalServer publishes FunctionTools as an in-process tool server, so local
// tools are discovered, validated, pooled and invoked like remote ones.
type LocalServer struct {
	name string
	srv  *server.MCPServer
}

// NewLocalServer creates a server named name hosting tools.
func NewLocalServer(name string, tools ...*FunctionTool) *LocalServer {
	s := &LocalServer{
		name: name,
		srv:  server.NewMCPServer(name, "1.0.0", server.WithToolCapabilities(true)),
	}
	s.Add(tools...)
	return s
}

// Add registers more tools. Existing sessions see them on the next listing.
func (s *LocalServer) Add(tools ...*FunctionTool) {
	if len(tools) == 0 {
		return
	}
	st := make([]server.ServerTool, 0, len(tools))
	for _, t := range tools {
		st = append(st, t.serverTool())
	}
	s.srv.AddTools(st...)
}

// Name returns the server name.
func (s *LocalServer) Name() string { return s.name }

// MCPServer exposes the underlying server, e.g. to serve it over HTTP.
func (s *LocalServer) MCPServer() *server.MCPServer { return s.srv }

// Handle addresses the server through the in-process transport.
func (s *LocalServer) Handle() core.ServerHandle { return core.InProcessServer(s.name) }

// Mount registers the server with m and returns its handle.
func (s *LocalServer) Mount(m Mounter) core.ServerHandle {
	m.RegisterInProcess(s.name, s.srv)
	return s.Handle()
}
