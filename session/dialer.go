package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Options configures an MCPDialer.
type Options struct {
	ClientName    string
	ClientVersion string
	// Tokens resolves handle credentials. Required when handles carry OAuth2 credentials.
	Tokens TokenSource
	Logger logging.Logger
}

// MCPDialer opens mcp-go client sessions.
type MCPDialer struct {
	opts   Options
	mu     sync.RWMutex
	inproc map[string]*server.MCPServer
}

// NewDialer creates a dialer.
func NewDialer(optFns ...func(o *Options)) *MCPDialer {
	opts := Options{
		ClientName:    "agentflow",
		ClientVersion: "0.1.0",
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &MCPDialer{opts: opts, inproc: map[string]*server.MCPServer{}}
}

// RegisterInProcess makes srv reachable through core.InProcessServer(name).
func (d *MCPDialer) RegisterInProcess(name string, srv *server.MCPServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inproc[name] = srv
}

// UnregisterInProcess removes an in-process server.
func (d *MCPDialer) UnregisterInProcess(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inproc, name)
}

// Dial connects to the server and performs the protocol handshake.
func (d *MCPDialer) Dial(ctx context.Context, h core.ServerHandle) (Session, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	c, expiresAt, err := d.newClient(ctx, h)
	if err != nil {
		return nil, &core.ToolInvocationError{Provider: h.String(), Message: "connect", Err: err}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    d.opts.ClientName,
		Version: d.opts.ClientVersion,
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, &core.ToolInvocationError{Provider: h.String(), Message: "initialize", Err: err}
	}

	d.opts.Logger.Debug("session.dialed", "server", h.String(), "transport", string(h.Transport()))

	return &mcpSession{handle: h, client: c, expiresAt: expiresAt}, nil
}

func (d *MCPDialer) newClient(ctx context.Context, h core.ServerHandle) (*client.Client, time.Time, error) {
	switch h.Transport() {
	case core.TransportStdio:
		// the stdio client launches the subprocess itself
		c, err := client.NewStdioMCPClient(h.Command, h.Env, h.Args...)
		return c, time.Time{}, err

	case core.TransportInProcess:
		name := strings.TrimPrefix(h.Address, core.InProcessScheme)
		d.mu.RLock()
		srv, ok := d.inproc[name]
		d.mu.RUnlock()
		if !ok {
			return nil, time.Time{}, fmt.Errorf("no in-process server registered as %q", name)
		}
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, time.Time{}, err
		}
		if err := c.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, time.Time{}, err
		}
		return c, time.Time{}, nil

	default:
		headers := make(map[string]string, len(h.Headers)+1)
		for k, v := range h.Headers {
			headers[k] = v
		}
		var expiresAt time.Time
		if h.Credential != nil {
			if d.opts.Tokens == nil && h.Credential.OAuth2 != nil {
				return nil, time.Time{}, &core.ConfigError{Field: "credential", Message: "no token source configured"}
			}
			if d.opts.Tokens != nil {
				tok, err := d.opts.Tokens.Token(ctx, *h.Credential)
				if err != nil {
					return nil, time.Time{}, err
				}
				headers["Authorization"] = tok.Header()
				expiresAt = tok.ExpiresAt
			} else if h.Credential.Token != "" {
				headers["Authorization"] = "Bearer " + h.Credential.Token
			}
		}
		c, err := client.NewStreamableHttpClient(h.Address, transport.WithHTTPHeaders(headers))
		if err != nil {
			return nil, time.Time{}, err
		}
		if err := c.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, time.Time{}, err
		}
		return c, expiresAt, nil
	}
}
