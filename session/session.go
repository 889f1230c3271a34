package session

import (
	"context"
	"time"

	"github.com/hupe1980/agentflow/auth"
	"github.com/hupe1980/agentflow/core"
)

// Result is the payload returned by a tool call.
type Result struct {
	Text       string
	Structured any
	IsError    bool
}

// Session is a live connection to one tool server.
type Session interface {
	Server() core.ServerHandle
	ListTools(ctx context.Context) ([]core.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
	Close() error
}

// Expirer is implemented by sessions whose credentials expire. The pool
// discards expired sessions instead of handing them out.
type Expirer interface {
	ExpiresAt() time.Time
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, h core.ServerHandle) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, h core.ServerHandle) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, h core.ServerHandle) (Session, error) {
	return f(ctx, h)
}

// TokenSource resolves credentials into bearer tokens. *auth.TokenCache
// implements it.
type TokenSource interface {
	Token(ctx context.Context, cred core.Credential) (auth.Token, error)
}
