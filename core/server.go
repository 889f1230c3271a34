package core

import (
	"fmt"
	"sort"
	"strings"
)

// Transport identifies how a tool server is reached.
type Transport string

const (
	// TransportHTTP is the streamable HTTP transport.
	TransportHTTP Transport = "http"
	// TransportStdio launches the server as a subprocess speaking over stdio.
	TransportStdio Transport = "stdio"
	// TransportInProcess reaches a server registered inside this process.
	TransportInProcess Transport = "inproc"
)

// InProcessScheme prefixes addresses of in-process servers.
const InProcessScheme = "inproc://"

// ServerHandle identifies a tool server endpoint plus optional credentials.
//
// Address is a URL for HTTP servers, an inproc:// URI for in-process servers
// and empty for stdio servers (which are identified by Command and Args).
type ServerHandle struct {
	Name       string
	Address    string
	Command    string
	Args       []string
	Env        []string
	Headers    map[string]string
	Credential *Credential
}

// HTTPServer returns a handle for a streamable HTTP tool server.
func HTTPServer(name, url string) ServerHandle {
	return ServerHandle{Name: name, Address: url}
}

// StdioServer returns a handle for a subprocess tool server.
func StdioServer(name, command string, args ...string) ServerHandle {
	return ServerHandle{Name: name, Command: command, Args: args}
}

// InProcessServer returns a handle for a server registered in this process.
func InProcessServer(name string) ServerHandle {
	return ServerHandle{Name: name, Address: InProcessScheme + name}
}

// WithCredential returns a copy of the handle carrying the given credential.
func (h ServerHandle) WithCredential(c Credential) ServerHandle {
	h.Credential = &c
	return h
}

// Transport derives the transport from the handle's fields.
func (h ServerHandle) Transport() Transport {
	switch {
	case strings.HasPrefix(h.Address, InProcessScheme):
		return TransportInProcess
	case h.Address == "" && h.Command != "":
		return TransportStdio
	default:
		return TransportHTTP
	}
}

// Key is the pooling and caching identity of the endpoint. Handles that differ
// only in Name or Credential share a key.
func (h ServerHandle) Key() string {
	if h.Transport() == TransportStdio {
		return "stdio:" + strings.Join(append([]string{h.Command}, h.Args...), " ")
	}
	return h.Address
}

// Scope is the prefix used to qualify tool names from this server.
func (h ServerHandle) Scope() string {
	if h.Name != "" {
		return sanitizeName(h.Name)
	}
	if h.Transport() == TransportInProcess {
		return sanitizeName(strings.TrimPrefix(h.Address, InProcessScheme))
	}
	return sanitizeName(h.Key())
}

// Validate reports a ConfigError when the handle cannot be dialed.
func (h ServerHandle) Validate() error {
	if h.Address == "" && h.Command == "" {
		return &ConfigError{Field: "server", Message: "either address or command is required"}
	}
	if h.Address != "" && h.Command != "" {
		return &ConfigError{Field: "server", Message: fmt.Sprintf("server %q sets both address and command", h.Name)}
	}
	if h.Credential != nil {
		return h.Credential.Validate()
	}
	return nil
}

func (h ServerHandle) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Key()
}

// Credential authorizes calls to a tool server. Either a static bearer token
// or a client-credentials grant is used.
type Credential struct {
	Token  string
	OAuth2 *ClientCredentials
}

// ClientCredentials describes an OAuth2 client-credentials grant.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Key identifies the token for caching: endpoint, client and scope set.
func (c ClientCredentials) Key() string {
	scopes := append([]string(nil), c.Scopes...)
	sort.Strings(scopes)
	return c.TokenURL + "|" + c.ClientID + "|" + strings.Join(scopes, " ")
}

// Validate reports a ConfigError for incomplete credentials.
func (c Credential) Validate() error {
	if c.OAuth2 == nil {
		return nil
	}
	if c.OAuth2.TokenURL == "" || c.OAuth2.ClientID == "" {
		return &ConfigError{Field: "credential", Message: "token url and client id are required"}
	}
	return nil
}

const qualifiedSeparator = "__"

// QualifiedName joins a server scope and a tool name into the identifier
// exposed to models.
func QualifiedName(scope, tool string) string {
	if scope == "" {
		return tool
	}
	return scope + qualifiedSeparator + tool
}

// SplitQualifiedName is the inverse of QualifiedName.
func SplitQualifiedName(name string) (scope, tool string) {
	if i := strings.Index(name, qualifiedSeparator); i >= 0 {
		return name[:i], name[i+len(qualifiedSeparator):]
	}
	return "", name
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	for strings.Contains(out, qualifiedSeparator) {
		out = strings.ReplaceAll(out, qualifiedSeparator, "_")
	}
	return out
}
