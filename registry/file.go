package registry

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentflow/core"
)

// Settings is the document read by LoadFile. JSON documents parse as YAML,
// so both formats share one decoder. The mcpServers key is accepted for
// compatibility with common MCP settings files.
type Settings struct {
	Servers    map[string]ServerConfig `yaml:"servers"`
	MCPServers map[string]ServerConfig `yaml:"mcpServers"`
}

// ServerConfig declares one server.
type ServerConfig struct {
	URL        string            `yaml:"url"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	Headers    map[string]string `yaml:"headers"`
	Disabled   bool              `yaml:"disabled"`
	Credential *CredentialConfig `yaml:"credential"`
}

// CredentialConfig declares a static token or a client-credentials grant.
// Values are expanded against the environment (${VAR}).
type CredentialConfig struct {
	Token        string   `yaml:"token"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// LoadFile reads a YAML or JSON settings file into r and returns the number
// of servers registered. Disabled entries are skipped.
func (r *Registry) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open server settings: %w", err)
	}
	defer f.Close()
	return r.Load(f)
}

// Load reads settings from rd. See LoadFile.
func (r *Registry) Load(rd io.Reader) (int, error) {
	var s Settings
	if err := yaml.NewDecoder(rd).Decode(&s); err != nil && err != io.EOF {
		return 0, &core.ConfigError{Field: "servers", Message: err.Error()}
	}

	merged := map[string]ServerConfig{}
	for k, v := range s.MCPServers {
		merged[k] = v
	}
	for k, v := range s.Servers {
		merged[k] = v
	}

	names := make([]string, 0, len(merged))
	for n := range merged {
		names = append(names, n)
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		cfg := merged[name]
		if cfg.Disabled {
			continue
		}
		if err := r.Register(cfg.Handle(name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Handle converts the declaration into a server handle.
func (c ServerConfig) Handle(name string) core.ServerHandle {
	h := core.ServerHandle{
		Name:    name,
		Address: os.ExpandEnv(c.URL),
		Command: c.Command,
		Args:    c.Args,
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Env = append(h.Env, k+"="+os.ExpandEnv(c.Env[k]))
		}
	}
	if len(c.Headers) > 0 {
		h.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			h.Headers[k] = os.ExpandEnv(v)
		}
	}
	if cc := c.Credential; cc != nil {
		cred := core.Credential{Token: os.ExpandEnv(cc.Token)}
		if cc.TokenURL != "" {
			cred.OAuth2 = &core.ClientCredentials{
				TokenURL:     os.ExpandEnv(cc.TokenURL),
				ClientID:     os.ExpandEnv(cc.ClientID),
				ClientSecret: os.ExpandEnv(cc.ClientSecret),
				Scopes:       cc.Scopes,
			}
		}
		h.Credential = &cred
	}
	return h
}
