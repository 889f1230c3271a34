package discovery

import (
	"fmt"
	"sort"

	"github.com/hupe1980/agentflow/core"
)

// Catalog maps qualified tool names to definitions.
type Catalog struct {
	byName map[string]core.ToolDefinition
	bare   map[string][]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byName: map[string]core.ToolDefinition{}, bare: map[string][]string{}}
}

// Add inserts definitions. Re-adding a tool of the same server is a no-op; a
// qualified-name clash between different servers is a ConfigError.
func (c *Catalog) Add(defs ...core.ToolDefinition) error {
	for _, d := range defs {
		q := d.QualifiedName()
		if existing, ok := c.byName[q]; ok {
			if existing.Server.Key() == d.Server.Key() {
				continue
			}
			return &core.ConfigError{
				Field:   "tools",
				Message: fmt.Sprintf("qualified tool name %q is advertised by both %s and %s", q, existing.Server, d.Server),
			}
		}
		c.byName[q] = d
		c.bare[d.Name] = append(c.bare[d.Name], q)
	}
	return nil
}

// Lookup resolves a qualified name, or a bare tool name when it is unambiguous.
func (c *Catalog) Lookup(name string) (core.ToolDefinition, bool) {
	if d, ok := c.byName[name]; ok {
		return d, true
	}
	if qs := c.bare[name]; len(qs) == 1 {
		return c.byName[qs[0]], true
	}
	return core.ToolDefinition{}, false
}

// Definitions returns all definitions ordered by qualified name.
func (c *Catalog) Definitions() []core.ToolDefinition {
	names := make([]string, 0, len(c.byName))
	for q := range c.byName {
		names = append(names, q)
	}
	sort.Strings(names)
	out := make([]core.ToolDefinition, len(names))
	for i, q := range names {
		out[i] = c.byName[q]
	}
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.byName) }
