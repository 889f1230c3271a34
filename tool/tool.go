// Package tool is the tool invocation layer: it validates proposed arguments
// against discovered schemas, runs calls through pooled sessions under the
// retry and timeout policy, and publishes plain Go functions as an
// in-process tool server so local tools take the same path as remote ones.
package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hupe1980/agentflow/core"
)

// Validator checks tool arguments against JSON schemas. Compiled schemas are
// cached per server, tool and schema document. Safe for concurrent use.
type Validator struct {
	mu     sync.RWMutex
	cache  map[string]*jsonschema.Schema
	broken map[string]error
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{
		cache:  map[string]*jsonschema.Schema{},
		broken: map[string]error{},
	}
}

// Validate returns a *core.ValidationError when args violate def's schema.
// Definitions without a schema accept any arguments. It never contacts the
// tool server.
func (v *Validator) Validate(def core.ToolDefinition, args map[string]any) error {
	if len(bytes.TrimSpace(def.InputSchema)) == 0 {
		return nil
	}

	sch, err := v.compiled(def)
	if err != nil {
		return &core.ValidationError{Tool: def.QualifiedName(), Message: fmt.Sprintf("unusable schema: %v", err)}
	}

	instance, err := normalize(args)
	if err != nil {
		return &core.ValidationError{Tool: def.QualifiedName(), Message: err.Error()}
	}

	if err := sch.Validate(instance); err != nil {
		ve := &core.ValidationError{Tool: def.QualifiedName(), Message: err.Error()}
		var schemaErr *jsonschema.ValidationError
		if errors.As(err, &schemaErr) {
			leaf := firstLeaf(schemaErr)
			ve.Field = "/" + strings.Join(leaf.InstanceLocation, "/")
			ve.Value = lookup(args, leaf.InstanceLocation)
		}
		return ve
	}

	return nil
}

// Len returns the number of compiled schemas held.
func (v *Validator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

func (v *Validator) compiled(def core.ToolDefinition) (*jsonschema.Schema, error) {
	key := def.Server.Key() + "\x00" + def.Name + "\x00" + string(def.InputSchema)

	v.mu.RLock()
	sch, ok := v.cache[key]
	bad := v.broken[key]
	v.mu.RUnlock()
	if ok {
		return sch, nil
	}
	if bad != nil {
		return nil, bad
	}

	sch, err := compile(def.InputSchema)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.broken[key] = err
		return nil, err
	}
	v.cache[key] = sch
	return sch, nil
}

func compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("tool.json")
}

// normalize turns Go values (ints, structs, typed slices) into the JSON
// value model the validator expects.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func firstLeaf(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

func lookup(args map[string]any, path []string) any {
	if len(path) == 0 {
		return nil
	}
	var cur any = args
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}
