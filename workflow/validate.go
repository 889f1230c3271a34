package workflow

import (
	"fmt"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/policy"
)

func validateConfig(c StepConfig) error {
	for _, p := range []*policy.RetryPolicy{c.Retry, c.ToolRetry} {
		if p != nil {
			if err := p.Validate(); err != nil {
				return err
			}
		}
	}
	for _, t := range []*policy.TimeoutSpec{c.Timeout, c.ToolTimeout} {
		if t != nil {
			if err := t.Validate(); err != nil {
				return err
			}
		}
	}
	if c.MaxIterations < 0 {
		return &core.ConfigError{Field: "max_iterations", Message: "must not be negative"}
	}
	return nil
}

// validateShallow checks what a step declares about itself. It runs when the
// step is added to a sequence.
func validateShallow(s Step) error {
	if s == nil {
		return &core.ConfigError{Field: "step", Message: "nil step"}
	}
	if err := validateConfig(s.Settings()); err != nil {
		return err
	}

	switch st := s.(type) {
	case *Generate, *AutoSelect:
		return nil
	case *InvokeTool:
		if st.Tool == "" {
			return &core.ConfigError{Field: "tool", Message: "tool name is required"}
		}
		if st.Server.Name == "" && st.Server.Address == "" && st.Server.Command == "" {
			return &core.ConfigError{Field: "server", Message: "server is required"}
		}
	case *Delegate:
		if len(st.Children) == 0 {
			return &core.ConfigError{Field: "children", Message: "at least one child workflow is required"}
		}
		for _, c := range st.Children {
			if c == nil {
				return &core.ConfigError{Field: "children", Message: "nil child workflow"}
			}
		}
	case *Branch:
		if st.Predicate == nil {
			return &core.ConfigError{Field: "predicate", Message: "branch needs a predicate"}
		}
	case *Switch:
		if st.Selector == nil {
			return &core.ConfigError{Field: "selector", Message: "switch needs a selector"}
		}
	case *While:
		if st.Predicate == nil {
			return &core.ConfigError{Field: "predicate", Message: "while needs a predicate"}
		}
		if st.MaxIterations <= 0 {
			return &core.ConfigError{Field: "max_iterations", Message: "while needs a positive iteration cap"}
		}
	case *ForEach:
		if (st.Body == nil) == (st.BodyFunc == nil) {
			return &core.ConfigError{Field: "body", Message: "for-each needs exactly one of Body and BodyFunc"}
		}
		if st.Items != nil && st.ItemsFunc != nil {
			return &core.ConfigError{Field: "items", Message: "Items and ItemsFunc are mutually exclusive"}
		}
	case *RetryUntil:
		if st.Until == nil {
			return &core.ConfigError{Field: "until", Message: "retry-until needs a success condition"}
		}
		if err := st.Policy.Validate(); err != nil {
			return err
		}
	case *Parallel:
		if len(st.Steps) > 0 && len(st.Named) > 0 {
			return &core.ConfigError{Field: "parallel", Message: "array and named children are mutually exclusive"}
		}
		if len(st.Steps) == 0 && len(st.Named) == 0 {
			return &core.ConfigError{Field: "parallel", Message: "at least one child step is required"}
		}
	case *Compose:
		if st.Workflow == nil {
			return &core.ConfigError{Field: "workflow", Message: "compose needs a workflow"}
		}
	default:
		return &core.ConfigError{Field: "step", Message: fmt.Sprintf("unsupported step type %T", s)}
	}
	return nil
}

// validateTree checks a sequence and everything nested in it, including
// composed and delegated workflows. path holds the workflows being checked so
// a workflow that contains itself is rejected.
func validateTree(steps []Step, path map[*Workflow]bool) error {
	for _, s := range steps {
		if err := validateShallow(s); err != nil {
			return err
		}

		var err error
		switch st := s.(type) {
		case *Branch:
			if err = validateTree(st.Then, path); err == nil {
				err = validateTree(st.Else, path)
			}
		case *Switch:
			for _, k := range core.SortedKeys(st.Cases) {
				if err = validateTree(st.Cases[k], path); err != nil {
					break
				}
			}
			if err == nil {
				err = validateTree(st.Default, path)
			}
		case *While:
			err = validateTree(st.Body, path)
		case *ForEach:
			err = validateTree(st.Body, path)
		case *RetryUntil:
			err = validateTree(st.Body, path)
		case *Parallel:
			if err = validateTree(st.Steps, path); err == nil {
				for _, k := range core.SortedKeys(st.Named) {
					if err = validateTree([]Step{st.Named[k]}, path); err != nil {
						break
					}
				}
			}
		case *Compose:
			err = validateWorkflow(st.Workflow, path)
		case *Delegate:
			for _, c := range st.Children {
				if err = validateWorkflow(c, path); err != nil {
					break
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func validateWorkflow(w *Workflow, path map[*Workflow]bool) error {
	if path[w] {
		return &core.ConfigError{Field: "workflow", Message: fmt.Sprintf("workflow %q contains itself", w.name)}
	}
	if err := w.Err(); err != nil {
		return err
	}
	path[w] = true
	defer delete(path, w)
	return validateTree(w.Steps(), path)
}
