// Package classify partitions a batch of proposed tool calls into groups that
// may run concurrently and groups that must run in order.
//
// The rule is a heuristic, not a proof of non-interference: adjacent calls to
// the same tool whose argument identities are pairwise distinct are treated
// as independent. Everything else runs sequentially in proposal order.
package classify

import (
	"encoding/json"

	"github.com/hupe1980/agentflow/core"
)

// IdentityFunc returns the identity of a call's target. ok=false means the
// identity is unknown and the call must run on its own.
type IdentityFunc func(call core.ToolCall) (id string, ok bool)

// Policy configures classification.
type Policy struct {
	// ForceSequential puts every call in its own sequential group.
	ForceSequential bool
	// IdentityKeys restricts the default identity to these argument keys
	// when at least one of them is present (for example "id" or "path").
	IdentityKeys []string
	// Identity replaces the default identity rule.
	Identity IdentityFunc
}

// Group is a run of calls executed together.
type Group struct {
	Parallel bool
	Calls    []core.ToolCall
	// Indices are the positions of Calls in the original batch.
	Indices []int
}

// Classify partitions calls. Groups are returned in proposal order and
// concatenating their calls yields the input batch.
func Classify(calls []core.ToolCall, p Policy) []Group {
	if len(calls) == 0 {
		return nil
	}

	identity := p.Identity
	if identity == nil {
		identity = ArgumentIdentity(p.IdentityKeys...)
	}

	groups := make([]Group, 0, len(calls))
	var (
		cur  *Group
		seen map[string]struct{}
	)

	for i, call := range calls {
		id, ok := identity(call)

		if !p.ForceSequential && ok && cur != nil && cur.Calls[0].Name == call.Name && seen != nil {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				cur.Calls = append(cur.Calls, call)
				cur.Indices = append(cur.Indices, i)
				cur.Parallel = true
				continue
			}
		}

		groups = append(groups, Group{Calls: []core.ToolCall{call}, Indices: []int{i}})
		cur = &groups[len(groups)-1]
		seen = nil
		if ok && !p.ForceSequential {
			seen = map[string]struct{}{id: {}}
		}
	}

	return groups
}

// ArgumentIdentity returns the default identity rule: the canonical JSON of
// the argument bag, or of the subset named by keys when any is present.
func ArgumentIdentity(keys ...string) IdentityFunc {
	return func(call core.ToolCall) (string, bool) {
		args := call.Arguments
		if len(keys) > 0 {
			subset := map[string]any{}
			for _, k := range keys {
				if v, ok := call.Arguments[k]; ok {
					subset[k] = v
				}
			}
			if len(subset) > 0 {
				args = subset
			}
		}
		if args == nil {
			args = map[string]any{}
		}
		// encoding/json sorts map keys, which makes the encoding canonical.
		raw, err := json.Marshal(args)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}
