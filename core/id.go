package core

import (
	"sort"

	"github.com/google/uuid"
)

// NewID returns a random identifier for runs and tool calls.
func NewID() string { return uuid.NewString() }

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
