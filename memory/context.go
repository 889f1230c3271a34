package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/agentflow/core"
)

// Header opens every non-empty context block.
const Header = "Context from previous steps:"

// Budget bounds a context block.
type Budget struct {
	// MaxChars caps the block body. Zero means unlimited.
	MaxChars int
	// MaxToolResults caps included tool results. Zero means unlimited,
	// negative excludes them.
	MaxToolResults int
}

// DefaultBudget is used when a workflow does not configure one.
var DefaultBudget = Budget{MaxChars: 8000, MaxToolResults: 10}

// Entry is one line of history.
type Entry struct {
	Source string
	Text   string
	Tool   bool
}

func (e Entry) String() string { return fmt.Sprintf("- %s: %s", e.Source, e.Text) }

// Entries flattens a trace into history entries in execution order.
// Parallel and delegated sub-results are included.
func Entries(trace []core.StepResult) []Entry {
	var out []Entry
	for _, r := range trace {
		out = appendResult(out, r, fmt.Sprintf("step %d (%s)", r.Index, r.Kind))
	}
	return out
}

func appendResult(out []Entry, r core.StepResult, source string) []Entry {
	if r.Label != "" {
		source += " " + r.Label
	}
	for _, c := range r.ToolCalls {
		out = append(out, toolEntry(c))
	}
	for i, p := range r.Parallel {
		out = appendResult(out, p, fmt.Sprintf("%s[%d]", source, i))
	}
	for _, k := range core.SortedKeys(r.Named) {
		out = appendResult(out, r.Named[k], fmt.Sprintf("%s[%s]", source, k))
	}
	for _, d := range r.Delegations {
		for _, c := range d.ToolCalls {
			out = append(out, toolEntry(c))
		}
		if d.Output != "" {
			out = append(out, Entry{Source: "delegate " + d.Child, Text: oneLine(d.Output)})
		}
	}
	if r.HasText() {
		out = append(out, Entry{Source: source, Text: oneLine(r.Text)})
	}
	return out
}

func toolEntry(c core.ToolCallRecord) Entry {
	text := c.Output
	if c.Failed() {
		text = "error: " + c.Error
	}
	return Entry{Source: "tool " + c.Name, Text: oneLine(text), Tool: true}
}

// BuildContext renders the context block for trace, or "" when there is no
// history to carry.
func BuildContext(trace []core.StepResult, b Budget) string {
	return Render(Entries(trace), b)
}

// Render applies the budget to entries and renders the block.
func Render(entries []Entry, b Budget) string {
	entries = capTools(entries, b.MaxToolResults)
	if len(entries) == 0 {
		return ""
	}

	lines := make([]string, len(entries))
	size := 0
	for i, e := range entries {
		lines[i] = e.String()
		size += len(lines[i])
	}
	size += len(lines) - 1

	if b.MaxChars > 0 {
		for len(lines) > 1 && size > b.MaxChars {
			size -= len(lines[0]) + 1
			lines = lines[1:]
		}
		if size > b.MaxChars {
			lines[0] = tail(lines[0], b.MaxChars)
		}
	}

	return Header + "\n" + strings.Join(lines, "\n")
}

// tail keeps at most n bytes from the end of s, cut on a rune boundary and
// marked with "..." when there is room for it.
func tail(s string, n int) string {
	const ellipsis = "..."
	keep, prefix := n, ""
	if n > len(ellipsis) {
		keep, prefix = n-len(ellipsis), ellipsis
	}
	start := len(s) - keep
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return prefix + s[start:]
}

func capTools(entries []Entry, max int) []Entry {
	if max == 0 {
		return entries
	}
	tools := 0
	for _, e := range entries {
		if e.Tool {
			tools++
		}
	}
	drop := tools - max
	if max < 0 {
		drop = tools
	}
	if drop <= 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries)-drop)
	for _, e := range entries {
		if e.Tool && drop > 0 {
			drop--
			continue
		}
		out = append(out, e)
	}
	return out
}

// WithContext prefixes prompt with the context block when there is one.
func WithContext(block, prompt string) string {
	if block == "" {
		return prompt
	}
	return block + "\n\n" + prompt
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
