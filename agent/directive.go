package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Directive is one coordinator decision.
type Directive struct {
	// Delegate names the child to run; empty when Done.
	Delegate string
	Task     string
	Done     bool
	Answer   string
}

type wireDirective struct {
	Delegate string          `json:"delegate"`
	Agent    string          `json:"agent"`
	Task     string          `json:"task"`
	Done     json.RawMessage `json:"done"`
	Answer   string          `json:"answer"`
}

var (
	fenced       = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	delegateLine = regexp.MustCompile(`(?im)^\s*DELEGATE\s+([\w.\-]+)\s*:\s*(.+)$`)
	doneLine     = regexp.MustCompile(`(?is)^\s*DONE\s*:\s*(.*)$`)
)

// ParseDirective reads a coordinator reply. JSON objects (bare or fenced) are
// preferred; "DELEGATE name: task" and "DONE: answer" lines are accepted as a
// fallback. A reply matching neither is taken as the final answer.
func ParseDirective(text string) Directive {
	for _, candidate := range jsonCandidates(text) {
		if d, ok := parseJSON(candidate); ok {
			return d
		}
	}

	if m := delegateLine.FindStringSubmatch(text); m != nil {
		return Directive{Delegate: m[1], Task: strings.TrimSpace(m[2])}
	}
	if m := doneLine.FindStringSubmatch(text); m != nil {
		return Directive{Done: true, Answer: strings.TrimSpace(m[1])}
	}

	return Directive{Done: true, Answer: strings.TrimSpace(text)}
}

func jsonCandidates(text string) []string {
	var out []string
	if m := fenced.FindStringSubmatch(text); m != nil {
		out = append(out, m[1])
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		out = append(out, text[i:j+1])
	}
	return out
}

func parseJSON(s string) (Directive, bool) {
	var w wireDirective
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Directive{}, false
	}

	name := w.Delegate
	if name == "" {
		name = w.Agent
	}
	if name != "" {
		return Directive{Delegate: name, Task: w.Task}, true
	}

	if len(w.Done) > 0 {
		var answer string
		if err := json.Unmarshal(w.Done, &answer); err == nil {
			return Directive{Done: true, Answer: answer}, true
		}
		var flag bool
		if err := json.Unmarshal(w.Done, &flag); err == nil && flag {
			return Directive{Done: true, Answer: w.Answer}, true
		}
	}

	return Directive{}, false
}
