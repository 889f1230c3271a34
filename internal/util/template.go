package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// PromptData is the value prompts are rendered against.
type PromptData struct {
	// Item is the current ForEach element.
	Item any
	// Index is the zero-based ForEach position.
	Index int
	// Vars holds workflow variables.
	Vars map[string]any
}

var funcs = template.FuncMap{
	"default": func(def any, val any) any {
		if val == nil || val == "" {
			return def
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []any) string {
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = fmt.Sprint(item)
		}
		return strings.Join(out, sep)
	},
}

// RenderTemplate renders text as a text/template against data. Text without
// template markers is returned unchanged.
func RenderTemplate(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("prompt").Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
