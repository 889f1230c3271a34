package core

import "time"

// StepKind is the tag of a declared step.
type StepKind string

// Step kinds.
const (
	KindGenerate   StepKind = "generate"
	KindInvokeTool StepKind = "invoke_tool"
	KindAutoSelect StepKind = "auto_select"
	KindDelegate   StepKind = "delegate"
	KindBranch     StepKind = "branch"
	KindSwitch     StepKind = "switch"
	KindWhile      StepKind = "while"
	KindForEach    StepKind = "for_each"
	KindRetryUntil StepKind = "retry_until"
	KindParallel   StepKind = "parallel"
	KindCompose    StepKind = "compose"
)

// Usage is the vendor-neutral token accounting of a model call.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{Input: u.Input + o.Input, Output: u.Output + o.Output, Total: u.Total + o.Total}
}

// Delegation is one entry of a coordinator's delegation log.
type Delegation struct {
	Child     string           `json:"child"`
	Task      string           `json:"task"`
	Output    string           `json:"output"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	// Results is the child's own trace, numbered from 1.
	Results  []StepResult  `json:"results,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepResult is the record of one executed step.
//
// ModelTime, ToolTime and Duration are the step's own figures. The Cumulative*
// fields are filled by AppendResult and never decrease along a trace.
type StepResult struct {
	StepID string   `json:"step_id"`
	Index  int      `json:"index"`
	Kind   StepKind `json:"kind"`
	Label  string   `json:"label,omitempty"`

	Prompt    string           `json:"prompt,omitempty"`
	Text      string           `json:"text,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	Parallel []StepResult          `json:"parallel,omitempty"`
	Named    map[string]StepResult `json:"named,omitempty"`

	Delegations []Delegation `json:"delegations,omitempty"`

	Usage      Usage `json:"usage"`
	Iterations int   `json:"iterations,omitempty"`
	Attempt    int   `json:"attempt,omitempty"`
	// ResetContext marks a step that ran without the synthesized history block.
	ResetContext bool `json:"reset_context,omitempty"`

	Duration  time.Duration `json:"duration"`
	ModelTime time.Duration `json:"model_time"`
	ToolTime  time.Duration `json:"tool_time"`

	CumulativeModelTime time.Duration `json:"cumulative_model_time"`
	CumulativeToolTime  time.Duration `json:"cumulative_tool_time"`
	CumulativeWallTime  time.Duration `json:"cumulative_wall_time"`
}

// HasText reports whether the step produced generated text.
func (r StepResult) HasText() bool { return r.Text != "" }

// AppendResult appends r to trace, assigning its index and rollup fields.
func AppendResult(trace []StepResult, r StepResult) []StepResult {
	var prev StepResult
	if n := len(trace); n > 0 {
		prev = trace[n-1]
	}
	r.Index = len(trace) + 1
	r.CumulativeModelTime = prev.CumulativeModelTime + r.ModelTime
	r.CumulativeToolTime = prev.CumulativeToolTime + r.ToolTime
	r.CumulativeWallTime = prev.CumulativeWallTime + r.Duration
	return append(trace, r)
}

// LastText returns the text of the most recent result that has any.
func LastText(trace []StepResult) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].HasText() {
			return trace[i].Text
		}
		if t := LastText(trace[i].Parallel); t != "" {
			return t
		}
	}
	return ""
}

// Last returns the final result of the trace.
func Last(trace []StepResult) (StepResult, bool) {
	if len(trace) == 0 {
		return StepResult{}, false
	}
	return trace[len(trace)-1], true
}

// AllToolCalls flattens the tool call records of a trace, including parallel
// sub-results and delegated children, in trace order.
func AllToolCalls(trace []StepResult) []ToolCallRecord {
	var out []ToolCallRecord
	for _, r := range trace {
		out = append(out, r.ToolCalls...)
		out = append(out, AllToolCalls(r.Parallel)...)
		for _, k := range SortedKeys(r.Named) {
			out = append(out, AllToolCalls([]StepResult{r.Named[k]})...)
		}
		for _, d := range r.Delegations {
			out = append(out, d.ToolCalls...)
		}
	}
	return out
}
