// Package workflow declares and runs multi-step agent workflows.
//
// A Workflow is a named sequence of steps bound to an engine.Engine. Leaf
// steps call models and tools; control-flow steps arrange other steps:
//
//	wf := workflow.New(eng, "triage", workflow.WithVars(map[string]any{"repo": "agentflow"}))
//	wf.Generate("Summarize the open issues of {{.Vars.repo}}").
//		AutoSelect("Label every issue that lacks one", workflow.Servers(workflow.Server("github"))).
//		ForEach([]any{"bug", "feature"}, workflow.Seq().
//			Generate("Count the issues labelled {{.Item}}")).
//		Generate("Write the weekly report")
//
//	trace, err := wf.Run(ctx)
//
// # Steps
//
// Generate, InvokeTool, AutoSelect and Delegate each append one result to the
// trace. Parallel appends one result holding its children's results, either
// in declaration order or keyed by name. Branch, Switch, While, ForEach,
// RetryUntil and Compose append the results of the steps they run, flattened
// into the trace.
//
// # Context
//
// Unless a step is declared with Reset, Generate, AutoSelect and Delegate
// prompts are prefixed with a block summarizing earlier results, limited by
// the workflow's memory.Budget. Reset also hides everything before the step
// from the steps that follow.
//
// # Step ids
//
// Every result and every error carries a step id derived from the declared
// position: "2" for the second top-level step, "2.then.1" for the first step
// of its Then branch, "3[0].1" for the body of the first ForEach item, "4[a]"
// for the child "a" of a named Parallel, and "5/research:1" for the first
// step of the delegated workflow "research". The ID option replaces it.
//
// # Observers
//
// core.Observer implementations registered on the engine, the workflow or a
// single run are told about every step, streamed token and tool call. Steps
// of composed and delegated workflows are reported with Nested set and with
// numbering local to their workflow.
package workflow
