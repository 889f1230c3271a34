// Package agent implements the multi-agent coordinator. A coordinator model
// is shown the task and a list of child workflows with their capability
// descriptions; each turn it either delegates a sub-task to one child or
// declares the task complete. Children run as nested workflows with their own
// step numbering, and everything they do is collected in a delegation log on
// the coordinating step's result.
package agent
