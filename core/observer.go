package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentflow/logging"
)

// StepInfo identifies the step an observer notification refers to.
//
// Index is the step's position in its own workflow. Nested is set for steps of
// composed or delegated workflows, whose numbering is local and restarts at 1,
// so progress reporting can suppress duplicate top-level banners.
type StepInfo struct {
	RunID    string
	Workflow string
	StepID   string
	Kind     StepKind
	Label    string
	Index    int
	Depth    int
	Nested   bool
}

// Observer receives progress notifications from a running workflow.
//
// Notifications are delivered synchronously on the goroutine executing the
// step. Errors and panics raised by an observer are caught and logged; they
// never abort the run. OnToken sees the tokens of the model attempt that
// succeeded, after it completes; tokens of failed attempts are dropped.
type Observer interface {
	BeforeStep(ctx context.Context, step StepInfo) error
	AfterStep(ctx context.Context, step StepInfo, result StepResult) error
	OnToken(ctx context.Context, step StepInfo, token string) error
	OnToolCall(ctx context.Context, step StepInfo, call ToolCallRecord) error
}

// ObserverFuncs adapts optional functions to the Observer interface.
type ObserverFuncs struct {
	BeforeStepFunc func(ctx context.Context, step StepInfo) error
	AfterStepFunc  func(ctx context.Context, step StepInfo, result StepResult) error
	TokenFunc      func(ctx context.Context, step StepInfo, token string) error
	ToolCallFunc   func(ctx context.Context, step StepInfo, call ToolCallRecord) error
}

func (o ObserverFuncs) BeforeStep(ctx context.Context, step StepInfo) error {
	if o.BeforeStepFunc == nil {
		return nil
	}
	return o.BeforeStepFunc(ctx, step)
}

func (o ObserverFuncs) AfterStep(ctx context.Context, step StepInfo, result StepResult) error {
	if o.AfterStepFunc == nil {
		return nil
	}
	return o.AfterStepFunc(ctx, step, result)
}

func (o ObserverFuncs) OnToken(ctx context.Context, step StepInfo, token string) error {
	if o.TokenFunc == nil {
		return nil
	}
	return o.TokenFunc(ctx, step, token)
}

func (o ObserverFuncs) OnToolCall(ctx context.Context, step StepInfo, call ToolCallRecord) error {
	if o.ToolCallFunc == nil {
		return nil
	}
	return o.ToolCallFunc(ctx, step, call)
}

// Notifier fans notifications out to a set of observers, isolating the run
// from their failures. The zero value notifies nobody.
type Notifier struct {
	observers []Observer
	logger    logging.Logger
}

// NewNotifier creates a notifier. A nil logger discards observer failures.
func NewNotifier(logger logging.Logger, observers ...Observer) *Notifier {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Notifier{observers: observers, logger: logger}
}

// With returns a notifier that also delivers to extra.
func (n *Notifier) With(extra ...Observer) *Notifier {
	if n == nil {
		return NewNotifier(nil, extra...)
	}
	merged := append(append([]Observer(nil), n.observers...), extra...)
	return &Notifier{observers: merged, logger: n.logger}
}

// Len returns the number of registered observers.
func (n *Notifier) Len() int {
	if n == nil {
		return 0
	}
	return len(n.observers)
}

func (n *Notifier) BeforeStep(ctx context.Context, step StepInfo) {
	n.each("before_step", step, func(o Observer) error { return o.BeforeStep(ctx, step) })
}

func (n *Notifier) AfterStep(ctx context.Context, step StepInfo, result StepResult) {
	n.each("after_step", step, func(o Observer) error { return o.AfterStep(ctx, step, result) })
}

func (n *Notifier) Token(ctx context.Context, step StepInfo, token string) {
	n.each("token", step, func(o Observer) error { return o.OnToken(ctx, step, token) })
}

func (n *Notifier) ToolCall(ctx context.Context, step StepInfo, call ToolCallRecord) {
	n.each("tool_call", step, func(o Observer) error { return o.OnToolCall(ctx, step, call) })
}

func (n *Notifier) each(point string, step StepInfo, fn func(Observer) error) {
	if n == nil {
		return
	}
	for _, o := range n.observers {
		if err := n.safeNotify(point, step, o, fn); err != nil {
			n.logger.Warn("observer.failed", "call_point", point, "step_id", step.StepID, "error", err)
		}
	}
}

// safeNotify converts a panicking observer into an error. A WorkflowLogger
// records the panic with the stack of the observer that raised it.
func (n *Notifier) safeNotify(point string, step StepInfo, o Observer, fn func(Observer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
			if wl, ok := n.logger.(*logging.WorkflowLogger); ok {
				wl.ErrorWithStack(err, "observer.panicked", "call_point", point, "step_id", step.StepID)
			}
		}
	}()
	return fn(o)
}
