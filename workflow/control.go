package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/policy"
)

func (r *runner) branch(ctx context.Context, sc *scope, f *frame, id string, st *Branch) error {
	if st.Predicate(f.all()) {
		r.logger.Debug("workflow.branch.taken", "step_id", id, "branch", "then")
		return r.execSteps(ctx, sc, f, id+".then", st.Then)
	}
	r.logger.Debug("workflow.branch.taken", "step_id", id, "branch", "else")
	return r.execSteps(ctx, sc, f, id+".else", st.Else)
}

func (r *runner) switchStep(ctx context.Context, sc *scope, f *frame, id string, st *Switch) error {
	key := st.Selector(f.all())
	if steps, ok := st.Cases[key]; ok {
		r.logger.Debug("workflow.switch.matched", "step_id", id, "key", key)
		return r.execSteps(ctx, sc, f, id+"."+key, steps)
	}
	if st.Default != nil {
		r.logger.Debug("workflow.switch.default", "step_id", id, "key", key)
		return r.execSteps(ctx, sc, f, id+".default", st.Default)
	}
	return &core.NoMatchError{StepID: id, Key: key}
}

func (r *runner) while(ctx context.Context, sc *scope, f *frame, id string, st *While) error {
	lim := core.NewLimiter(st.MaxIterations)
	for {
		if !st.Predicate(f.all()) {
			r.logger.Debug("workflow.while.done", "step_id", id, "iterations", lim.Count())
			return nil
		}
		if !lim.Allow() {
			r.logger.Warn("workflow.while.iteration_cap", "step_id", id, "max_iterations", st.MaxIterations)
			return nil
		}
		if err := r.execSteps(ctx, sc, f, id+".body", st.Body); err != nil {
			return err
		}
	}
}

func (r *runner) forEach(ctx context.Context, sc *scope, f *frame, id string, st *ForEach) error {
	items := st.Items
	if st.ItemsFunc != nil {
		items = st.ItemsFunc(f.all())
	}

	item, index, hasItem := f.item, f.index, f.hasItem
	defer func() { f.item, f.index, f.hasItem = item, index, hasItem }()

	for i, it := range items {
		f.item, f.index, f.hasItem = it, i, true
		body := st.Body
		if st.BodyFunc != nil {
			body = st.BodyFunc(it, i)
			if err := validateTree(body, map[*Workflow]bool{}); err != nil {
				return err
			}
		}
		if err := r.execSteps(ctx, sc, f, fmt.Sprintf("%s[%d]", id, i), body); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) retryUntil(ctx context.Context, sc *scope, f *frame, id string, st *RetryUntil) error {
	attempts := st.Policy.Attempts()
	start := time.Now()
	var lastErr error

	for a := 1; a <= attempts; a++ {
		before := len(f.trace)
		err := r.execSteps(ctx, sc, f, id+".body", st.Body)
		for i := before; i < len(f.trace); i++ {
			f.trace[i].Attempt = a
		}

		switch {
		case err != nil && !retryable(st.Policy, err):
			return err
		case err != nil:
			lastErr = err
		default:
			last, _ := core.Last(f.trace[before:])
			if st.Until(last) {
				r.logger.Debug("workflow.retry_until.satisfied", "step_id", id, "attempt", a)
				return nil
			}
			lastErr = fmt.Errorf("attempt %d did not satisfy the success condition", a)
		}

		if a < attempts {
			wait := st.Policy.Wait(a)
			r.logger.Info("workflow.retry_until.retrying", "step_id", id, "attempt", a, "wait_ms", wait.Milliseconds(), "reason", lastErr.Error())
			if err := policy.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	return &core.RetryExhaustedError{StepID: id, Attempts: attempts, TotalDuration: time.Since(start), LastError: lastErr}
}

func retryable(p policy.RetryPolicy, err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return core.IsRetryable(err)
}

// parallel runs its children concurrently, each in a forked frame. Every
// child starts even if a sibling fails; the first failure is reported once
// all of them have returned.
func (r *runner) parallel(ctx context.Context, sc *scope, f *frame, id string, st *Parallel) (core.StepResult, error) {
	type child struct {
		key  string
		id   string
		step Step
	}

	var children []child
	if len(st.Named) > 0 {
		for _, k := range core.SortedKeys(st.Named) {
			children = append(children, child{key: k, id: fmt.Sprintf("%s[%s]", id, k), step: st.Named[k]})
		}
	} else {
		for i, s := range st.Steps {
			children = append(children, child{id: fmt.Sprintf("%s[%d]", id, i), step: s})
		}
	}

	start := time.Now()
	traces := make([][]core.StepResult, len(children))

	var g errgroup.Group
	for i, c := range children {
		cf := f.fork()
		g.Go(func() error {
			err := r.exec(ctx, sc, cf, c.id, c.step)
			traces[i] = cf.trace
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return core.StepResult{}, err
	}

	res := core.StepResult{Duration: time.Since(start)}
	if len(st.Named) > 0 {
		res.Named = make(map[string]core.StepResult, len(children))
	}
	for i, c := range children {
		slot := collapse(traces[i], c.id, c.step.Kind())
		res.ModelTime += slot.ModelTime
		res.ToolTime += slot.ToolTime
		res.Usage = res.Usage.Add(slot.Usage)
		if res.Named != nil {
			res.Named[c.key] = slot
		} else {
			res.Parallel = append(res.Parallel, slot)
		}
	}

	r.logger.Debug("workflow.parallel.completed", "step_id", id, "children", len(children), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// collapse turns a child's trace into its single slot result. Children that
// produced several results, such as branches, keep them as sub-results.
func collapse(trace []core.StepResult, id string, kind core.StepKind) core.StepResult {
	if len(trace) == 1 {
		return trace[0]
	}
	out := core.StepResult{StepID: id, Kind: kind, Index: 1, Text: core.LastText(trace), Parallel: trace}
	if last, ok := core.Last(trace); ok {
		out.ModelTime = last.CumulativeModelTime
		out.ToolTime = last.CumulativeToolTime
		out.Duration = last.CumulativeWallTime
		out.CumulativeModelTime = out.ModelTime
		out.CumulativeToolTime = out.ToolTime
		out.CumulativeWallTime = out.Duration
	}
	for _, t := range trace {
		out.Usage = out.Usage.Add(t.Usage)
	}
	return out
}

func (r *runner) compose(ctx context.Context, sc *scope, f *frame, id string, st *Compose) error {
	child := sc.child(st.Workflow)
	r.logger.Debug("workflow.compose.start", "step_id", id, "child", st.Workflow.Name())
	return r.execSteps(ctx, child, f, id, st.Workflow.Steps())
}
