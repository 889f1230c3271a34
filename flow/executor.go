package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentflow/classify"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/tool"
)

// batchExecutor runs the classified groups of one model turn. Sequential
// groups run in order; the calls of a parallel group run concurrently. One
// record is produced per call, in proposal order.
type batchExecutor struct {
	loop *Loop
	req  Request
}

func (e *batchExecutor) run(ctx context.Context, groups []classify.Group, defs []core.ToolDefinition) ([]core.ToolCallRecord, error) {
	total := 0
	for _, g := range groups {
		total += len(g.Calls)
	}
	records := make([]core.ToolCallRecord, total)
	batchStart := time.Now()

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return compact(records), err
		}

		if !g.Parallel {
			idx := g.Indices[0]
			rec, err := e.call(ctx, defs[idx], g.Calls[0])
			records[idx] = rec
			e.notify(ctx, rec)
			if err != nil {
				return compact(records), err
			}
			continue
		}

		// Siblings already started are not torn down when one fails; the
		// first fatal error surfaces after the group settles.
		var eg errgroup.Group
		for j, c := range g.Calls {
			idx := g.Indices[j]
			eg.Go(func() error {
				rec, err := e.call(ctx, defs[idx], c)
				records[idx] = rec
				return err
			})
		}
		err := eg.Wait()
		for _, idx := range g.Indices {
			if records[idx].Name != "" {
				e.notify(ctx, records[idx])
			}
		}
		if err != nil {
			return compact(records), err
		}
	}

	e.loop.opts.Logger.Debug(
		"flow.tools.batch.complete",
		"count", total,
		"groups", len(groups),
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return records, nil
}

// call invokes one tool. A failure reported by the tool is not fatal: the
// record carries the error and the model sees it on the next turn.
func (e *batchExecutor) call(ctx context.Context, def core.ToolDefinition, c core.ToolCall) (rec core.ToolCallRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.ToolInvocationError{Provider: def.Server.String(), Tool: def.Name, Message: fmt.Sprintf("panic: %v", r)}
			rec = core.ToolCallRecord{ID: c.ID, Name: def.QualifiedName(), Server: def.Server.Name, Arguments: c.Arguments, Error: err.Error()}
			e.loop.opts.Logger.Error("flow.tool.panic", "tool", def.QualifiedName(), "recover", r)
		}
	}()

	rec, err = e.loop.invoker.Invoke(ctx, def, c, func(o *tool.CallOptions) {
		o.Retry = e.req.ToolRetry
		o.Timeout = e.req.ToolTimeout
	})

	e.loop.opts.Logger.Info(
		"flow.tool.executed",
		"tool", rec.Name,
		"call_id", rec.ID,
		"duration_ms", rec.Duration.Milliseconds(),
		"error", err != nil,
	)

	if err != nil && errors.Is(err, tool.ErrToolReported) {
		return rec, nil
	}
	return rec, err
}

func (e *batchExecutor) notify(ctx context.Context, rec core.ToolCallRecord) {
	if e.req.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.loop.opts.Logger.Warn("flow.observer.panic", "tool", rec.Name, "recover", r)
		}
	}()
	if err := e.req.Observer(ctx, rec); err != nil {
		e.loop.opts.Logger.Warn("flow.observer.failed", "tool", rec.Name, "error", err.Error())
	}
}

func compact(records []core.ToolCallRecord) []core.ToolCallRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.Name != "" {
			out = append(out, r)
		}
	}
	return out
}
