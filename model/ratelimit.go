package model

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedModel applies a tokens-per-minute budget in front of a Model. It
// estimates the token cost of each request and blocks callers until capacity
// is available.
type RateLimitedModel struct {
	next    Model
	limiter *rate.Limiter
	burst   int
}

// RateLimited wraps next with a token bucket of tokensPerMinute. A
// non-positive budget defaults to 60000.
func RateLimited(next Model, tokensPerMinute float64) *RateLimitedModel {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 60000
	}
	burst := int(tokensPerMinute)
	return &RateLimitedModel{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(tokensPerMinute/60.0), burst),
		burst:   burst,
	}
}

func (m *RateLimitedModel) Generate(ctx context.Context, req Request) (Response, error) {
	if err := m.wait(ctx, req, nil); err != nil {
		return Response{}, err
	}
	return m.next.Generate(ctx, req)
}

func (m *RateLimitedModel) GenerateWithTools(ctx context.Context, req Request, tools []ToolSpec) (Response, error) {
	if err := m.wait(ctx, req, tools); err != nil {
		return Response{}, err
	}
	return m.next.GenerateWithTools(ctx, req, tools)
}

func (m *RateLimitedModel) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if err := m.wait(ctx, req, nil); err != nil {
		chunks := make(chan Chunk)
		errs := make(chan error, 1)
		errs <- err
		close(chunks)
		close(errs)
		return chunks, errs
	}
	return m.next.Stream(ctx, req)
}

func (m *RateLimitedModel) Info() Info { return m.next.Info() }

func (m *RateLimitedModel) wait(ctx context.Context, req Request, tools []ToolSpec) error {
	n := EstimateTokens(req, tools)
	if n > m.burst {
		n = m.burst
	}
	return m.limiter.WaitN(ctx, n)
}

// EstimateTokens approximates the prompt size at four characters per token.
func EstimateTokens(req Request, tools []ToolSpec) int {
	chars := len(req.System)
	for _, msg := range req.Messages {
		chars += len(msg.Text())
	}
	for _, t := range tools {
		chars += len(t.Name) + len(t.Description)
	}
	n := chars / 4
	if n < 1 {
		n = 1
	}
	return n
}
