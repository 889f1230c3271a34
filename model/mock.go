package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentflow/core"
)

// HandlerFunc computes a response for a request. Tools is nil for plain
// generation and streaming.
type HandlerFunc func(ctx context.Context, req Request, tools []ToolSpec) (Response, error)

// Call is a request observed by MockModel.
type Call struct {
	Request Request
	Tools   []ToolSpec
	Stream  bool
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
//
// Responses are resolved in order: queued responses (Enqueue / EnqueueError),
// then the handler, then canned responses keyed by the last user text, then
// an echo of the input.
type MockModel struct {
	info      Info
	mu        sync.Mutex
	responses map[string]string
	queue     []scripted
	handler   HandlerFunc
	calls     []Call
}

type scripted struct {
	resp Response
	err  error
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
	return m
}

// Enqueue appends responses consumed one per call.
func (m *MockModel) Enqueue(resps ...Response) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resps {
		m.queue = append(m.queue, scripted{resp: r})
	}
	return m
}

// EnqueueError makes the next call fail with err.
func (m *MockModel) EnqueueError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scripted{err: err})
	return m
}

// WithHandler installs a function computing responses.
func (m *MockModel) WithHandler(h HandlerFunc) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// Calls returns the requests observed so far.
func (m *MockModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (Response, error) {
	return m.respond(ctx, Call{Request: req})
}

// GenerateWithTools implements Model.
func (m *MockModel) GenerateWithTools(ctx context.Context, req Request, tools []ToolSpec) (Response, error) {
	return m.respond(ctx, Call{Request: req, Tools: tools})
}

// Stream implements Model; emits the response one rune at a time.
func (m *MockModel) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		resp, err := m.respond(ctx, Call{Request: req, Stream: true})
		if err != nil {
			errs <- err
			return
		}
		for _, r := range resp.Text {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- Chunk{Text: string(r)}:
			}
		}
		usage := resp.Usage
		chunks <- Chunk{Usage: &usage}
	}()

	return chunks, errs
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

func (m *MockModel) respond(ctx context.Context, call Call) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return withUsage(next.resp, call.Request), next.err
	}
	handler := m.handler
	input := call.Request.LastUserText()
	canned, ok := m.responses[input]
	m.mu.Unlock()

	if handler != nil {
		resp, err := handler(ctx, call.Request, call.Tools)
		return withUsage(resp, call.Request), err
	}
	if !ok {
		canned = fmt.Sprintf("Mock response to: %s", input)
	}
	return withUsage(Response{Text: canned, FinishReason: "stop"}, call.Request), nil
}

// withUsage fills a rough word-count usage when the script left it empty.
func withUsage(resp Response, req Request) Response {
	if resp.Usage != (core.Usage{}) {
		return resp
	}
	in := 0
	for _, msg := range req.Messages {
		in += countWords(msg.Text())
	}
	out := countWords(resp.Text)
	resp.Usage = core.Usage{Input: in, Output: out, Total: in + out}
	return resp
}

func countWords(s string) int {
	n, inWord := 0, false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
