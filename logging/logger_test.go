package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*WorkflowLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg := DefaultLoggerConfig()
	cfg.Output = buf
	cfg.Level = level
	return NewLogger(cfg), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWorkflowLogger_KeyValueAttrs(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)
	l.WithComponent("pool").WithRun("run-1", "wf").Info("pool.session.created", "server", "files")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "pool.session.created", lines[0]["msg"])
	assert.Equal(t, "pool", lines[0]["component"])
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "wf", lines[0]["workflow"])
	assert.Equal(t, "files", lines[0]["server"])
}

func TestWorkflowLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarn)
	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
}

func TestWorkflowLogger_Outcomes(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	l.LogToolCall("files", "read", time.Millisecond, nil)
	l.LogStepExecution("s1", "generate", time.Millisecond, errors.New("boom"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "tool.call.completed", lines[0]["msg"])
	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, "workflow.step.failed", lines[1]["msg"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, "ERROR", lines[1]["level"])
}

func TestWorkflowLogger_WithContextDoesNotLeak(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	child := l.WithContext("tenant", "a")
	l.Info("parent")
	child.Info("child")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "tenant")
	assert.Equal(t, "a", lines[1]["tenant"])
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x", "k", "v")
		l.Warn("x")
		l.Error("x")
	})
}
