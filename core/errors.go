package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrPoolClosed is returned by pool operations after Close.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrToolNotFound is returned when a call names a tool no server advertises.
	ErrToolNotFound = errors.New("tool not found")
)

// stepTagger is implemented by every typed error so the interpreter can stamp
// the failing step id. withStep returns a tagged copy; the same error value
// may be shared by concurrent callers and is never modified.
type stepTagger interface {
	Step() string
	withStep(id string) error
}

// ValidationError reports tool arguments that violate the tool's schema.
type ValidationError struct {
	StepID  string
	Tool    string
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for tool %s at %s: %s", e.Tool, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed for tool %s: %s", e.Tool, e.Message)
}

func (e *ValidationError) Step() string      { return e.StepID }
func (e *ValidationError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// ConcurrencyGuardError is returned when a workflow is run while a previous
// run of the same workflow is still in flight.
type ConcurrencyGuardError struct {
	StepID   string
	Workflow string
}

func (e *ConcurrencyGuardError) Error() string {
	return fmt.Sprintf("workflow %q is already running", e.Workflow)
}

func (e *ConcurrencyGuardError) Step() string      { return e.StepID }
func (e *ConcurrencyGuardError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// TimeoutError reports that one attempt of an operation exceeded its budget.
type TimeoutError struct {
	StepID    string
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Step() string      { return e.StepID }
func (e *TimeoutError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// RetryExhaustedError wraps the last failure after all attempts were used.
type RetryExhaustedError struct {
	StepID        string
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *RetryExhaustedError) Error() string {
	if e.LastError == nil {
		return fmt.Sprintf("retry exhausted after %d attempts (%s)", e.Attempts, e.TotalDuration)
	}
	return fmt.Sprintf("retry exhausted after %d attempts (%s): %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error     { return e.LastError }
func (e *RetryExhaustedError) Step() string      { return e.StepID }
func (e *RetryExhaustedError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// ModelError reports a failure of a model adapter.
type ModelError struct {
	StepID     string
	Provider   string
	Model      string
	StatusCode int
	Retryable  bool
	Err        error
}

// NewModelError builds a ModelError whose Retryable flag follows the status class.
func NewModelError(provider, model string, status int, err error) *ModelError {
	return &ModelError{Provider: provider, Model: model, StatusCode: status, Retryable: RetryableStatus(status), Err: err}
}

func (e *ModelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s/%s failed (status %d): %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s/%s failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ModelError) Unwrap() error     { return e.Err }
func (e *ModelError) Step() string      { return e.StepID }
func (e *ModelError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// ToolInvocationError reports a failure raised by or while reaching a tool server.
type ToolInvocationError struct {
	StepID   string
	Provider string
	Tool     string
	Message  string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.Provider, msg)
}

func (e *ToolInvocationError) Unwrap() error     { return e.Err }
func (e *ToolInvocationError) Step() string      { return e.StepID }
func (e *ToolInvocationError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// ConfigError reports an invalid declaration detected before execution.
type ConfigError struct {
	StepID  string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Step() string      { return e.StepID }
func (e *ConfigError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// AuthError reports a failed token fetch or refresh.
type AuthError struct {
	StepID   string
	Endpoint string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication against %s failed: %v", e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error     { return e.Err }
func (e *AuthError) Step() string      { return e.StepID }
func (e *AuthError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// NoMatchError reports a switch key with neither a case nor a default.
type NoMatchError struct {
	StepID string
	Key    string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("switch has no case for key %q and no default", e.Key)
}

func (e *NoMatchError) Step() string      { return e.StepID }
func (e *NoMatchError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// StepError attaches a step id to an error outside the taxonomy.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error     { return e.Err }
func (e *StepError) Step() string      { return e.StepID }
func (e *StepError) withStep(id string) error { c := *e; c.StepID = id; return &c }

// AttachStep records stepID on err. A typed error without a step id is
// returned as a tagged copy; a wrapped one, or anything outside the taxonomy,
// is wrapped in a StepError. Errors that already carry a step id (from a
// deeper step) are returned unchanged.
func AttachStep(err error, stepID string) error {
	if err == nil {
		return nil
	}
	var tagged stepTagger
	if errors.As(err, &tagged) && tagged.Step() != "" {
		return err
	}
	if t, ok := err.(stepTagger); ok {
		return t.withStep(stepID)
	}
	return &StepError{StepID: stepID, Err: err}
}

// StepIDOf returns the step id carried by err, or "".
func StepIDOf(err error) string {
	var tagged stepTagger
	if errors.As(err, &tagged) {
		return tagged.Step()
	}
	return ""
}

// RetryableStatus classifies an HTTP-style status. Zero means no status was
// observed (network failure) and is treated as transient.
func RetryableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err may be retried by a retry policy.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrPoolClosed) {
		return false
	}
	var (
		validation *ValidationError
		guard      *ConcurrencyGuardError
		cfg        *ConfigError
		auth       *AuthError
		noMatch    *NoMatchError
		exhausted  *RetryExhaustedError
		modelErr   *ModelError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &guard), errors.As(err, &cfg),
		errors.As(err, &auth), errors.As(err, &noMatch), errors.As(err, &exhausted):
		return false
	case errors.As(err, &modelErr):
		return modelErr.Retryable
	}
	return true
}
