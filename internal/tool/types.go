// Package tool defines the closed tool surface the agent acts through.
// Every read, search, patch, command, and commit goes through the
// registry, which validates arguments against the tool schema before
// anything executes and records every call for the audit trail.
package tool

import (
	"context"
	"fmt"
	"time"
)

// Property describes one parameter in a tool schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema declares a tool's parameters. Validation is strict: required
// keys must be present, present keys must be declared and well typed.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// Args is the argument map passed to a tool handler. Values arrive
// schema-validated, so the typed accessors can be lenient about
// missing keys.
type Args map[string]any

// String returns the named string argument, empty when absent.
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the named integer argument, zero when absent. JSON
// decoding produces float64, so both representations are accepted.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bool returns the named boolean argument, false when absent.
func (a Args) Bool(key string) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return false
}

// Strings returns the named string array argument.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ExecuteFunc is the handler signature for a tool.
type ExecuteFunc func(ctx context.Context, args Args) (string, error)

// Tool pairs a kind with its schema and handler.
type Tool struct {
	Kind        Kind
	Description string
	Schema      Schema
	Execute     ExecuteFunc
}

// Validate checks the tool definition is registrable.
func (t *Tool) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	if t.Execute == nil {
		return fmt.Errorf("%w: %s", ErrNilExecute, t.Kind)
	}
	return nil
}

// Call is one requested tool invocation, as it appears in a plan step.
type Call struct {
	Kind Kind           `json:"kind"`
	Args map[string]any `json:"args,omitempty"`
}

// Result records one executed (or refused) tool call. Failure is empty
// on success; Err carries the full error chain for callers and is not
// serialized.
type Result struct {
	Kind       Kind           `json:"kind"`
	Args       map[string]any `json:"args,omitempty"`
	Output     string         `json:"output,omitempty"`
	Failure    Failure        `json:"failure,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`

	Err error `json:"-"`
}

// IsSuccess reports whether the call completed without error.
func (r *Result) IsSuccess() bool { return r.Err == nil }

// setError records a classified failure on the result.
func (r *Result) setError(e *Error) {
	r.Err = e
	r.Failure = e.Failure
	r.Detail = e.Error()
}

// taskKey carries task correlation through context so the registry can
// stamp audit events without threading IDs through every handler.
type taskKey struct{}

// TaskInfo identifies the task and phase a tool call belongs to.
type TaskInfo struct {
	TaskID string
	Phase  string
}

// WithTask attaches task correlation to the context.
func WithTask(ctx context.Context, taskID, phase string) context.Context {
	return context.WithValue(ctx, taskKey{}, TaskInfo{TaskID: taskID, Phase: phase})
}

// TaskFrom extracts task correlation, zero-valued when absent.
func TaskFrom(ctx context.Context) TaskInfo {
	if info, ok := ctx.Value(taskKey{}).(TaskInfo); ok {
		return info
	}
	return TaskInfo{}
}
