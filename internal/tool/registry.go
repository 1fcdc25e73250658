package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tinker/internal/logging"
)

// Registry holds the registered tools and executes calls against them.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[Kind]*Tool
	observers []func(*Result)

	audit *logging.AuditLog
	log   *zap.Logger
}

// NewRegistry creates an empty registry. Audit is disabled until
// SetAudit is called.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[Kind]*Tool),
		audit: &logging.AuditLog{},
		log:   logging.Named("tool"),
	}
}

// SetAudit attaches the JSONL audit trail. Every executed or refused
// call is appended to it.
func (r *Registry) SetAudit(audit *logging.AuditLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if audit != nil {
		r.audit = audit
	}
}

// Register adds a tool. The kind must belong to the closed set and must
// not already be registered.
func (r *Registry) Register(t *Tool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Kind)
	}
	r.tools[t.Kind] = t
	r.log.Debug("registered tool", zap.String("kind", string(t.Kind)))
	return nil
}

// MustRegister registers a tool and panics on error. Used for the
// builtin set, where a failure is a programming mistake.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("register tool %s: %v", t.Kind, err))
	}
}

// Get returns the tool for kind, nil when not registered.
func (r *Registry) Get(kind Kind) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[kind]
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind Kind) bool {
	return r.Get(kind) != nil
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// OnResult registers an observer invoked after every call, successful
// or not. Observers run outside the registry lock.
func (r *Registry) OnResult(fn func(*Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Execute validates and runs one tool call. The returned Result is
// never nil and always carries timing; the error, when non-nil, is a
// classified *Error.
func (r *Registry) Execute(ctx context.Context, call Call) (*Result, error) {
	start := time.Now()
	res := &Result{
		Kind:      call.Kind,
		Args:      call.Args,
		StartedAt: start,
	}

	t := r.Get(call.Kind)
	if t == nil {
		res.setError(&Error{Kind: call.Kind, Failure: FailureValidation,
			Detail: "not a registered tool kind", Err: ErrUnknownKind})
		r.finish(ctx, res, start)
		return res, res.Err
	}

	if verr := t.Schema.Validate(call.Kind, call.Args); verr != nil {
		res.setError(verr)
		r.finish(ctx, res, start)
		return res, res.Err
	}

	out, err := t.Execute(ctx, Args(call.Args))
	res.Output = out
	if err != nil {
		res.setError(classify(call.Kind, err))
	}
	r.finish(ctx, res, start)
	return res, res.Err
}

// finish stamps duration, notifies observers, and appends the audit
// event.
func (r *Registry) finish(ctx context.Context, res *Result, start time.Time) {
	res.DurationMs = time.Since(start).Milliseconds()

	r.mu.RLock()
	observers := make([]func(*Result), len(r.observers))
	copy(observers, r.observers)
	audit := r.audit
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(res)
	}

	info := TaskFrom(ctx)
	outcome := "ok"
	if res.Err != nil {
		outcome = string(res.Failure)
	}
	audit.Append(logging.AuditEvent{
		TaskID:   info.TaskID,
		Phase:    info.Phase,
		Kind:     string(res.Kind),
		Params:   summarizeArgs(res.Args),
		Outcome:  outcome,
		Detail:   res.Detail,
		Duration: res.DurationMs,
	})

	if res.Err != nil {
		r.log.Warn("tool call failed",
			zap.String("kind", string(res.Kind)),
			zap.String("failure", string(res.Failure)),
			zap.Int64("duration_ms", res.DurationMs),
			zap.Error(res.Err))
	} else {
		r.log.Debug("tool call ok",
			zap.String("kind", string(res.Kind)),
			zap.Int64("duration_ms", res.DurationMs))
	}
}

// summarizeArgs keeps audit lines readable: long values are replaced by
// a length marker so file contents never bloat the trail.
func summarizeArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && len(s) > 120 {
			out[k] = fmt.Sprintf("<%d bytes>", len(s))
			continue
		}
		out[k] = v
	}
	return out
}
