package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"tinker/internal/tool"
)

var (
	// ErrPlanRejected reports a plan turned down by validation or by the
	// approval gate. The pipeline returns to Explore with the feedback.
	ErrPlanRejected = errors.New("plan rejected")

	// ErrVerificationFailed reports a verification command that exited
	// non-zero or a review pass that found the change wanting.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrRetryBudgetExhausted reports a task that failed verification more
	// times than the configured budget allows. Applied patches are left in
	// place for manual review.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// TaskError is the failure shape the pipeline hands back: which phase
// broke, the tool call that broke it when one did, and what to do next.
type TaskError struct {
	TaskID string
	Phase  Phase
	Call   *tool.Result
	Next   string
	Err    error
}

func (e *TaskError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s failed in %s: %v", short(e.TaskID), e.Phase, e.Err)
	if e.Call != nil {
		fmt.Fprintf(&b, " (tool %s", e.Call.Kind)
		if e.Call.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Call.Detail)
		}
		b.WriteString(")")
	}
	if e.Next != "" {
		fmt.Fprintf(&b, "; next: %s", e.Next)
	}
	return b.String()
}

func (e *TaskError) Unwrap() error { return e.Err }

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
