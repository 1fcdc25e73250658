// Package pipeline drives a request through the phase state machine:
// Explore gathers context, Plan proposes steps, Apply patches files, and
// Verify runs the repository's verification command. Verify failures loop
// back to Plan within a bounded retry budget; direct intents (chat, locate,
// browse, execute) complete without entering the machine.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"tinker/internal/intent"
	"tinker/internal/patch"
	"tinker/internal/tool"
)

// Phase is a task lifecycle state.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseExplore   Phase = "explore"
	PhasePlan      Phase = "plan"
	PhaseApply     Phase = "apply"
	PhaseVerify    Phase = "verify"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// validTransitions is the closed transition table. Plan returns to Explore
// when a plan is rejected; Verify returns to Plan while retry budget
// remains. Completed and Failed are terminal.
var validTransitions = map[Phase]map[Phase]bool{
	PhasePending: {
		PhaseExplore:   true,
		PhaseCompleted: true,
		PhaseFailed:    true,
	},
	PhaseExplore: {
		PhasePlan:      true,
		PhaseCompleted: true,
		PhaseFailed:    true,
	},
	PhasePlan: {
		PhaseApply:   true,
		PhaseExplore: true,
		PhaseFailed:  true,
	},
	PhaseApply: {
		PhaseVerify: true,
		PhaseFailed: true,
	},
	PhaseVerify: {
		PhasePlan:      true,
		PhaseCompleted: true,
		PhaseFailed:    true,
	},
}

// IsValidTransition reports whether moving from one phase to another is
// allowed by the transition table.
func IsValidTransition(from, to Phase) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Terminal reports whether a phase ends the task.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// PhaseRecord captures one pass through a phase: when it ran, what it
// started from, which tool calls it made, and what it produced. Records
// accumulate across retries, so a task that looped Verify back to Plan
// keeps every pass.
type PhaseRecord struct {
	Phase     Phase          `json:"phase"`
	Attempt   int            `json:"attempt"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Calls     []*tool.Result `json:"calls,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (r *PhaseRecord) end(err error) {
	r.EndedAt = time.Now()
	if err != nil {
		r.Error = err.Error()
	}
}

// Task is one request moving through the pipeline. A task is owned by a
// single Run call; it is not shared across goroutines.
type Task struct {
	ID      string        `json:"id"`
	Request string        `json:"request"`
	Intent  intent.Intent `json:"intent,omitempty"`

	// Complexity estimates how much work the request implies, 0 to 1.
	// It sizes the explore context budget.
	Complexity float64 `json:"complexity"`

	Phase Phase `json:"phase"`

	Records []*PhaseRecord `json:"records,omitempty"`
	Plan    *Plan          `json:"plan,omitempty"`

	// Rollback lists applied patches in application order. Reverting the
	// whole task means walking it backwards.
	Rollback []*patch.Patch `json:"rollback,omitempty"`

	// Question is set when the task ends by asking for clarification
	// instead of acting.
	Question string `json:"question,omitempty"`

	// Answer carries the user-facing output of direct intents.
	Answer string `json:"answer,omitempty"`

	// Retries counts Verify-to-Plan (and rejection-to-Explore) loops
	// consumed so far.
	Retries int `json:"retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask creates a pending task for a request.
func NewTask(request string) *Task {
	now := time.Now()
	return &Task{
		ID:         uuid.New().String(),
		Request:    request,
		Complexity: intent.EstimateComplexity(request),
		Phase:      PhasePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// transition moves the task to the next phase, enforcing the table. An
// illegal transition is a programming error and is returned as one.
func (t *Task) transition(to Phase) error {
	if !IsValidTransition(t.Phase, to) {
		return fmt.Errorf("illegal phase transition %s -> %s", t.Phase, to)
	}
	t.Phase = to
	t.UpdatedAt = time.Now()
	return nil
}

// beginPhase transitions into phase and opens a record for it.
func (t *Task) beginPhase(phase Phase) (*PhaseRecord, error) {
	if err := t.transition(phase); err != nil {
		return nil, err
	}
	rec := &PhaseRecord{
		Phase:     phase,
		Attempt:   t.Retries,
		StartedAt: time.Now(),
	}
	t.Records = append(t.Records, rec)
	return rec, nil
}

// Plan is the step list produced by the Plan phase and approved before
// Apply runs.
type Plan struct {
	Summary  string `json:"summary"`
	Steps    []Step `json:"steps"`
	Approved bool   `json:"approved"`
	CacheHit bool   `json:"cache_hit,omitempty"`
}

// Step is one unit of work within a plan, scoped to the files it may
// touch. Apply rejects any edit outside Files.
type Step struct {
	ID          int      `json:"id"`
	Description string   `json:"description"`
	Files       []string `json:"files"`

	// Tools lists the tool kinds the step expects to use. A step that
	// declares read_file only is an inspection step: Apply pulls its
	// files into the context and makes no edits.
	Tools []string `json:"tools,omitempty"`
}

// expectsEdits reports whether the step intends to change files. Plans
// that predate the tools field edit by default.
func (s Step) expectsEdits() bool {
	if len(s.Tools) == 0 {
		return true
	}
	for _, t := range s.Tools {
		if tool.Kind(t) == tool.KindApplyPatch {
			return true
		}
	}
	return false
}

// ContextBundle is what Explore hands to Plan and Apply: the selected
// files, their contents, and the content hashes they were read at. The
// hashes anchor every later patch; a file that drifts from its bundle hash
// conflicts instead of being silently overwritten.
type ContextBundle struct {
	Files  []BundleFile      `json:"files"`
	Hashes map[string]string `json:"hashes"`
	Notes  []string          `json:"notes,omitempty"`
}

// BundleFile is one file in the bundle. Content may be truncated for
// prompting; Hashes always reflect the full on-disk content.
type BundleFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Paths lists bundle file paths in selection order.
func (b *ContextBundle) Paths() []string {
	out := make([]string, len(b.Files))
	for i, f := range b.Files {
		out[i] = f.Path
	}
	return out
}

// Content returns the bundled content for path.
func (b *ContextBundle) Content(path string) (string, bool) {
	for _, f := range b.Files {
		if f.Path == path {
			return f.Content, true
		}
	}
	return "", false
}

// update replaces the bundled content and hash for path after a successful
// patch, keeping later plan and apply rounds anchored to what is actually
// on disk.
func (b *ContextBundle) update(path, content, hash string) {
	b.Hashes[path] = hash
	for i := range b.Files {
		if b.Files[i].Path == path {
			b.Files[i].Content = content
			return
		}
	}
	b.Files = append(b.Files, BundleFile{Path: path, Content: content})
}
