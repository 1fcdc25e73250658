package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tinker/internal/patch"
	"tinker/internal/tool"
)

const applySystem = `You are the editing stage of a coding agent. Produce the complete new content of each file the step changes. Keep unrelated code untouched. Return every changed file in full; never elide with comments or ellipses. Respond with JSON only, no prose.`

// fileEdit is one file rewrite returned by the model.
type fileEdit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type applyResponse struct {
	Files []fileEdit `json:"files"`
}

// apply executes every plan step in order. A failing step is rolled
// back on its own; patches from earlier steps stay applied, recorded in
// task.Rollback.
func (p *Pipeline) apply(ctx context.Context, task *Task, plan *Plan, bundle *ContextBundle) error {
	rec, err := task.beginPhase(PhaseApply)
	if err != nil {
		return err
	}
	rec.Input = plan.Summary
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			rec.end(err)
			return err
		}
		if err := p.applyStep(ctx, task, rec, step, bundle); err != nil {
			rec.end(err)
			return err
		}
	}
	rec.Output = fmt.Sprintf("%d steps applied, %d patches", len(plan.Steps), len(task.Rollback))
	rec.end(nil)
	return nil
}

// applyStep asks the model for the step's new file contents and patches
// them in, anchored to the hashes the files were explored at. The step
// is atomic: if any edit fails, its earlier edits are reverted.
func (p *Pipeline) applyStep(ctx context.Context, task *Task, rec *PhaseRecord, step Step, bundle *ContextBundle) error {
	for _, rel := range step.Files {
		if _, ok := bundle.Content(rel); ok {
			continue
		}
		res, callErr := p.call(ctx, task, rec, tool.Call{
			Kind: tool.KindReadFile,
			Args: tool.Args{"path": rel},
		})
		if callErr != nil {
			if errors.Is(callErr, fs.ErrNotExist) {
				bundle.update(rel, "", patch.HashMissing)
				continue
			}
			return p.applyFailure(task, step, res, callErr)
		}
		hash, herr := patch.HashFile(filepath.Join(p.tools.Workspace(), rel))
		if herr != nil {
			return herr
		}
		bundle.update(rel, res.Output, hash)
	}

	if !step.expectsEdits() {
		p.log.Debug("inspection step, files read into context",
			zap.String("task", short(task.ID)),
			zap.Int("step", step.ID))
		return nil
	}

	raw, err := p.client.CompleteWithSystem(ctx, applySystem, applyPrompt(task, step, bundle))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("editing completion for step %d: %w", step.ID, err)
	}
	var resp applyResponse
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &resp); err != nil {
		return &TaskError{
			TaskID: task.ID,
			Phase:  PhaseApply,
			Next:   "re-run the task",
			Err:    fmt.Errorf("step %d returned unreadable edits: %v", step.ID, err),
		}
	}
	if len(resp.Files) == 0 {
		p.log.Info("step produced no edits",
			zap.String("task", short(task.ID)),
			zap.Int("step", step.ID))
		return nil
	}

	allowed := make(map[string]bool, len(step.Files))
	for _, f := range step.Files {
		allowed[f] = true
	}

	var applied []*patch.Patch
	for _, edit := range resp.Files {
		if !allowed[edit.Path] {
			p.rollbackStep(task, applied)
			return &TaskError{
				TaskID: task.ID,
				Phase:  PhaseApply,
				Next:   "re-run the task",
				Err:    fmt.Errorf("step %d edited %s outside its declared files", step.ID, edit.Path),
			}
		}

		current, _ := bundle.Content(edit.Path)
		truncated := strings.HasSuffix(current, "... (truncated)")
		if edit.Content == current && !truncated {
			continue
		}

		res, callErr := p.call(ctx, task, rec, tool.Call{
			Kind: tool.KindApplyPatch,
			Args: tool.Args{
				"path":      edit.Path,
				"base_hash": bundle.Hashes[edit.Path],
				"content":   edit.Content,
			},
		})
		if callErr != nil {
			// Identical content means the file already reads the way the
			// model wants it; nothing to patch.
			if tool.FailureOf(callErr) == tool.FailureValidation && strings.Contains(callErr.Error(), "identical") {
				continue
			}
			p.rollbackStep(task, applied)
			return p.applyFailure(task, step, res, callErr)
		}
		pa, perr := tool.ParsePatchResult(res.Output)
		if perr != nil {
			p.rollbackStep(task, applied)
			return fmt.Errorf("step %d: %w", step.ID, perr)
		}
		applied = append(applied, pa)
		task.Rollback = append(task.Rollback, pa)
		bundle.update(edit.Path, edit.Content, pa.ResultHash)
	}
	return nil
}

func applyPrompt(task *Task, step Step, bundle *ContextBundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nStep %d: %s\n", task.Request, step.ID, step.Description)
	b.WriteString("\nCurrent contents:\n")
	for _, rel := range step.Files {
		if bundle.Hashes[rel] == patch.HashMissing {
			fmt.Fprintf(&b, "\n--- %s (new file) ---\n", rel)
			continue
		}
		content, _ := bundle.Content(rel)
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", rel, clip(content, maxPromptFileBytes))
	}
	b.WriteString("\nReturn JSON only: {\"files\": [{\"path\": \"...\", \"content\": \"complete new file content\"}]}\nOnly include files you change.")
	return b.String()
}

// applyFailure classifies a failed write into a terminal TaskError with
// a usable next action.
func (p *Pipeline) applyFailure(task *Task, step Step, res *tool.Result, callErr error) error {
	next := "re-run the task"
	switch {
	case errors.Is(callErr, patch.ErrConflict):
		next = "the file changed while the task ran; re-run to plan against the current content"
	case tool.FailureOf(callErr) == tool.FailurePermission:
		next = "the write was refused; check workspace permissions and the safety policy"
	case tool.FailureOf(callErr) == tool.FailureTimeout:
		next = "the write timed out; check filesystem health and re-run"
	}
	return &TaskError{
		TaskID: task.ID,
		Phase:  PhaseApply,
		Call:   res,
		Next:   next,
		Err:    fmt.Errorf("step %d: %w", step.ID, callErr),
	}
}

// rollbackStep reverts this step's patches in reverse order and drops
// the reverted ones from the task rollback log. A revert that itself
// fails stays in the log for manual follow-up.
func (p *Pipeline) rollbackStep(task *Task, applied []*patch.Patch) {
	if len(applied) == 0 {
		return
	}
	var stuck []*patch.Patch
	for i := len(applied) - 1; i >= 0; i-- {
		pa := applied[i]
		if err := p.tools.Engine().Revert(pa); err != nil {
			p.log.Error("step rollback failed",
				zap.String("path", pa.Path),
				zap.Error(err))
			stuck = append([]*patch.Patch{pa}, stuck...)
			continue
		}
		p.log.Info("rolled back", zap.String("path", pa.Path))
	}
	task.Rollback = task.Rollback[:len(task.Rollback)-len(applied)]
	task.Rollback = append(task.Rollback, stuck...)
}
