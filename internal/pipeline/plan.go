package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"tinker/internal/tool"
)

const planSystem = `You are the planning stage of a coding agent. Break the request into the smallest ordered steps that accomplish it. Each step names the files it may touch and the tools it expects: read_file for inspection-only steps, apply_patch for steps that change files. Steps must stay within the provided files, or create new files in the same directories. Plans describe changes; they never contain code. Respond with JSON only, no prose.`

// maxPromptFileBytes caps how much of each bundled file a prompt
// carries.
const maxPromptFileBytes = 6000

// plan asks the model for a step list against the bundle, validates its
// file scope, and runs the approval gate. A turned-down plan comes back
// as (nil, feedback, nil) so the caller can loop with the reason;
// a non-nil error is terminal.
func (p *Pipeline) plan(ctx context.Context, task *Task, bundle *ContextBundle, feedback string) (*Plan, string, error) {
	rec, err := task.beginPhase(PhasePlan)
	if err != nil {
		return nil, "", err
	}
	rec.Input = feedback

	if p.client == nil {
		err := errors.New("planning requires a completion client; set TINKER_API_KEY or llm.base_url")
		rec.end(err)
		return nil, "", err
	}

	raw, err := p.client.CompleteWithSystem(ctx, planSystem, planPrompt(task, bundle, feedback))
	if err != nil {
		rec.end(err)
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("planning completion: %w", err)
	}

	pl, perr := parsePlan(raw)
	if perr != nil {
		rec.end(perr)
		return nil, "the previous plan was unreadable: " + perr.Error(), nil
	}
	if verr := validatePlan(pl, bundle); verr != nil {
		rec.end(verr)
		return nil, verr.Error(), nil
	}

	approved, fb, err := p.approvePlan(ctx, task, pl)
	if err != nil {
		rec.end(err)
		return nil, "", err
	}
	if !approved {
		rec.end(ErrPlanRejected)
		if fb == "" {
			fb = "the plan was rejected"
		}
		return nil, fb, nil
	}

	rec.Output = fmt.Sprintf("%d steps approved: %s", len(pl.Steps), pl.Summary)
	rec.end(nil)
	return pl, "", nil
}

func planPrompt(task *Task, bundle *ContextBundle, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\n", task.Request)
	if feedback != "" {
		b.WriteString("## Previous Attempt Failed\n")
		b.WriteString(feedback)
		b.WriteString("\n\nAddress the failure in the new plan.\n\n")
	}
	b.WriteString("Files:\n")
	for _, f := range bundle.Files {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Path, clip(f.Content, maxPromptFileBytes))
	}
	for _, note := range bundle.Notes {
		fmt.Fprintf(&b, "\n%s\n", note)
	}
	b.WriteString("\nReturn JSON only: {\"summary\": \"one line\", \"steps\": [{\"id\": 1, \"description\": \"what to change\", \"files\": [\"path\"], \"tools\": [\"apply_patch\"]}]}")
	return b.String()
}

func parsePlan(raw string) (*Plan, error) {
	var pl Plan
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &pl); err != nil {
		return nil, fmt.Errorf("not valid JSON: %v", err)
	}
	if len(pl.Steps) == 0 {
		return nil, errors.New("no steps")
	}
	for i := range pl.Steps {
		if pl.Steps[i].ID == 0 {
			pl.Steps[i].ID = i + 1
		}
	}
	pl.Approved = false
	pl.CacheHit = false
	return &pl, nil
}

// validatePlan enforces the file scope: every step must describe real
// work and touch only explored files or new files beside them.
func validatePlan(pl *Plan, bundle *ContextBundle) error {
	known := make(map[string]bool, len(bundle.Hashes))
	dirs := make(map[string]bool)
	for p := range bundle.Hashes {
		known[p] = true
		dirs[path.Dir(p)] = true
	}
	for _, step := range pl.Steps {
		if strings.TrimSpace(step.Description) == "" {
			return fmt.Errorf("%w: step %d has no description", ErrPlanRejected, step.ID)
		}
		if len(step.Files) == 0 {
			return fmt.Errorf("%w: step %d names no files", ErrPlanRejected, step.ID)
		}
		for _, tk := range step.Tools {
			switch tool.Kind(tk) {
			case tool.KindReadFile, tool.KindApplyPatch:
			default:
				return fmt.Errorf("%w: step %d expects tool %q; steps may use read_file and apply_patch only", ErrPlanRejected, step.ID, tk)
			}
		}
		for _, f := range step.Files {
			clean := path.Clean(f)
			if clean != f || path.IsAbs(f) || strings.HasPrefix(f, "../") {
				return fmt.Errorf("%w: step %d uses an invalid path %q", ErrPlanRejected, step.ID, f)
			}
			if known[f] {
				continue
			}
			if !dirs[path.Dir(f)] {
				return fmt.Errorf("%w: step %d reaches outside the explored context: %s", ErrPlanRejected, step.ID, f)
			}
		}
	}
	return nil
}

// approvePlan runs the configured gate. Auto mode approves everything;
// interactive mode consults the installed ApprovalFunc.
func (p *Pipeline) approvePlan(ctx context.Context, task *Task, pl *Plan) (bool, string, error) {
	if p.cfg.Pipeline.ApproveMode == "interactive" {
		if p.approve == nil {
			p.log.Warn("approve_mode is interactive but no approval gate is installed, auto-approving")
		} else {
			ok, fb, err := p.approve(ctx, task, pl)
			if err != nil {
				return false, "", fmt.Errorf("approval gate: %w", err)
			}
			if !ok {
				p.log.Info("plan rejected",
					zap.String("task", short(task.ID)),
					zap.String("feedback", fb))
				return false, fb, nil
			}
		}
	}
	pl.Approved = true
	return true, "", nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (clipped)"
}
