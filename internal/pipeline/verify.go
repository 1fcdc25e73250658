package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tinker/internal/patch"
	"tinker/internal/tool"
)

const reviewSystem = `You review a completed code change. Judge whether the change plausibly satisfies the request. Respond with JSON only, no prose.`

// verify runs the declared verification command and, when edits were
// made, a review pass over the outcome. An ok=false return with
// feedback is the retry path; a non-nil error is terminal.
func (p *Pipeline) verify(ctx context.Context, task *Task, plan *Plan, bundle *ContextBundle) (bool, string, error) {
	rec, err := task.beginPhase(PhaseVerify)
	if err != nil {
		return false, "", err
	}

	cmd := p.mgr.Declared().VerifyCommand
	if cmd == "" {
		rec.Output = "no verification command declared, skipping"
		rec.end(nil)
		return true, "", nil
	}
	rec.Input = cmd

	res, callErr := p.call(ctx, task, rec, tool.Call{
		Kind: tool.KindRunCommand,
		Args: tool.Args{"command": cmd},
	})
	if callErr != nil {
		rec.end(callErr)
		next := "check the verify_command in .tinker/manifest.yaml"
		if tool.FailureOf(callErr) == tool.FailureTimeout {
			next = "the verification command timed out; raise tools.command_timeout or speed the suite up"
		}
		return false, "", &TaskError{
			TaskID: task.ID,
			Phase:  PhaseVerify,
			Call:   res,
			Next:   next,
			Err:    callErr,
		}
	}

	cr, perr := tool.ParseCommandResult(res.Output)
	if perr != nil {
		rec.end(perr)
		return false, "", perr
	}
	if cr.ExitCode != 0 {
		feedback := fmt.Sprintf("verification command %q exited %d:\n%s", cmd, cr.ExitCode, tailOf(cr.Output, 2000))
		rec.Output = fmt.Sprintf("exit %d", cr.ExitCode)
		rec.end(ErrVerificationFailed)
		return false, feedback, nil
	}

	if p.client != nil && len(task.Rollback) > 0 {
		if pass, reason := p.review(ctx, task, plan, bundle); !pass {
			rec.Output = "review rejected the change"
			rec.end(ErrVerificationFailed)
			return false, "the review pass rejected the change: " + reason, nil
		}
	}

	rec.Output = fmt.Sprintf("verification passed (%s)", cmd)
	rec.end(nil)
	return true, "", nil
}

// review asks the model to sanity-check the applied diffs against the
// request. The pass is advisory: an unreachable or unreadable reviewer
// never blocks a change the verification command already accepted.
func (p *Pipeline) review(ctx context.Context, task *Task, plan *Plan, bundle *ContextBundle) (bool, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nPlan: %s\n", task.Request, plan.Summary)
	b.WriteString("\nApplied changes:\n")
	for _, pa := range task.Rollback {
		rel := p.relPath(pa.Path)
		action := "edited"
		switch {
		case pa.IsCreate:
			action = "created"
		case pa.IsDelete:
			action = "deleted"
		}
		fmt.Fprintf(&b, "- %s %s\n", action, rel)
		if diff := p.renderDiff(pa, bundle, rel); diff != "" {
			fmt.Fprintf(&b, "%s\n", clip(diff, 2000))
		}
	}
	b.WriteString("\nThe verification command passed. Return JSON only: {\"pass\": true|false, \"reason\": \"one line\"}")

	raw, err := p.client.CompleteWithSystem(ctx, reviewSystem, b.String())
	if err != nil {
		p.log.Warn("review pass unavailable, accepting verified change", zap.Error(err))
		return true, ""
	}
	var verdict struct {
		Pass   bool   `json:"pass"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &verdict); err != nil {
		p.log.Warn("review response unreadable, accepting verified change", zap.Error(err))
		return true, ""
	}
	return verdict.Pass, verdict.Reason
}

// renderDiff rebuilds the line diff of an applied patch for the review
// prompt: the bundle holds the result content, the inverse direction
// recovers the base.
func (p *Pipeline) renderDiff(pa *patch.Patch, bundle *ContextBundle, rel string) string {
	if pa.IsDelete {
		return ""
	}
	result, ok := bundle.Content(rel)
	if !ok {
		return ""
	}
	base, err := p.tools.Engine().Preimage(pa, result)
	if err != nil {
		p.log.Debug("diff for review unavailable", zap.String("path", rel), zap.Error(err))
		return ""
	}
	return p.tools.Engine().Unified(base, result)
}

// relPath renders an absolute tool path relative to the workspace for
// prompts and messages.
func (p *Pipeline) relPath(abs string) string {
	rel, err := filepath.Rel(p.tools.Workspace(), abs)
	if err != nil {
		return abs
	}
	return rel
}
