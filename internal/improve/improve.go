// Package improve is the self-improvement loop: pick the weakest
// benchmark category, drive the ordinary task pipeline against the
// agent's own repository with a synthesized request, re-score, and keep
// or revert the change. The target being the agent itself is not a
// special code path; the loop only sees a workspace, a suite, and a
// pipeline.
package improve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tinker/internal/bench"
	"tinker/internal/config"
	"tinker/internal/logging"
	"tinker/internal/pipeline"
	"tinker/internal/tool"
	"tinker/internal/vcs"
)

// Loop runs self-improvement cycles. It is not safe for concurrent use;
// the per-repository lock inside the pipeline already serializes the
// mutating part, and the attempt bookkeeping assumes one caller.
type Loop struct {
	cfg     *config.Config
	pipe    *pipeline.Pipeline
	tools   *tool.Toolset
	runner  *bench.Runner
	suite   *bench.Suite
	history *bench.History

	// commands maps task IDs to their suite commands for request
	// synthesis.
	commands map[string]string
	// attempts counts consecutive failed cycles per weakness; review
	// flags the ones whose budget ran out.
	attempts map[string]int
	review   map[string]bool

	log *zap.Logger
}

// New assembles a loop over an already-constructed pipeline and suite.
func New(cfg *config.Config, pipe *pipeline.Pipeline, tools *tool.Toolset, runner *bench.Runner, suite *bench.Suite, history *bench.History) *Loop {
	commands := make(map[string]string)
	for _, cat := range suite.Categories {
		for _, t := range cat.Tasks {
			commands[t.ID] = t.Command
		}
	}
	return &Loop{
		cfg:      cfg,
		pipe:     pipe,
		tools:    tools,
		runner:   runner,
		suite:    suite,
		history:  history,
		commands: commands,
		attempts: make(map[string]int),
		review:   make(map[string]bool),
		log:      logging.Named("improve"),
	}
}

// NeedsReview lists the weaknesses whose attempt budget ran out, in
// suite declaration order.
func (l *Loop) NeedsReview() []string {
	var names []string
	for _, cat := range l.suite.Categories {
		if l.review[cat.Name] {
			names = append(names, cat.Name)
		}
	}
	return names
}

// RunCycles executes up to n improvement cycles and returns their
// records. It stops early when every remaining category is either
// perfect or flagged for human review. A rolled-back cycle is a normal
// result; the returned error covers only infrastructure failures and
// cancellation.
func (l *Loop) RunCycles(ctx context.Context, n int) ([]*Cycle, error) {
	if n <= 0 {
		n = 1
	}

	var cycles []*Cycle
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return cycles, err
		}

		baseline, err := l.baseline(ctx)
		if err != nil {
			return cycles, err
		}
		weakness, ok := l.selectWeakness(baseline)
		if !ok {
			l.log.Info("nothing left to improve",
				zap.Float64("aggregate", baseline.Aggregate),
				zap.Strings("needs_review", l.NeedsReview()))
			break
		}

		cycles = append(cycles, l.runCycle(ctx, baseline, weakness))
	}
	return cycles, nil
}

// baseline returns the newest recorded result, running the suite once
// when the history is empty so the first cycle has a score to beat.
func (l *Loop) baseline(ctx context.Context) (*bench.Result, error) {
	latest, err := l.history.Latest()
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return latest, nil
	}

	res, err := l.runner.Run(ctx, l.suite, "")
	if err != nil {
		return nil, fmt.Errorf("establishing baseline: %w", err)
	}
	if err := l.history.Append(res); err != nil {
		return nil, err
	}
	l.log.Info("baseline recorded", zap.Float64("aggregate", res.Aggregate))
	return res, nil
}

// selectWeakness returns the lowest-scoring category that is neither
// perfect nor flagged for human review. Ties go to the category
// declared earlier in the suite.
func (l *Loop) selectWeakness(baseline *bench.Result) (bench.CategoryScore, bool) {
	var weakest bench.CategoryScore
	found := false
	for _, c := range baseline.Categories {
		if l.review[c.Name] || c.Score >= 1 {
			continue
		}
		if !found || c.Score < weakest.Score {
			weakest = c
			found = true
		}
	}
	return weakest, found
}

// runCycle drives one weakness through the pipeline, scores the change,
// and accepts or rolls it back.
func (l *Loop) runCycle(ctx context.Context, baseline *bench.Result, weakness bench.CategoryScore) *Cycle {
	cycle := &Cycle{
		ID:        uuid.NewString(),
		Weakness:  weakness.Name,
		Attempt:   l.attempts[weakness.Name] + 1,
		Request:   l.synthesizeRequest(weakness, baseline),
		Before:    baseline.Aggregate,
		StartedAt: time.Now(),
	}
	defer func() { cycle.EndedAt = time.Now() }()

	l.log.Info("cycle started",
		zap.String("cycle", cycle.ID[:8]),
		zap.String("weakness", weakness.Name),
		zap.Int("attempt", cycle.Attempt),
		zap.Float64("score", weakness.Score))

	task, err := l.pipe.RunCodeTask(ctx, cycle.Request)
	if task != nil {
		cycle.TaskID = task.ID
	}
	switch {
	case err != nil:
		l.revert(cycle, task)
		l.failAttempt(cycle, fmt.Sprintf("pipeline failed: %v", err))
		return cycle
	case task.Question != "":
		// The pipeline could not anchor the synthesized request to any
		// files; nothing was applied.
		l.failAttempt(cycle, fmt.Sprintf("pipeline asked instead of acting: %s", task.Question))
		return cycle
	}

	after, err := l.runner.Run(ctx, l.suite, task.ID)
	if err != nil {
		l.revert(cycle, task)
		l.failAttempt(cycle, fmt.Sprintf("scoring failed: %v", err))
		return cycle
	}
	cycle.After = after.Aggregate
	cycle.Scored = true

	if after.Aggregate < cycle.Before {
		l.revert(cycle, task)
		l.failAttempt(cycle, fmt.Sprintf("%v: aggregate %.3f -> %.3f",
			ErrRegression, cycle.Before, after.Aggregate))
		return cycle
	}

	cycle.Outcome = OutcomeAccepted
	delete(l.attempts, weakness.Name)
	if err := l.history.Append(after); err != nil {
		cycle.Err = fmt.Sprintf("recording result: %v", err)
	}
	l.commit(ctx, cycle, task)
	l.log.Info("cycle accepted",
		zap.String("cycle", cycle.ID[:8]),
		zap.Float64("before", cycle.Before),
		zap.Float64("after", cycle.After),
		zap.String("commit", cycle.Commit))
	return cycle
}

// revert undoes every patch the cycle's task applied, in reverse
// application order. Revert failures are recorded on the cycle but do
// not stop the remaining reverts.
func (l *Loop) revert(cycle *Cycle, task *pipeline.Task) {
	if task == nil || len(task.Rollback) == 0 {
		return
	}
	var stuck []string
	for i := len(task.Rollback) - 1; i >= 0; i-- {
		p := task.Rollback[i]
		if err := l.tools.Engine().Revert(p); err != nil {
			stuck = append(stuck, p.Path)
			l.log.Error("cycle revert failed",
				zap.String("cycle", cycle.ID[:8]),
				zap.String("path", p.Path),
				zap.Error(err))
		}
	}
	if len(stuck) > 0 {
		cycle.Err = fmt.Sprintf("revert left %s modified", strings.Join(stuck, ", "))
	}
	l.log.Info("cycle reverted",
		zap.String("cycle", cycle.ID[:8]),
		zap.Int("patches", len(task.Rollback)))
}

// failAttempt closes the cycle as rolled back and charges the weakness
// one attempt. Exhausting the budget flags the weakness so later cycles
// move on to the next one.
func (l *Loop) failAttempt(cycle *Cycle, reason string) {
	cycle.Outcome = OutcomeRolledBack
	if cycle.Err != "" {
		reason = reason + "; " + cycle.Err
	}
	cycle.Err = reason

	l.attempts[cycle.Weakness]++
	if l.attempts[cycle.Weakness] >= l.maxAttempts() {
		l.review[cycle.Weakness] = true
		cycle.NeedsReview = true
		l.log.Warn("weakness needs human review",
			zap.String("weakness", cycle.Weakness),
			zap.Int("attempts", l.attempts[cycle.Weakness]))
		return
	}
	l.log.Warn("cycle rolled back",
		zap.String("weakness", cycle.Weakness),
		zap.Int("attempt", cycle.Attempt),
		zap.String("reason", reason))
}

// commit records an accepted change through the vcs tool. A workspace
// without git, or a change that left the tree clean, is accepted
// without bookkeeping.
func (l *Loop) commit(ctx context.Context, cycle *Cycle, task *pipeline.Task) {
	if len(task.Rollback) == 0 {
		return
	}
	message := fmt.Sprintf("tinker self-improve: %s (cycle %.8s)", cycle.Weakness, cycle.ID)
	res, err := l.tools.Registry().Execute(
		tool.WithTask(ctx, task.ID, "self-improve"),
		tool.Call{Kind: tool.KindVCSCommit, Args: map[string]any{"message": message}},
	)
	if err != nil {
		if errors.Is(err, vcs.ErrNotRepo) || errors.Is(err, vcs.ErrNothingToCommit) {
			l.log.Info("accepted without a commit", zap.Error(err))
			return
		}
		cycle.Err = fmt.Sprintf("commit failed: %v", err)
		l.log.Warn("commit failed", zap.String("cycle", cycle.ID[:8]), zap.Error(err))
		return
	}
	cycle.Commit = strings.TrimSpace(res.Output)
}

// synthesizeRequest phrases the weakness as an ordinary change request.
// The failing task IDs and commands carry the concrete tokens Explore
// ranks files on.
func (l *Loop) synthesizeRequest(weakness bench.CategoryScore, baseline *bench.Result) string {
	failing := baseline.FailingTasks(weakness.Name)
	if len(failing) == 0 {
		return fmt.Sprintf(
			"fix the %s benchmark category: it scores %.0f%%. Update the source so its tasks pass without breaking the other categories.",
			weakness.Name, weakness.Score*100)
	}

	parts := make([]string, 0, 3)
	for _, ts := range failing {
		if len(parts) == 3 {
			break
		}
		if cmd := l.commands[ts.ID]; cmd != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", ts.ID, cmd))
		} else {
			parts = append(parts, ts.ID)
		}
	}
	return fmt.Sprintf(
		"fix the failing %s benchmark tasks: %s. Update the source so each command exits zero without breaking the other categories.",
		weakness.Name, strings.Join(parts, "; "))
}

// maxAttempts returns the per-weakness attempt budget.
func (l *Loop) maxAttempts() int {
	if n := l.cfg.Bench.MaxAttempts; n > 0 {
		return n
	}
	return 3
}
