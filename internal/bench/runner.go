package bench

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tinker/internal/config"
	"tinker/internal/logging"
	"tinker/internal/tool"
)

// Runner executes suites through the tool registry, so every scored
// command inherits the safety policy, the hard timeout, and the audit
// trail.
type Runner struct {
	tools   *tool.Toolset
	workers int
	log     *zap.Logger
}

// NewRunner creates a runner bounded to the given worker count.
func NewRunner(tools *tool.Toolset, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		tools:   tools,
		workers: workers,
		log:     logging.Named("bench"),
	}
}

// execUnit pins a task to its declaration position so parallel waves
// can report results in suite order.
type execUnit struct {
	category string
	task     Task
	index    int
}

// Run executes every task and returns the scored result. Tasks run in
// declaration order, grouped into parallel waves where their file
// targets allow it; the grouping depends only on the suite text, so two
// runs of the same suite execute the same commands in the same order.
// A cancelled context abandons the run without recording anything.
func (r *Runner) Run(ctx context.Context, suite *Suite, sourceTask string) (*Result, error) {
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	benchCtx := tool.WithTask(ctx, runID, "benchmark")
	units := flatten(suite)
	scores := make([]TaskScore, len(units))

	r.log.Info("suite started",
		zap.String("run", runID[:8]),
		zap.Int("tasks", len(units)),
		zap.Int("workers", r.workers))
	start := time.Now()

	for _, wave := range planWaves(units) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		eg, egCtx := errgroup.WithContext(benchCtx)
		sem := make(chan struct{}, r.workers)
		for _, u := range wave {
			eg.Go(func() error {
				select {
				case sem <- struct{}{}:
				case <-egCtx.Done():
					return egCtx.Err()
				}
				defer func() { <-sem }()
				scores[u.index] = r.runTask(egCtx, u)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	categories, aggregate := score(suite, scores)
	res := &Result{
		ID:         runID,
		RunAt:      time.Now(),
		SourceTask: sourceTask,
		Aggregate:  aggregate,
		Categories: categories,
		Tasks:      scores,
	}
	r.log.Info("suite finished",
		zap.String("run", runID[:8]),
		zap.Float64("aggregate", aggregate),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// runTask executes one task through run_command. A non-zero exit is a
// failed score; a refused or timed-out call scores as a failure with
// exit -1 rather than aborting the whole run.
func (r *Runner) runTask(ctx context.Context, u execUnit) TaskScore {
	args := map[string]any{"command": u.task.Command}
	if d := config.Duration(u.task.Timeout, 0); d > 0 {
		secs := int(d / time.Second)
		if secs < 1 {
			secs = 1
		}
		args["timeout_seconds"] = secs
	}

	res, callErr := r.tools.Registry().Execute(ctx, tool.Call{Kind: tool.KindRunCommand, Args: args})
	ts := TaskScore{
		ID:         u.task.ID,
		Category:   u.category,
		Weight:     u.task.weight(),
		DurationMs: res.DurationMs,
	}
	if callErr != nil {
		ts.ExitCode = -1
		ts.Detail = res.Detail
		return ts
	}

	cr, err := tool.ParseCommandResult(res.Output)
	if err != nil {
		ts.ExitCode = -1
		ts.Detail = err.Error()
		return ts
	}
	ts.ExitCode = cr.ExitCode
	ts.DurationMs = cr.DurationMs
	if cr.ExitCode == 0 {
		ts.Pass = true
		return ts
	}
	ts.Detail = failTail(cr.Output)
	return ts
}

// flatten lists every task with its suite-wide declaration index.
func flatten(s *Suite) []execUnit {
	var units []execUnit
	for _, cat := range s.Categories {
		for _, t := range cat.Tasks {
			units = append(units, execUnit{category: cat.Name, task: t, index: len(units)})
		}
	}
	return units
}

// planWaves groups consecutive tasks whose file targets do not
// intersect. A task declaring no files could touch anything, so it
// always gets a wave of its own.
func planWaves(units []execUnit) [][]execUnit {
	var waves [][]execUnit
	var current []execUnit
	claimed := make(map[string]bool)

	flush := func() {
		if len(current) > 0 {
			waves = append(waves, current)
			current = nil
			claimed = make(map[string]bool)
		}
	}

	for _, u := range units {
		if len(u.task.Files) == 0 {
			flush()
			waves = append(waves, []execUnit{u})
			continue
		}
		for _, f := range u.task.Files {
			if claimed[f] {
				flush()
				break
			}
		}
		current = append(current, u)
		for _, f := range u.task.Files {
			claimed[f] = true
		}
	}
	flush()
	return waves
}

// failTail keeps the end of a failed command's output for the result
// record, where the diagnostics usually are.
func failTail(s string) string {
	const max = 600
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
