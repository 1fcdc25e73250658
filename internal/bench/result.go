package bench

import (
	"fmt"
	"strings"
	"time"
)

// TaskScore is one task's outcome within a run.
type TaskScore struct {
	ID         string  `json:"id"`
	Category   string  `json:"category"`
	Pass       bool    `json:"pass"`
	Weight     float64 `json:"weight"`
	ExitCode   int     `json:"exit_code"`
	DurationMs int64   `json:"duration_ms"`
	// Detail keeps a tail of the output for failed tasks, empty on pass.
	Detail string `json:"detail,omitempty"`
}

// CategoryScore aggregates one category's tasks.
type CategoryScore struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Passed int     `json:"passed"`
	Total  int     `json:"total"`
}

// Result is one complete suite run. It is immutable once recorded:
// history only ever appends, and the self-improvement loop compares
// whole results rather than patching them.
type Result struct {
	ID         string          `json:"id"`
	RunAt      time.Time       `json:"run_at"`
	SourceTask string          `json:"source_task,omitempty"`
	Aggregate  float64         `json:"aggregate"`
	Categories []CategoryScore `json:"categories"`
	Tasks      []TaskScore     `json:"tasks"`
}

// Weakest returns the lowest-scoring category. Ties go to the category
// declared earlier in the suite, which is why Categories preserves
// declaration order. ok is false for an empty result.
func (r *Result) Weakest() (CategoryScore, bool) {
	if r == nil || len(r.Categories) == 0 {
		return CategoryScore{}, false
	}
	weakest := r.Categories[0]
	for _, c := range r.Categories[1:] {
		if c.Score < weakest.Score {
			weakest = c
		}
	}
	return weakest, true
}

// FailingTasks returns the failed tasks in the named category, in run
// order.
func (r *Result) FailingTasks(category string) []TaskScore {
	var failed []TaskScore
	for _, t := range r.Tasks {
		if t.Category == category && !t.Pass {
			failed = append(failed, t)
		}
	}
	return failed
}

// Passed reports whether the aggregate meets the given threshold.
func (r *Result) Passed(threshold float64) bool {
	return r.Aggregate >= threshold
}

// Summary renders the per-category table used by the benchmark and
// status commands.
func (r *Result) Summary() string {
	var b strings.Builder
	for _, c := range r.Categories {
		fmt.Fprintf(&b, "  %-20s %5.1f%%  (%d/%d passed)\n", c.Name, c.Score*100, c.Passed, c.Total)
	}
	fmt.Fprintf(&b, "  %-20s %5.1f%%\n", "aggregate", r.Aggregate*100)
	return b.String()
}

// score folds task outcomes into category scores and the aggregate.
// Scores are weight fractions, so a heavy task failing hurts more than
// a light one.
func score(suite *Suite, tasks []TaskScore) ([]CategoryScore, float64) {
	byCategory := make(map[string][]TaskScore, len(suite.Categories))
	for _, t := range tasks {
		byCategory[t.Category] = append(byCategory[t.Category], t)
	}

	categories := make([]CategoryScore, 0, len(suite.Categories))
	var passTotal, weightTotal float64
	for _, cat := range suite.Categories {
		cs := CategoryScore{Name: cat.Name}
		var passed, total float64
		for _, t := range byCategory[cat.Name] {
			cs.Total++
			total += t.Weight
			if t.Pass {
				cs.Passed++
				passed += t.Weight
			}
		}
		if total > 0 {
			cs.Score = passed / total
		}
		passTotal += passed
		weightTotal += total
		categories = append(categories, cs)
	}

	aggregate := 0.0
	if weightTotal > 0 {
		aggregate = passTotal / weightTotal
	}
	return categories, aggregate
}
