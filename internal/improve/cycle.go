package improve

import (
	"errors"
	"fmt"
	"time"
)

// ErrRegression marks a cycle whose change lowered the aggregate
// benchmark score. It drives rollback, not loop termination.
var ErrRegression = errors.New("benchmark regression")

// Outcome classifies how a cycle ended.
type Outcome string

const (
	// OutcomeAccepted means the change held or improved the aggregate
	// score and was kept.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeRolledBack means every patch the cycle applied was
	// reverted, either because the pipeline failed or because the score
	// regressed.
	OutcomeRolledBack Outcome = "rolled-back"
)

// Cycle records one self-improvement attempt against one weakness.
type Cycle struct {
	ID       string
	Weakness string
	Attempt  int
	Request  string
	TaskID   string

	// Before is the aggregate score the cycle set out to beat. After is
	// only meaningful when Scored is true; a cycle whose pipeline failed
	// never reached scoring.
	Before float64
	After  float64
	Scored bool

	Outcome Outcome
	// NeedsReview is set when this attempt exhausted the weakness's
	// attempt budget and further cycles will skip it.
	NeedsReview bool
	// Commit holds the version-control commit hash for accepted changes
	// in a git workspace, empty otherwise.
	Commit string
	Err    string

	StartedAt time.Time
	EndedAt   time.Time
}

// Summary renders the one-line outcome used by the CLI report.
func (c *Cycle) Summary() string {
	switch {
	case c.Outcome == OutcomeAccepted && c.Commit != "":
		return fmt.Sprintf("%s attempt %d: accepted, %.1f%% -> %.1f%% (commit %.8s)",
			c.Weakness, c.Attempt, c.Before*100, c.After*100, c.Commit)
	case c.Outcome == OutcomeAccepted:
		return fmt.Sprintf("%s attempt %d: accepted, %.1f%% -> %.1f%%",
			c.Weakness, c.Attempt, c.Before*100, c.After*100)
	case c.NeedsReview:
		return fmt.Sprintf("%s attempt %d: rolled back, needs human review: %s",
			c.Weakness, c.Attempt, c.Err)
	default:
		return fmt.Sprintf("%s attempt %d: rolled back: %s", c.Weakness, c.Attempt, c.Err)
	}
}
