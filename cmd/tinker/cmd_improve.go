package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tinker/internal/bench"
	"tinker/internal/improve"
	"tinker/internal/llm"
	"tinker/internal/manifest"
	"tinker/internal/pipeline"
	"tinker/internal/repolock"
	"tinker/internal/tool"
)

var (
	improveCycles int
	improveAuto   bool
)

// selfImproveCmd runs the agent against its own weaknesses
var selfImproveCmd = &cobra.Command{
	Use:   "self-improve",
	Short: "Let the agent patch its own weakest benchmark category",
	Long: `Finds the weakest benchmark category, synthesizes a repair request from
its failing tasks, and runs it through the same pipeline user requests
take, with this workspace as the target. Each cycle is scored by
re-running the benchmark suite: a change that scores at least as well as
the baseline is kept and committed, a regression is reverted patch by
patch.

A weakness that exhausts its attempt budget is flagged for human review
and skipped in later cycles.`,
	RunE: runSelfImprove,
}

func init() {
	selfImproveCmd.Flags().IntVar(&improveCycles, "cycles", 1, "Number of improvement cycles to run")
	selfImproveCmd.Flags().BoolVar(&improveAuto, "auto", false, "Approve plans without prompting, regardless of config")
	rootCmd.AddCommand(selfImproveCmd)
}

func runSelfImprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if improveAuto {
		cfg.Pipeline.ApproveMode = "auto"
	}

	suite, err := bench.LoadSuite(resolvePath(cfg, cfg.Bench.SuitePath))
	if err != nil {
		return fmt.Errorf("%w (run 'tinker init' to generate a starter suite)", err)
	}
	history, err := bench.OpenHistory(resolvePath(cfg, cfg.Bench.HistoryPath))
	if err != nil {
		return err
	}
	defer history.Close()

	mgr, err := manifest.NewManager(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("indexing workspace: %w", err)
	}
	ts, err := tool.NewToolset(cfg, mgr)
	if err != nil {
		return err
	}

	// No experience cache here: every attempt re-explores and re-plans.
	pipe := pipeline.New(cfg, llm.NewHTTPClient(cfg.LLM), ts, mgr, nil, repolock.NewRegistry())
	if cfg.Pipeline.ApproveMode == "interactive" {
		pipe.SetApproval(terminalApproval(os.Stdin, os.Stdout))
	}

	loop := improve.New(cfg, pipe, ts, bench.NewRunner(ts, cfg.Bench.Workers), suite, history)
	cycles, runErr := loop.RunCycles(ctx, improveCycles)
	for _, c := range cycles {
		fmt.Println(c.Summary())
	}
	if flagged := loop.NeedsReview(); len(flagged) > 0 {
		fmt.Printf("Needs human review: %s\n", strings.Join(flagged, ", "))
	}
	if runErr != nil {
		return runErr
	}
	if len(cycles) == 0 {
		fmt.Println("Nothing to improve: every category is at full score.")
	}
	return nil
}
