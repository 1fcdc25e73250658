package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tinker/internal/bench"
	"tinker/internal/manifest"
	"tinker/internal/tool"
)

var benchHistoryN int

// benchmarkCmd scores the workspace against the declared suite
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Run the scored benchmark suite against the workspace",
	Long: `Runs every task in the benchmark suite, prints per-category scores, and
records the result in the benchmark history. Tasks with disjoint file
targets run in parallel; tasks touching the same files run in
declaration order.

The exit code reflects whether the aggregate score meets the configured
pass threshold.`,
	RunE: runBenchmark,
}

func init() {
	benchmarkCmd.Flags().IntVar(&benchHistoryN, "history", 0, "Show the last N recorded results instead of running")
	rootCmd.AddCommand(benchmarkCmd)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	history, err := bench.OpenHistory(resolvePath(cfg, cfg.Bench.HistoryPath))
	if err != nil {
		return err
	}
	defer history.Close()

	if benchHistoryN > 0 {
		return printBenchHistory(history, benchHistoryN)
	}

	suite, err := bench.LoadSuite(resolvePath(cfg, cfg.Bench.SuitePath))
	if err != nil {
		return fmt.Errorf("%w (run 'tinker init' to generate a starter suite)", err)
	}

	mgr, err := manifest.NewManager(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("indexing workspace: %w", err)
	}
	ts, err := tool.NewToolset(cfg, mgr)
	if err != nil {
		return err
	}

	res, err := bench.NewRunner(ts, cfg.Bench.Workers).Run(ctx, suite, "")
	if err != nil {
		return err
	}
	if err := history.Append(res); err != nil {
		return fmt.Errorf("recording result: %w", err)
	}

	fmt.Print(res.Summary())
	if !res.Passed(cfg.Bench.PassThreshold) {
		fmt.Printf("Below the %.0f%% pass threshold.\n", cfg.Bench.PassThreshold*100)
		exitCode = 1
	}
	return nil
}

func printBenchHistory(history *bench.History, n int) error {
	results, err := history.Recent(n)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No benchmark runs recorded yet.")
		return nil
	}
	for _, r := range results {
		line := fmt.Sprintf("%s  %5.1f%%", r.RunAt.Local().Format("2006-01-02 15:04"), r.Aggregate*100)
		if r.SourceTask != "" {
			line += fmt.Sprintf("  (after task %.8s)", r.SourceTask)
		}
		fmt.Println(line)
	}
	return nil
}
