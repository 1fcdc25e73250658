package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tinker/internal/cache"
	"tinker/internal/config"
	"tinker/internal/llm"
	"tinker/internal/logging"
	"tinker/internal/manifest"
	"tinker/internal/pipeline"
	"tinker/internal/repolock"
	"tinker/internal/tool"
)

// runCmd executes a single request
var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Drive a natural-language request through the agent pipeline",
	Long: `Classifies the request and executes it. Questions, file lookups, and
shell commands complete directly; code tasks run the full explore, plan,
apply, verify machine against the workspace, rolling back any step whose
patches cannot all land.

Exit codes: 0 on success, 1 on failure, 2 when the agent needs a
clarification before it can act (the question is printed on stdout).

Example:
  tinker run "rename the retry helper in internal/fetch and update its callers"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	request := strings.Join(args, " ")

	mgr, err := manifest.NewManager(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("indexing workspace: %w", err)
	}
	ts, err := tool.NewToolset(cfg, mgr)
	if err != nil {
		return err
	}

	store, err := cache.Open(resolvePath(cfg, cfg.Cache.Path), config.Duration(cfg.Cache.TTL, 72*time.Hour))
	if err != nil {
		logging.Named("cli").Warn("experience cache unavailable", zap.Error(err))
		store = nil
	}
	if store != nil {
		defer store.Close()
	}

	pipe := pipeline.New(cfg, llm.NewHTTPClient(cfg.LLM), ts, mgr, store, repolock.NewRegistry())
	if cfg.Pipeline.ApproveMode == "interactive" {
		pipe.SetApproval(terminalApproval(os.Stdin, os.Stdout))
	}

	task, err := pipe.Run(ctx, request)
	if err != nil {
		return err
	}
	if task.Question != "" {
		fmt.Println(task.Question)
		exitCode = 2
		return nil
	}
	printTaskOutcome(task)
	return nil
}

// printTaskOutcome reports what a finished task did. Direct intents carry
// their output in Answer; code tasks report the plan and the files it
// changed.
func printTaskOutcome(task *pipeline.Task) {
	if task.Answer != "" {
		fmt.Println(task.Answer)
		return
	}
	if task.Plan != nil {
		fmt.Printf("Done: %s\n", task.Plan.Summary)
		if task.Plan.CacheHit {
			fmt.Println("(plan reused from the experience cache)")
		}
	}
	if files := changedFiles(task); len(files) > 0 {
		fmt.Printf("Changed %d file(s):\n", len(files))
		for _, f := range files {
			fmt.Printf("  %s\n", f)
		}
	}
}

// changedFiles lists the distinct paths the task patched, in first-touch
// order.
func changedFiles(task *pipeline.Task) []string {
	seen := make(map[string]bool)
	var files []string
	for _, p := range task.Rollback {
		if !seen[p.Path] {
			seen[p.Path] = true
			files = append(files, p.Path)
		}
	}
	return files
}

// terminalApproval builds the interactive plan gate: it prints the
// proposed steps and reads a verdict from in. "y" approves; anything
// else rejects, and a non-empty answer is forwarded as feedback for the
// next planning round.
func terminalApproval(in io.Reader, out io.Writer) pipeline.ApprovalFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, task *pipeline.Task, plan *pipeline.Plan) (bool, string, error) {
		fmt.Fprintf(out, "\nPlan: %s\n", plan.Summary)
		for _, step := range plan.Steps {
			fmt.Fprintf(out, "  %d. %s", step.ID, step.Description)
			if len(step.Files) > 0 {
				fmt.Fprintf(out, " [%s]", strings.Join(step.Files, ", "))
			}
			fmt.Fprintln(out)
		}
		fmt.Fprint(out, "Apply this plan? [y/N or feedback]: ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, "", fmt.Errorf("reading approval: %w", err)
		}
		answer := strings.TrimSpace(line)
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, "", nil
		case "", "n", "no":
			return false, "plan rejected by operator", nil
		default:
			return false, answer, nil
		}
	}
}
