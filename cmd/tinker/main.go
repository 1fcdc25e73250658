// Command tinker is the CLI for the tinker coding agent: it runs
// natural-language requests through the task pipeline, scores the
// workspace against the benchmark suite, and drives the self-improvement
// loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tinker/internal/config"
	"tinker/internal/logging"
)

const version = "0.3.0"

// configFileName is the config location relative to the workspace root.
const configFileName = ".tinker/config.yaml"

var (
	// Global flags
	verbose    bool
	apiKey     string
	workspace  string
	configPath string
	timeout    time.Duration

	// exitCode is what main exits with when no error is returned.
	// Handlers set it for outcomes that are not failures, like a task
	// that ends in a clarifying question or a benchmark below threshold.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tinker",
	Short: "tinker - autonomous coding agent",
	Long: `tinker is an autonomous coding agent for small, verifiable code tasks.

A request is classified by intent, then driven through a four-phase
pipeline: Explore gathers context, Plan proposes scoped steps, Apply
patches files atomically, and Verify runs the repository's verification
command. The same pipeline powers the self-improvement loop, where the
agent patches its own benchmark weaknesses and keeps only changes that
score at least as well as before.

Run "tinker init" once per workspace to scaffold the manifest, the
benchmark suite, and the default config under .tinker/.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.Init(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Completion service API key (or set TINKER_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Target repository (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.tinker/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Command deadline")
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// loadConfig layers the workspace config file under the command-line
// flags. The workspace resolves flag first, then TINKER_WORKSPACE, then
// the current directory.
func loadConfig() (*config.Config, error) {
	ws := workspace
	if ws == "" {
		ws = os.Getenv("TINKER_WORKSPACE")
	}
	if ws == "" {
		ws = "."
	}

	path := configPath
	if path == "" {
		path = filepath.Join(ws, filepath.FromSlash(configFileName))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if cfg.Logging.Verbose && !verbose {
		if _, err := logging.Init(true); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// resolvePath anchors a workspace-relative config path at the workspace
// root. Absolute paths pass through.
func resolvePath(cfg *config.Config, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.Workspace, path)
}

// commandContext bounds a command by the --timeout flag and cancels it
// on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
