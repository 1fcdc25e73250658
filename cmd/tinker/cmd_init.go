package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tinker/internal/bench"
	"tinker/internal/config"
	"tinker/internal/manifest"
)

// initCmd scaffolds a workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize tinker in a workspace",
	Long: `Scans the workspace and writes the project manifest, a starter benchmark
suite, and a default config under .tinker/.

Detection is marker-file based: go.mod marks a Go project, Cargo.toml a
Rust one, and so on. Edit .tinker/manifest.yaml afterwards if the
detected verify command is wrong; the Verify phase runs it after every
applied plan.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws := cfg.Workspace

	manifestPath := filepath.Join(ws, filepath.FromSlash(manifest.FileName))
	if _, err := os.Stat(manifestPath); err == nil {
		fmt.Println("Workspace already initialized. Edit .tinker/manifest.yaml to change settings.")
		return nil
	}

	m := manifest.Detect(ws)
	if err := manifest.Save(ws, m); err != nil {
		return err
	}
	fmt.Printf("Detected %s project %q", m.Type, m.Project)
	if m.VerifyCommand != "" {
		fmt.Printf(" (verify: %s)", m.VerifyCommand)
	}
	fmt.Println()

	suitePath := resolvePath(cfg, cfg.Bench.SuitePath)
	suite := bench.Starter(m.Type, m.VerifyCommand)
	if err := suite.Save(suitePath); err != nil {
		return err
	}
	fmt.Printf("Wrote starter benchmark suite with %d task(s): %s\n", suite.TaskCount(), suitePath)

	cfgPath := filepath.Join(ws, filepath.FromSlash(configFileName))
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Default().Save(cfgPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default config: %s\n", cfgPath)
	}

	fmt.Println("Ready. Try: tinker run \"describe this project\"")
	return nil
}
