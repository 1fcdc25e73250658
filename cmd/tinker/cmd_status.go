package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tinker/internal/bench"
	"tinker/internal/cache"
	"tinker/internal/config"
	"tinker/internal/manifest"
	"tinker/internal/repolock"
)

// statusCmd shows workspace state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace, lock, cache, and benchmark state",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		ws = cfg.Workspace
	}
	fmt.Printf("Workspace: %s\n", ws)

	m, err := manifest.Load(cfg.Workspace)
	if err != nil {
		fmt.Printf("Manifest:  unreadable (%v)\n", err)
	} else {
		fmt.Printf("Project:   %s (%s)\n", m.Project, m.Type)
		if m.VerifyCommand != "" {
			fmt.Printf("Verify:    %s\n", m.VerifyCommand)
		}
	}

	if cfg.LLM.APIKey != "" {
		fmt.Printf("LLM:       %s at %s\n", cfg.LLM.Model, cfg.LLM.BaseURL)
	} else {
		fmt.Println("LLM:       no API key (export TINKER_API_KEY)")
	}

	holder, err := repolock.Holder(cfg.Workspace)
	switch {
	case err != nil:
		fmt.Printf("Lock:      unreadable (%v)\n", err)
	case holder == nil:
		fmt.Println("Lock:      free")
	default:
		fmt.Printf("Lock:      held by %s (pid %d) since %s\n",
			holder.Owner, holder.PID, holder.AcquiredAt.Local().Format(time.RFC3339))
	}

	printCacheStatus(cfg)
	printBenchStatus(cfg)
	return nil
}

func printCacheStatus(cfg *config.Config) {
	path := resolvePath(cfg, cfg.Cache.Path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("Cache:     empty")
		return
	}
	store, err := cache.Open(path, config.Duration(cfg.Cache.TTL, 72*time.Hour))
	if err != nil {
		fmt.Printf("Cache:     unreadable (%v)\n", err)
		return
	}
	defer store.Close()

	n, err := store.Len()
	if err != nil {
		fmt.Printf("Cache:     unreadable (%v)\n", err)
		return
	}
	fmt.Printf("Cache:     %d experience(s)\n", n)
}

func printBenchStatus(cfg *config.Config) {
	path := resolvePath(cfg, cfg.Bench.HistoryPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("Benchmark: never run")
		return
	}
	history, err := bench.OpenHistory(path)
	if err != nil {
		fmt.Printf("Benchmark: unreadable (%v)\n", err)
		return
	}
	defer history.Close()

	latest, err := history.Latest()
	if err != nil {
		fmt.Printf("Benchmark: unreadable (%v)\n", err)
		return
	}
	if latest == nil {
		fmt.Println("Benchmark: never run")
		return
	}
	fmt.Printf("Benchmark: %.1f%% aggregate on %s\n",
		latest.Aggregate*100, latest.RunAt.Local().Format("2006-01-02 15:04"))
	for _, c := range latest.Categories {
		fmt.Printf("  %-20s %5.1f%%\n", c.Name, c.Score*100)
	}
}
