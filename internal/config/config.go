// Package config holds all tinker configuration, loaded from YAML with
// environment-variable overrides for secrets and paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the agent.
type Config struct {
	// Workspace is the default target repository path.
	Workspace string `yaml:"workspace"`

	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Tools    ToolsConfig    `yaml:"tools"`
	Cache    CacheConfig    `yaml:"cache"`
	Bench    BenchConfig    `yaml:"bench"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the completion service client.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Timeout bounds a single completion call.
	Timeout string `yaml:"timeout"`
	// MaxRetries applies to transient network failures only; a well-formed
	// rejection from the service is never retried.
	MaxRetries int `yaml:"max_retries"`
}

// PipelineConfig configures the phase state machine.
type PipelineConfig struct {
	// RetryBudget bounds Verify -> Plan loops per task.
	RetryBudget int `yaml:"retry_budget"`
	// ApproveMode is "auto" or "interactive". The approval event is recorded
	// either way.
	ApproveMode string `yaml:"approve_mode"`
	// ClarifyThreshold is the classifier confidence below which the task is
	// answered with a clarifying question instead of a guess.
	ClarifyThreshold float64 `yaml:"clarify_threshold"`
	// MaxContextFiles caps how many files Explore reads into the bundle.
	MaxContextFiles int `yaml:"max_context_files"`
	// LockTimeout bounds waiting for the per-repository lock.
	LockTimeout string `yaml:"lock_timeout"`
}

// ToolsConfig configures the tool executor.
type ToolsConfig struct {
	// CommandTimeout is the hard ceiling for run_command.
	CommandTimeout string `yaml:"command_timeout"`
	// MaxOutputBytes truncates captured command output.
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// AuditPath is the JSONL audit trail; empty disables it.
	AuditPath string `yaml:"audit_path"`
}

// CacheConfig configures the experience cache.
type CacheConfig struct {
	Path string `yaml:"path"`
	// TTL is the default entry lifetime.
	TTL string `yaml:"ttl"`
}

// BenchConfig configures the benchmark suite and self-improvement loop.
type BenchConfig struct {
	// SuitePath is the YAML file declaring the scored task suite.
	SuitePath string `yaml:"suite_path"`
	// HistoryPath is the sqlite benchmark history database.
	HistoryPath string `yaml:"history_path"`
	// PassThreshold is the aggregate score the benchmark CLI exit code
	// reflects.
	PassThreshold float64 `yaml:"pass_threshold"`
	// Workers bounds the benchmark runner pool.
	Workers int `yaml:"workers"`
	// MaxAttempts bounds self-improvement retries per weakness before it is
	// marked needs-human-review.
	MaxAttempts int `yaml:"max_attempts"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workspace: ".",
		LLM: LLMConfig{
			BaseURL:    "http://localhost:8080/v1",
			Model:      "agent-default",
			Timeout:    "120s",
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			RetryBudget:      3,
			ApproveMode:      "auto",
			ClarifyThreshold: 0.6,
			MaxContextFiles:  12,
			LockTimeout:      "10s",
		},
		Tools: ToolsConfig{
			CommandTimeout: "30s",
			MaxOutputBytes: 64 * 1024,
			AuditPath:      filepath.Join(".tinker", "audit.jsonl"),
		},
		Cache: CacheConfig{
			Path: filepath.Join(".tinker", "experience.db"),
			TTL:  "72h",
		},
		Bench: BenchConfig{
			SuitePath:     filepath.Join(".tinker", "bench", "suite.yaml"),
			HistoryPath:   filepath.Join(".tinker", "bench", "history.db"),
			PassThreshold: 0.7,
			Workers:       4,
			MaxAttempts:   3,
		},
	}
}

// Load reads the config file at path, layered over defaults, then applies
// environment overrides. A missing file silently yields defaults so a fresh
// checkout works without setup.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides layers process environment settings over the file.
// Secrets in particular should come from the environment, not the file.
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("TINKER_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("TINKER_LLM_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if model := os.Getenv("TINKER_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if ws := os.Getenv("TINKER_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
}

// Duration parses a duration field, falling back when unset or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
