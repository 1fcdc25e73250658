package tool

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"tinker/internal/config"
	"tinker/internal/logging"
	"tinker/internal/manifest"
	"tinker/internal/patch"
	"tinker/internal/policy"
	"tinker/internal/vcs"
)

// Toolset wires the builtin tools to one workspace: its file index, its
// diff engine, its git client, and the command safety policy. Construct
// one per target repository.
type Toolset struct {
	registry  *Registry
	workspace string
	manifest  *manifest.Manager
	engine    *patch.Engine
	git       *vcs.Client
	policy    *policy.CommandPolicy

	cmdTimeout time.Duration
	maxOutput  int

	log *zap.Logger
}

// NewToolset builds the registry with all six builtin tools registered.
func NewToolset(cfg *config.Config, mgr *manifest.Manager) (*Toolset, error) {
	pol, err := policy.NewCommandPolicy()
	if err != nil {
		return nil, fmt.Errorf("loading command policy: %w", err)
	}

	ts := &Toolset{
		registry:   NewRegistry(),
		workspace:  mgr.Workspace(),
		manifest:   mgr,
		engine:     patch.NewEngine(),
		git:        vcs.NewClient(mgr.Workspace()),
		policy:     pol,
		cmdTimeout: config.Duration(cfg.Tools.CommandTimeout, 30*time.Second),
		maxOutput:  cfg.Tools.MaxOutputBytes,
		log:        logging.Named("toolset"),
	}
	if ts.maxOutput <= 0 {
		ts.maxOutput = 64 * 1024
	}

	if cfg.Tools.AuditPath != "" {
		path := cfg.Tools.AuditPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(ts.workspace, path)
		}
		audit, err := logging.NewAuditLog(path)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		ts.registry.SetAudit(audit)
	}

	ts.register()
	return ts, nil
}

// Registry exposes the underlying registry for execution and observers.
func (ts *Toolset) Registry() *Registry { return ts.registry }

// Engine exposes the diff engine so rollback can revert applied patches
// without recomputing them.
func (ts *Toolset) Engine() *patch.Engine { return ts.engine }

// Workspace returns the repository root the tools operate on.
func (ts *Toolset) Workspace() string { return ts.workspace }

func (ts *Toolset) register() {
	ts.registry.MustRegister(&Tool{
		Kind:        KindReadFile,
		Description: "Read a workspace file, optionally restricted to a line range.",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "Workspace-relative file path"},
				"start_line": {Type: "integer", Description: "First line to include, 1-based"},
				"end_line":   {Type: "integer", Description: "Last line to include, inclusive"},
			},
		},
		Execute: ts.readFile,
	})

	ts.registry.MustRegister(&Tool{
		Kind:        KindSearchCode,
		Description: "Search indexed workspace files for a regular expression.",
		Schema: Schema{
			Required: []string{"pattern"},
			Properties: map[string]Property{
				"pattern":     {Type: "string", Description: "RE2 regular expression"},
				"glob":        {Type: "string", Description: "Restrict to paths matching this glob"},
				"max_results": {Type: "integer", Description: "Result cap, default 50"},
			},
		},
		Execute: ts.searchCode,
	})

	ts.registry.MustRegister(&Tool{
		Kind:        KindApplyPatch,
		Description: "Replace a file's content atomically, guarded by the hash of the content the change was planned against.",
		Schema: Schema{
			Required: []string{"path", "base_hash", "content"},
			Properties: map[string]Property{
				"path":      {Type: "string", Description: "Workspace-relative file path"},
				"base_hash": {Type: "string", Description: "SHA-256 of the expected current content, empty for a new file"},
				"content":   {Type: "string", Description: "Full replacement content, empty to delete the file"},
			},
		},
		Execute: ts.applyPatch,
	})

	ts.registry.MustRegister(&Tool{
		Kind:        KindRunCommand,
		Description: "Run a shell command in the workspace under the safety policy, with a hard timeout.",
		Schema: Schema{
			Required: []string{"command"},
			Properties: map[string]Property{
				"command":         {Type: "string", Description: "Shell command line"},
				"timeout_seconds": {Type: "integer", Description: "Deadline override, capped at the configured ceiling"},
				"cwd":             {Type: "string", Description: "Workspace-relative working directory"},
			},
		},
		Execute: ts.runCommand,
	})

	ts.registry.MustRegister(&Tool{
		Kind:        KindVCSCommit,
		Description: "Stage all changes and commit them, returning the commit hash.",
		Schema: Schema{
			Required: []string{"message"},
			Properties: map[string]Property{
				"message": {Type: "string", Description: "Commit message"},
			},
		},
		Execute: ts.vcsCommit,
	})

	ts.registry.MustRegister(&Tool{
		Kind:        KindVCSRevert,
		Description: "Revert a commit by hash, creating an inverse commit.",
		Schema: Schema{
			Required: []string{"commit"},
			Properties: map[string]Property{
				"commit": {Type: "string", Description: "Commit hash to revert"},
			},
		},
		Execute: ts.vcsRevert,
	})
}

// resolve maps a workspace-relative path to an absolute one, refusing
// anything that escapes the workspace root.
func (ts *Toolset) resolve(kind Kind, rel string) (string, error) {
	if rel == "" {
		return "", failf(kind, FailureValidation, "path is empty")
	}
	abs := filepath.Join(ts.workspace, filepath.FromSlash(rel))
	back, err := filepath.Rel(ts.workspace, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", failf(kind, FailurePermission, "path %q escapes the workspace", rel)
	}
	return abs, nil
}
