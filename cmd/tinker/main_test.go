package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"tinker/internal/bench"
	"tinker/internal/config"
	"tinker/internal/patch"
	"tinker/internal/pipeline"
)

// useWorkspace points the CLI globals at a scratch workspace and restores
// them when the test ends.
func useWorkspace(t *testing.T, ws string) {
	t.Helper()
	workspace = ws
	t.Cleanup(func() {
		workspace = ""
		configPath = ""
		apiKey = ""
		exitCode = 0
	})
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = orig
	return <-done
}

func TestInitScaffoldsWorkspace(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "go.mod"), []byte("module demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	useWorkspace(t, ws)

	output := captureStdout(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Errorf("runInit: %v", err)
		}
	})
	if !strings.Contains(output, "Detected go project") {
		t.Fatalf("expected detection notice, got: %s", output)
	}

	for _, rel := range []string{
		".tinker/manifest.yaml",
		".tinker/bench/suite.yaml",
		".tinker/config.yaml",
	} {
		if _, err := os.Stat(filepath.Join(ws, rel)); err != nil {
			t.Errorf("init did not write %s: %v", rel, err)
		}
	}

	suite, err := bench.LoadSuite(filepath.Join(ws, ".tinker", "bench", "suite.yaml"))
	if err != nil {
		t.Fatalf("starter suite unreadable: %v", err)
	}
	if suite.TaskCount() == 0 {
		t.Fatal("starter suite has no tasks")
	}

	// A second init must not clobber anything.
	output = captureStdout(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Errorf("second runInit: %v", err)
		}
	})
	if !strings.Contains(output, "already initialized") {
		t.Fatalf("expected reinit notice, got: %s", output)
	}
}

func TestStatusFreshWorkspace(t *testing.T) {
	useWorkspace(t, t.TempDir())

	output := captureStdout(t, func() {
		if err := showStatus(&cobra.Command{}, nil); err != nil {
			t.Errorf("showStatus: %v", err)
		}
	})

	for _, want := range []string{"Workspace:", "free", "empty", "never run"} {
		if !strings.Contains(output, want) {
			t.Errorf("status output missing %q:\n%s", want, output)
		}
	}
}

func TestBenchmarkBelowThresholdSetsExitCode(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "README.md"), []byte("# demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	suite := &bench.Suite{Version: 1, Categories: []bench.Category{
		{Name: "smoke", Tasks: []bench.Task{
			{ID: "passes", Command: "true"},
			{ID: "fails", Command: "false"},
		}},
	}}
	if err := suite.Save(filepath.Join(ws, ".tinker", "bench", "suite.yaml")); err != nil {
		t.Fatal(err)
	}
	useWorkspace(t, ws)

	output := captureStdout(t, func() {
		if err := runBenchmark(&cobra.Command{}, nil); err != nil {
			t.Errorf("runBenchmark: %v", err)
		}
	})

	if !strings.Contains(output, "aggregate") || !strings.Contains(output, "50.0%") {
		t.Fatalf("expected scored summary, got: %s", output)
	}
	if !strings.Contains(output, "pass threshold") {
		t.Fatalf("expected threshold notice, got: %s", output)
	}
	if exitCode != 1 {
		t.Fatalf("exitCode = %d, want 1 below threshold", exitCode)
	}

	// The run is recorded for later --history views and improvement
	// baselines.
	history, err := bench.OpenHistory(filepath.Join(ws, ".tinker", "bench", "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer history.Close()
	n, err := history.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("history has %d results, want 1", n)
	}
}

func TestRunVagueRequestExitsWithQuestion(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "README.md"), []byte("# demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	useWorkspace(t, ws)

	output := captureStdout(t, func() {
		if err := runRequest(&cobra.Command{}, []string{"fix", "it"}); err != nil {
			t.Errorf("runRequest: %v", err)
		}
	})

	if exitCode != 2 {
		t.Fatalf("exitCode = %d, want 2 for a clarifying question", exitCode)
	}
	if !strings.Contains(output, "?") {
		t.Fatalf("expected a question on stdout, got: %s", output)
	}
}

func TestTerminalApprovalVerdicts(t *testing.T) {
	plan := &pipeline.Plan{
		Summary: "rename the helper",
		Steps:   []pipeline.Step{{ID: 1, Description: "edit the file", Files: []string{"a.go"}}},
	}

	cases := []struct {
		input    string
		approved bool
		feedback string
	}{
		{"y\n", true, ""},
		{"yes\n", true, ""},
		{"y", true, ""}, // EOF without newline still counts
		{"n\n", false, "plan rejected by operator"},
		{"\n", false, "plan rejected by operator"},
		{"use tabs instead\n", false, "use tabs instead"},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		fn := terminalApproval(strings.NewReader(tc.input), &out)
		approved, feedback, err := fn(context.Background(), nil, plan)
		if err != nil {
			t.Fatalf("input %q: %v", tc.input, err)
		}
		if approved != tc.approved || feedback != tc.feedback {
			t.Errorf("input %q: approved=%v feedback=%q, want %v %q",
				tc.input, approved, feedback, tc.approved, tc.feedback)
		}
		if !strings.Contains(out.String(), "rename the helper") || !strings.Contains(out.String(), "a.go") {
			t.Errorf("input %q: prompt did not show the plan:\n%s", tc.input, out.String())
		}
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	ws := t.TempDir()
	cfgYAML := "llm:\n  model: from-file\n"
	if err := os.MkdirAll(filepath.Join(ws, ".tinker"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".tinker", "config.yaml"), []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TINKER_LLM_MODEL", "")
	t.Setenv("TINKER_API_KEY", "")
	useWorkspace(t, ws)
	apiKey = "key-from-flag"

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Workspace != ws {
		t.Errorf("Workspace = %q, want the flag value", cfg.Workspace)
	}
	if cfg.LLM.Model != "from-file" {
		t.Errorf("Model = %q, want the file value", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "key-from-flag" {
		t.Errorf("APIKey = %q, want the flag value", cfg.LLM.APIKey)
	}
}

func TestResolvePath(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace = "/repo"

	if got := resolvePath(cfg, filepath.Join(".tinker", "experience.db")); got != filepath.Join("/repo", ".tinker", "experience.db") {
		t.Errorf("relative path = %q", got)
	}
	if got := resolvePath(cfg, "/abs/path.db"); got != "/abs/path.db" {
		t.Errorf("absolute path = %q", got)
	}
	if got := resolvePath(cfg, ""); got != "" {
		t.Errorf("empty path = %q", got)
	}
}

func TestChangedFilesDedupes(t *testing.T) {
	task := &pipeline.Task{Rollback: []*patch.Patch{
		{Path: "a.go"}, {Path: "b.go"}, {Path: "a.go"},
	}}
	got := changedFiles(task)
	if len(got) != 2 || got[0] != "a.go" || got[1] != "b.go" {
		t.Fatalf("changedFiles = %v", got)
	}
}
