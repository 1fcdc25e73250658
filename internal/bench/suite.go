// Package bench runs the scored task suite that serves as the agent's
// quality oracle. A suite is a YAML file of shell tasks grouped into
// categories; every run produces an immutable Result whose per-category
// scores feed the status report and the self-improvement loop.
package bench

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Suite is the scored task collection. Category and task declaration
// order is load-bearing: it fixes the run order and breaks score ties,
// so two runs of the same file always mean the same thing.
type Suite struct {
	Version    int        `yaml:"version"`
	Categories []Category `yaml:"categories"`
}

// Category groups tasks under one scored name.
type Category struct {
	Name  string `yaml:"name"`
	Tasks []Task `yaml:"tasks"`
}

// Task is one scored shell command. Files lists the workspace-relative
// paths the command touches; tasks with disjoint file sets may run in
// parallel, tasks with no declared files always run alone.
type Task struct {
	ID      string   `yaml:"id"`
	Command string   `yaml:"command"`
	Files   []string `yaml:"files,omitempty"`
	Weight  float64  `yaml:"weight,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
}

// weight returns the task's scoring weight, defaulting to 1.
func (t Task) weight() float64 {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// LoadSuite reads and validates a suite file.
func LoadSuite(suitePath string) (*Suite, error) {
	data, err := os.ReadFile(suitePath)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", suitePath, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("suite %s: %w", suitePath, err)
	}
	return &s, nil
}

// Save writes the suite as YAML, creating parent directories.
func (s *Suite) Save(suitePath string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal suite: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(suitePath), 0o755); err != nil {
		return fmt.Errorf("create suite dir: %w", err)
	}
	return os.WriteFile(suitePath, data, 0o644)
}

// Validate rejects suites the runner cannot score coherently: empty
// categories, duplicate names or IDs, blank commands, and file targets
// that leave the workspace.
func (s *Suite) Validate() error {
	if len(s.Categories) == 0 {
		return fmt.Errorf("no categories declared")
	}
	catSeen := make(map[string]bool, len(s.Categories))
	idSeen := make(map[string]bool)
	for ci, cat := range s.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return fmt.Errorf("category %d has no name", ci+1)
		}
		if catSeen[cat.Name] {
			return fmt.Errorf("duplicate category %q", cat.Name)
		}
		catSeen[cat.Name] = true
		if len(cat.Tasks) == 0 {
			return fmt.Errorf("category %q has no tasks", cat.Name)
		}
		for ti, task := range cat.Tasks {
			if strings.TrimSpace(task.ID) == "" {
				return fmt.Errorf("category %q task %d has no id", cat.Name, ti+1)
			}
			if idSeen[task.ID] {
				return fmt.Errorf("duplicate task id %q", task.ID)
			}
			idSeen[task.ID] = true
			if strings.TrimSpace(task.Command) == "" {
				return fmt.Errorf("task %q has no command", task.ID)
			}
			if task.Weight < 0 {
				return fmt.Errorf("task %q has a negative weight", task.ID)
			}
			for _, f := range task.Files {
				if f == "" || path.IsAbs(f) || path.Clean(f) != f || strings.HasPrefix(f, "../") {
					return fmt.Errorf("task %q declares an invalid file target %q", task.ID, f)
				}
			}
		}
	}
	return nil
}

// TaskCount returns the total number of tasks across all categories.
func (s *Suite) TaskCount() int {
	n := 0
	for _, cat := range s.Categories {
		n += len(cat.Tasks)
	}
	return n
}

// Starter builds a minimal suite for a freshly initialized workspace,
// keyed on the detected project type. The verify command becomes the
// anchor task so a benchmark run and a pipeline verification agree on
// what "working" means.
func Starter(projectType, verifyCommand string) *Suite {
	s := &Suite{Version: 1}

	if verifyCommand != "" {
		s.Categories = append(s.Categories, Category{
			Name: "verify",
			Tasks: []Task{
				{ID: "verify-command", Command: verifyCommand, Weight: 2},
			},
		})
	}

	switch projectType {
	case "go":
		s.Categories = append(s.Categories, Category{
			Name: "build",
			Tasks: []Task{
				{ID: "go-build", Command: "go build ./..."},
				{ID: "go-vet", Command: "go vet ./..."},
			},
		})
	case "typescript":
		s.Categories = append(s.Categories, Category{
			Name: "build",
			Tasks: []Task{
				{ID: "npm-build", Command: "npm run build --if-present"},
			},
		})
	case "python":
		s.Categories = append(s.Categories, Category{
			Name: "build",
			Tasks: []Task{
				{ID: "py-compile", Command: "python -m compileall -q ."},
			},
		})
	case "rust":
		s.Categories = append(s.Categories, Category{
			Name: "build",
			Tasks: []Task{
				{ID: "cargo-check", Command: "cargo check --quiet"},
			},
		})
	}

	if len(s.Categories) == 0 {
		s.Categories = append(s.Categories, Category{
			Name: "smoke",
			Tasks: []Task{
				{ID: "workspace-readable", Command: "ls"},
			},
		})
	}
	return s
}
