// Package manifest maintains the indexed view of a target repository: the
// declared manifest file (project type, verification command, critical
// paths) plus a lazily rebuilt file index keyed by the repository tree hash.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest location relative to the workspace root.
const FileName = ".tinker/manifest.yaml"

// Manifest declares what the pipeline needs to know about a repository.
// The pipeline reads it at start and never writes it; "tinker init" and the
// operator own the file.
type Manifest struct {
	Project       string            `yaml:"project"`
	Type          string            `yaml:"type"`
	VerifyCommand string            `yaml:"verify_command"`
	CriticalPaths []string          `yaml:"critical_paths,omitempty"`
	Conventions   map[string]string `yaml:"conventions,omitempty"`
	Ignore        []string          `yaml:"ignore,omitempty"`
}

// languageChecks maps marker files to a project language, checked in order.
var languageChecks = []struct {
	file     string
	language string
	verify   string
}{
	{"go.mod", "go", "go test ./..."},
	{"Cargo.toml", "rust", "cargo test"},
	{"pyproject.toml", "python", "python -m pytest"},
	{"requirements.txt", "python", "python -m pytest"},
	{"package.json", "typescript", "npm test"},
	{"pom.xml", "java", "mvn test"},
	{"Gemfile", "ruby", "bundle exec rake test"},
}

// Load reads the manifest file under workspace, falling back to Detect when
// no manifest has been written yet.
func Load(workspace string) (*Manifest, error) {
	path := filepath.Join(workspace, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Detect(workspace), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m := Detect(workspace)
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.VerifyCommand == "" {
		return nil, fmt.Errorf("manifest %s declares no verify_command", path)
	}
	return m, nil
}

// Detect builds a manifest from marker files in the workspace.
func Detect(workspace string) *Manifest {
	m := &Manifest{
		Project: filepath.Base(workspace),
		Type:    "unknown",
	}
	for _, check := range languageChecks {
		if _, err := os.Stat(filepath.Join(workspace, check.file)); err == nil {
			m.Type = check.language
			m.VerifyCommand = check.verify
			break
		}
	}
	if m.Conventions == nil {
		m.Conventions = map[string]string{}
	}
	if m.Type == "go" {
		m.Conventions["tests"] = "**/*_test.go"
		m.CriticalPaths = []string{"go.mod", "cmd/**", "main.go"}
	}
	return m
}

// Save writes the manifest under workspace, creating .tinker/ if needed.
func Save(workspace string, m *Manifest) error {
	path := filepath.Join(workspace, FileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
