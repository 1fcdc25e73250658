package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// FileEntry is one indexed file.
type FileEntry struct {
	Path     string   `json:"path"` // relative to the workspace root
	Size     int64    `json:"size"`
	Language string   `json:"language,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// HasTag reports whether the entry carries tag.
func (e FileEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Index is a point-in-time view of the repository files. TreeHash covers
// every indexed path with its size and mtime, so any file change, addition
// or removal produces a different hash.
type Index struct {
	TreeHash string
	Files    []FileEntry
	BuiltAt  time.Time
}

// Lookup returns the entry for a relative path.
func (ix *Index) Lookup(path string) (FileEntry, bool) {
	for _, f := range ix.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// skipDirs are never indexed regardless of manifest ignore globs.
var skipDirs = map[string]bool{
	".git": true, ".tinker": true, "node_modules": true,
	"vendor": true, "dist": true, "target": true, "__pycache__": true,
}

// hiddenAllowed hidden directories that still get indexed.
var hiddenAllowed = map[string]bool{
	".github": true,
}

var extLanguages = map[string]string{
	".go": "go", ".rs": "rust", ".py": "python",
	".ts": "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript",
	".java": "java", ".rb": "ruby", ".c": "c", ".h": "c",
	".cpp": "cpp", ".sh": "shell",
	".md": "markdown", ".yaml": "yaml", ".yml": "yaml",
	".json": "json", ".toml": "toml", ".sql": "sql",
}

// Scan walks the workspace and builds a fresh index honoring the manifest's
// ignore globs, critical paths and conventions.
func Scan(workspace string, m *Manifest) (*Index, error) {
	var files []FileEntry

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		name := d.Name()
		rel, err := filepath.Rel(workspace, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipDirs[name] {
				return filepath.SkipDir
			}
			if strings.HasPrefix(name, ".") && !hiddenAllowed[name] {
				return filepath.SkipDir
			}
			if ignoredByManifest(rel+"/", m) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") && !strings.HasPrefix(rel, ".github/") {
			return nil
		}
		if ignoredByManifest(rel, m) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileEntry{
			Path:     rel,
			Size:     info.Size(),
			Language: extLanguages[strings.ToLower(filepath.Ext(name))],
			Tags:     tagsFor(rel, m),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", workspace, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	hash, err := treeHash(workspace, files)
	if err != nil {
		return nil, err
	}
	return &Index{TreeHash: hash, Files: files, BuiltAt: time.Now()}, nil
}

// TreeHash computes the current hash without building a full index, used to
// decide whether a cached index is still valid.
func TreeHash(workspace string, m *Manifest) (string, error) {
	ix, err := Scan(workspace, m)
	if err != nil {
		return "", err
	}
	return ix.TreeHash, nil
}

func treeHash(workspace string, files []FileEntry) (string, error) {
	h := sha256.New()
	for _, f := range files {
		info, err := os.Stat(filepath.Join(workspace, filepath.FromSlash(f.Path)))
		if err != nil {
			continue
		}
		fmt.Fprintf(h, "%s:%d:%d\n", f.Path, info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func ignoredByManifest(rel string, m *Manifest) bool {
	for _, pattern := range m.Ignore {
		if ok, err := doublestar.Match(pattern, strings.TrimSuffix(rel, "/")); err == nil && ok {
			return true
		}
	}
	return false
}

// tagsFor derives the index tags: structural tags first, then manifest
// conventions and critical globs.
func tagsFor(rel string, m *Manifest) []string {
	var tags []string
	base := filepath.Base(rel)

	switch {
	case strings.HasSuffix(base, "_test.go"), strings.HasPrefix(base, "test_"),
		strings.Contains(base, ".test."), strings.Contains(base, ".spec."):
		tags = append(tags, "test")
	case base == "main.go", strings.HasPrefix(rel, "cmd/"), base == "index.ts", base == "__main__.py":
		tags = append(tags, "entrypoint")
	}

	switch base {
	case "go.mod", "go.sum", "Makefile", "package.json", "Cargo.toml", "pyproject.toml", "Dockerfile":
		tags = append(tags, "build")
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".md":
		tags = append(tags, "docs")
	case ".yaml", ".yml", ".toml", ".ini":
		tags = append(tags, "config")
	}

	for name, pattern := range m.Conventions {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok && !contains(tags, name) {
			tags = append(tags, name)
		}
	}
	for _, pattern := range m.CriticalPaths {
		ok, err := doublestar.Match(pattern, rel)
		if err == nil && ok {
			tags = append(tags, "critical")
			break
		}
	}
	sort.Strings(tags)
	return tags
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
