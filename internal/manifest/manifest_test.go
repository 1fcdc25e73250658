package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func scaffoldGoRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"go.mod":                      "module example\n\ngo 1.24\n",
		"main.go":                     "package main\n",
		"cmd/app/root.go":             "package app\n",
		"internal/auth/auth.go":       "package auth\n",
		"internal/auth/auth_test.go":  "package auth\n",
		"internal/billing/invoice.go": "package billing\n",
		"docs/guide.md":               "# guide\n",
		"build/out.bin":               "x",
		".git/HEAD":                   "ref\n",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return dir
}

func TestDetectGoWorkspace(t *testing.T) {
	dir := scaffoldGoRepo(t)
	m := Detect(dir)
	if m.Type != "go" {
		t.Errorf("Type = %q, want go", m.Type)
	}
	if m.VerifyCommand != "go test ./..." {
		t.Errorf("VerifyCommand = %q", m.VerifyCommand)
	}
}

func TestLoadFallsBackToDetect(t *testing.T) {
	dir := scaffoldGoRepo(t)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Type != "go" || m.VerifyCommand == "" {
		t.Errorf("fallback manifest = %+v", m)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := scaffoldGoRepo(t)
	want := &Manifest{
		Project:       "example",
		Type:          "go",
		VerifyCommand: "go vet ./... && go test ./...",
		CriticalPaths: []string{"internal/auth/**"},
		Ignore:        []string{"build/**"},
	}
	if err := Save(dir, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.VerifyCommand != want.VerifyCommand {
		t.Errorf("VerifyCommand = %q, want %q", got.VerifyCommand, want.VerifyCommand)
	}
	if len(got.CriticalPaths) != 1 || got.CriticalPaths[0] != "internal/auth/**" {
		t.Errorf("CriticalPaths = %v", got.CriticalPaths)
	}
}

func TestScanTagsAndIgnores(t *testing.T) {
	dir := scaffoldGoRepo(t)
	m := Detect(dir)
	m.CriticalPaths = []string{"internal/auth/**"}
	m.Ignore = []string{"build/**"}

	ix, err := Scan(dir, m)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if _, ok := ix.Lookup(".git/HEAD"); ok {
		t.Error(".git contents were indexed")
	}
	if _, ok := ix.Lookup("build/out.bin"); ok {
		t.Error("ignored glob was indexed")
	}

	entry, ok := ix.Lookup("internal/auth/auth_test.go")
	if !ok {
		t.Fatal("auth_test.go not indexed")
	}
	if !entry.HasTag("test") || !entry.HasTag("critical") {
		t.Errorf("auth_test.go tags = %v, want test+critical", entry.Tags)
	}

	entry, ok = ix.Lookup("main.go")
	if !ok || !entry.HasTag("entrypoint") {
		t.Errorf("main.go tags = %v, want entrypoint", entry.Tags)
	}
	entry, ok = ix.Lookup("go.mod")
	if !ok || !entry.HasTag("build") {
		t.Errorf("go.mod tags = %v, want build", entry.Tags)
	}
	if entry.Language != "" {
		t.Errorf("go.mod language = %q, want empty", entry.Language)
	}

	entry, _ = ix.Lookup("internal/auth/auth.go")
	if entry.Language != "go" {
		t.Errorf("auth.go language = %q, want go", entry.Language)
	}
}

func TestTreeHashTracksChanges(t *testing.T) {
	dir := scaffoldGoRepo(t)
	m := Detect(dir)

	first, err := TreeHash(dir, m)
	if err != nil {
		t.Fatalf("TreeHash: %v", err)
	}
	second, err := TreeHash(dir, m)
	if err != nil {
		t.Fatalf("TreeHash: %v", err)
	}
	if first != second {
		t.Error("tree hash not stable for unchanged tree")
	}

	// mtime resolution can be coarse
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nvar x = 1\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	third, err := TreeHash(dir, m)
	if err != nil {
		t.Fatalf("TreeHash: %v", err)
	}
	if third == first {
		t.Error("tree hash unchanged after file edit")
	}
}

func TestManagerRebuildsLazily(t *testing.T) {
	dir := scaffoldGoRepo(t)
	mg, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	first, err := mg.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	again, err := mg.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if first != again {
		t.Error("unchanged tree rebuilt the index")
	}

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "internal/billing/tax.go"), []byte("package billing\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rebuilt, err := mg.Index()
	if err != nil {
		t.Fatalf("Index after change: %v", err)
	}
	if rebuilt == first {
		t.Error("index not rebuilt after tree change")
	}
	if _, ok := rebuilt.Lookup("internal/billing/tax.go"); !ok {
		t.Error("new file missing from rebuilt index")
	}
}

func TestManagerInvalidateForcesRebuild(t *testing.T) {
	dir := scaffoldGoRepo(t)
	mg, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	first, err := mg.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	mg.Invalidate()
	second, err := mg.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if first == second {
		t.Error("Invalidate did not force a rebuild")
	}
}

func TestRankPrefersNamedModule(t *testing.T) {
	dir := scaffoldGoRepo(t)
	mg, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ix, err := mg.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	got := Rank(ix, []string{"auth"}, 5)
	if len(got) == 0 {
		t.Fatal("no candidates for auth")
	}
	for _, f := range got {
		if !strings.HasPrefix(f.Path, "internal/auth/") {
			t.Errorf("unrelated file ranked for auth: %s", f.Path)
		}
	}
	if got[0].Path != "internal/auth/auth.go" {
		t.Errorf("top candidate = %s, want internal/auth/auth.go", got[0].Path)
	}
}

func TestRankNoTermsNoResults(t *testing.T) {
	ix := &Index{Files: []FileEntry{{Path: "a.go"}}}
	if got := Rank(ix, nil, 5); got != nil {
		t.Errorf("Rank(nil terms) = %v, want nil", got)
	}
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	dir := scaffoldGoRepo(t)
	mg, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	first, err := mg.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	w, err := NewWatcher(mg)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "internal/billing/ledger.go"), []byte("package billing\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mg.mu.RLock()
		dirty := mg.dirty
		mg.mu.RUnlock()
		if dirty {
			rebuilt, err := mg.Index()
			if err != nil {
				t.Fatalf("Index: %v", err)
			}
			if rebuilt == first {
				t.Fatal("index not rebuilt after invalidation")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher never invalidated the index")
}
