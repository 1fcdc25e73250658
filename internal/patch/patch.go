// Package patch is the diff engine: it computes reversible patches between
// content versions and applies them atomically against a recorded base hash.
// Every mutation of repository files in the agent goes through this package.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"tinker/internal/logging"
)

// Patch is a forward/inverse diff pair bound to a base content hash. It is
// fully serializable so applied patches can be kept in a rollback log.
type Patch struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	BaseHash   string    `json:"base_hash"`
	ResultHash string    `json:"result_hash"`
	Forward    string    `json:"forward"`
	Inverse    string    `json:"inverse"`
	IsCreate   bool      `json:"is_create,omitempty"`
	IsDelete   bool      `json:"is_delete,omitempty"`
	Applied    bool      `json:"applied"`
	AppliedAt  time.Time `json:"applied_at,omitempty"`
}

// Engine computes and applies patches. The rename step is a field so tests
// can inject faults into the temp-file-then-move sequence.
type Engine struct {
	dmp    *diffmatchpatch.DiffMatchPatch
	rename func(oldpath, newpath string) error
	log    *zap.Logger
}

// NewEngine creates a diff engine.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // diffs must be exact, never time-boxed
	return &Engine{
		dmp:    dmp,
		rename: os.Rename,
		log:    logging.Named("patch"),
	}
}

// HashContent returns the hex sha256 of content. The empty string hashes like
// any other content; a missing file is represented by HashMissing instead.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// HashMissing is the base hash recorded for a file that does not exist yet.
const HashMissing = ""

// HashFile returns the hex sha256 of the file at path, or HashMissing when
// the file does not exist.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return HashMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return HashContent(string(data)), nil
}

// Compute builds a patch that transforms oldContent into newContent for the
// file at path. The inverse direction is recorded at the same time so revert
// never has to recompute anything.
func (e *Engine) Compute(path, oldContent, newContent string) (*Patch, error) {
	if oldContent == newContent {
		return nil, fmt.Errorf("compute %s: contents are identical", path)
	}

	forward := e.dmp.PatchToText(e.dmp.PatchMake(oldContent, newContent))
	inverse := e.dmp.PatchToText(e.dmp.PatchMake(newContent, oldContent))

	p := &Patch{
		ID:         uuid.New().String(),
		Path:       path,
		ResultHash: HashContent(newContent),
		Forward:    forward,
		Inverse:    inverse,
	}
	if oldContent == "" {
		p.IsCreate = true
		p.BaseHash = HashMissing
	} else {
		p.BaseHash = HashContent(oldContent)
	}
	if newContent == "" {
		p.IsDelete = true
	}
	return p, nil
}

// Unified renders a line-level unified diff between two contents for display
// and plan review. It is presentation only and never used to apply changes.
func (e *Engine) Unified(oldContent, newContent string) string {
	a, b, lines := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lines)

	var out []byte
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitKeepNonEmpty(d.Text) {
			out = append(out, prefix...)
			out = append(out, line...)
			out = append(out, '\n')
		}
	}
	return string(out)
}

// Apply checks the on-disk base hash and atomically writes the patched
// content. On any failure the original file is untouched. Success marks the
// patch applied and stamps AppliedAt.
func (e *Engine) Apply(p *Patch) error {
	if p.Applied {
		return fmt.Errorf("apply %s: %w", p.Path, ErrAlreadyApplied)
	}

	current, mode, err := readWithMode(p.Path)
	if err != nil {
		return fmt.Errorf("apply %s: %w", p.Path, err)
	}

	currentHash := HashMissing
	if current != nil {
		currentHash = HashContent(string(current))
	}
	if currentHash != p.BaseHash {
		return fmt.Errorf("apply %s: %w", p.Path, ErrConflict)
	}

	if p.IsDelete {
		if err := os.Remove(p.Path); err != nil {
			return fmt.Errorf("apply %s: %w", p.Path, err)
		}
		e.markApplied(p)
		return nil
	}

	patched, err := e.patchText(p.Forward, string(current))
	if err != nil {
		return fmt.Errorf("apply %s: %w", p.Path, err)
	}
	// PatchApply fuzzy-matches; an exact base must still reproduce the
	// exact recorded result.
	if HashContent(patched) != p.ResultHash {
		return fmt.Errorf("apply %s: result hash mismatch: %w", p.Path, ErrConflict)
	}

	if p.IsCreate {
		if err := os.MkdirAll(filepath.Dir(p.Path), 0755); err != nil {
			return fmt.Errorf("apply %s: %w", p.Path, err)
		}
	}
	if err := e.atomicWrite(p.Path, []byte(patched), mode); err != nil {
		return fmt.Errorf("apply %s: %w", p.Path, err)
	}
	e.markApplied(p)
	return nil
}

// Revert restores the exact base content of an applied patch. The file must
// still match the patch's result hash; drift after application is reported as
// ErrRevert with no write performed.
func (e *Engine) Revert(p *Patch) error {
	if !p.Applied {
		return fmt.Errorf("revert %s: %w", p.Path, ErrNotApplied)
	}

	current, mode, err := readWithMode(p.Path)
	if err != nil {
		return fmt.Errorf("revert %s: %w", p.Path, err)
	}

	currentHash := HashMissing
	if current != nil {
		currentHash = HashContent(string(current))
	}
	wantHash := p.ResultHash
	if p.IsDelete {
		wantHash = HashMissing
	}
	if currentHash != wantHash {
		return fmt.Errorf("revert %s: file changed after apply: %w", p.Path, ErrRevert)
	}

	if p.IsCreate {
		if err := os.Remove(p.Path); err != nil {
			return fmt.Errorf("revert %s: %w", p.Path, err)
		}
		p.Applied = false
		return nil
	}

	restored, err := e.patchText(p.Inverse, string(current))
	if err != nil {
		return fmt.Errorf("revert %s: %w", p.Path, err)
	}
	if HashContent(restored) != p.BaseHash {
		return fmt.Errorf("revert %s: base hash mismatch: %w", p.Path, ErrRevert)
	}
	if err := e.atomicWrite(p.Path, []byte(restored), mode); err != nil {
		return fmt.Errorf("revert %s: %w", p.Path, err)
	}
	p.Applied = false
	return nil
}

// Preimage reconstructs the base content of an applied patch from its
// result content, using the recorded inverse direction.
func (e *Engine) Preimage(p *Patch, result string) (string, error) {
	base, err := e.patchText(p.Inverse, result)
	if err != nil {
		return "", fmt.Errorf("preimage %s: %w", p.Path, err)
	}
	if HashContent(base) != p.BaseHash {
		return "", fmt.Errorf("preimage %s: base hash mismatch: %w", p.Path, ErrConflict)
	}
	return base, nil
}

func (e *Engine) markApplied(p *Patch) {
	p.Applied = true
	p.AppliedAt = time.Now()
	e.log.Debug("patch applied", zap.String("path", p.Path), zap.String("id", p.ID))
}

// patchText applies serialized patch text to content and fails if any hunk
// does not apply cleanly.
func (e *Engine) patchText(text, content string) (string, error) {
	patches, err := e.dmp.PatchFromText(text)
	if err != nil {
		return "", fmt.Errorf("parse patch: %w", err)
	}
	result, oks := e.dmp.PatchApply(patches, content)
	for i, ok := range oks {
		if !ok {
			return "", fmt.Errorf("hunk %d did not apply: %w", i, ErrConflict)
		}
	}
	return result, nil
}

// atomicWrite writes data through a temp file in the same directory and
// renames it into place, so a crash mid-write never corrupts the target.
func (e *Engine) atomicWrite(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tinker-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := e.rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

// readWithMode reads a file and its mode. A missing file yields nil content
// and the default mode for new files.
func readWithMode(path string) ([]byte, fs.FileMode, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, 0644, nil
	}
	if err != nil {
		return nil, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return data, info.Mode().Perm(), nil
}

func splitKeepNonEmpty(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
