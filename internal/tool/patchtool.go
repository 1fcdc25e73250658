package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"tinker/internal/patch"
)

// applyPatch implements the apply_patch tool. The base_hash argument is
// the hash of the content the change was planned against; if the file
// drifted since, nothing is written and the error wraps
// patch.ErrConflict.
func (ts *Toolset) applyPatch(ctx context.Context, args Args) (string, error) {
	rel := args.String("path")
	abs, err := ts.resolve(KindApplyPatch, rel)
	if err != nil {
		return "", err
	}
	baseHash := args.String("base_hash")
	content := args.String("content")

	current, err := readOptional(abs)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	if got := hashOptional(current); got != baseHash {
		return "", &Error{
			Kind:    KindApplyPatch,
			Failure: FailureIO,
			Detail:  fmt.Sprintf("%s changed since it was read (hash %.12s, expected %.12s)", rel, orMissing(got), orMissing(baseHash)),
			Err:     patch.ErrConflict,
		}
	}

	currentStr := ""
	if current != nil {
		currentStr = string(current)
	}
	p, err := ts.engine.Compute(abs, currentStr, content)
	if err != nil {
		return "", failf(KindApplyPatch, FailureValidation, "computing patch for %s: %v", rel, err)
	}
	if err := ts.engine.Apply(p); err != nil {
		return "", err
	}

	ts.manifest.Invalidate()

	out, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding patch: %w", err)
	}
	return string(out), nil
}

// ParsePatchResult decodes the patch an apply_patch call returned, so
// rollback can revert it without recomputation.
func ParsePatchResult(output string) (*patch.Patch, error) {
	var p patch.Patch
	if err := json.Unmarshal([]byte(output), &p); err != nil {
		return nil, fmt.Errorf("decoding patch result: %w", err)
	}
	return &p, nil
}

// readOptional returns nil content for a missing file.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// hashOptional hashes content, treating a missing file as the empty
// hash used for creations.
func hashOptional(content []byte) string {
	if content == nil {
		return patch.HashMissing
	}
	return patch.HashContent(string(content))
}

func orMissing(hash string) string {
	if hash == "" {
		return "(missing)"
	}
	return hash
}
