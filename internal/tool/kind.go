package tool

import "sort"

// Kind identifies a tool. The set is closed: plans may only reference
// these kinds, and the registry rejects registration of anything else.
type Kind string

const (
	// KindReadFile reads a file, optionally a line range, from the
	// workspace.
	KindReadFile Kind = "read_file"

	// KindSearchCode greps indexed workspace files for a pattern.
	KindSearchCode Kind = "search_code"

	// KindApplyPatch replaces a file's content through the diff engine,
	// guarded by the base content hash captured when the file was read.
	KindApplyPatch Kind = "apply_patch"

	// KindRunCommand executes a shell command under the safety policy
	// with a hard timeout.
	KindRunCommand Kind = "run_command"

	// KindVCSCommit stages and commits the working tree.
	KindVCSCommit Kind = "vcs_commit"

	// KindVCSRevert reverts a previously created commit.
	KindVCSRevert Kind = "vcs_revert"
)

var knownKinds = map[Kind]bool{
	KindReadFile:   true,
	KindSearchCode: true,
	KindApplyPatch: true,
	KindRunCommand: true,
	KindVCSCommit:  true,
	KindVCSRevert:  true,
}

// Valid reports whether k is one of the closed tool kinds.
func (k Kind) Valid() bool { return knownKinds[k] }

// Kinds returns the closed kind set in stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mutates reports whether the kind changes workspace or repository
// state. Read-only kinds are safe to replay from cached plans.
func (k Kind) Mutates() bool {
	switch k {
	case KindApplyPatch, KindRunCommand, KindVCSCommit, KindVCSRevert:
		return true
	default:
		return false
	}
}
