package vcs

import "errors"

// ErrNotRepo is returned when the workspace is not inside a git
// repository.
var ErrNotRepo = errors.New("workspace is not a git repository")

// ErrNothingToCommit is returned when a commit is requested but the
// working tree is clean.
var ErrNothingToCommit = errors.New("nothing to commit: working tree clean")
