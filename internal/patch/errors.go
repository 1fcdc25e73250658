package patch

import "errors"

// Diff engine errors.
var (
	// ErrConflict is returned when the on-disk content no longer matches the
	// patch's recorded base hash. The file is never written on conflict.
	ErrConflict = errors.New("patch conflict: base content changed")

	// ErrNotApplied is returned when reverting a patch that was never applied.
	ErrNotApplied = errors.New("patch not applied")

	// ErrAlreadyApplied is returned when applying a patch twice.
	ErrAlreadyApplied = errors.New("patch already applied")

	// ErrRevert is returned when an applied patch cannot be inverted cleanly,
	// usually because the file drifted after application.
	ErrRevert = errors.New("revert failed")
)
