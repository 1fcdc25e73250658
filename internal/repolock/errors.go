package repolock

import "errors"

// ErrBusy is returned when the repository is already locked by another
// task and the acquire timeout elapsed before it was released.
var ErrBusy = errors.New("repository busy: locked by another task")
