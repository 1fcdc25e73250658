package intent

import "errors"

// ErrAmbiguous reports that a request could not be classified with enough
// confidence to act on. Callers recover by asking the clarifying question
// instead of guessing.
var ErrAmbiguous = errors.New("request classification ambiguous")
