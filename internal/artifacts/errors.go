package artifacts

import "errors"

// ErrEmptySource is returned when a provider artifact reference is blank.
var ErrEmptySource = errors.New("empty artifact source url")
