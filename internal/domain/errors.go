package domain

import "errors"

// Sentinel errors shared across layers. Raise sites wrap them with
// fmt.Errorf("%w: ...") and callers test with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)
