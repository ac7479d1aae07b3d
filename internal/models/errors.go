package models

import "errors"

// Error kinds shared by the core operations. Handlers match them with
// errors.Is and turn them into user-facing messages; none of them signals
// a broken invariant.
var (
	ErrValidation       = errors.New("validation failed")
	ErrStateConflict    = errors.New("state conflict")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrExternal         = errors.New("external collaborator failure")
)
