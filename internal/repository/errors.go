package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrActiveDeploymentExists indicates a pending or in-progress deployment
// already exists for the same user and portfolio.
var ErrActiveDeploymentExists = errors.New("repository: active deployment exists")

// ErrStaleTransition indicates a compare-and-transition found the record in a
// state outside the expected set. Callers treat this as a no-op.
var ErrStaleTransition = errors.New("repository: stale transition")
