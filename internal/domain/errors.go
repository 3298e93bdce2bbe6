package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrLockHeld         = errors.New("lock already held")
	ErrIdempotentReplay = errors.New("operation already in progress")
	ErrStale            = errors.New("decision no longer applies")
	ErrInvariant        = errors.New("position invariant violated")
	ErrConfigInvalid    = errors.New("invalid risk configuration")
	ErrSwapRejected     = errors.New("swap rejected")
	ErrContextDone      = errors.New("context cancelled")
)
