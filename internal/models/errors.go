package models

import "errors"

var (
	// Validation errors.
	ErrInvalidJobSpec    = errors.New("invalid job spec")
	ErrInvalidState      = errors.New("invalid job state")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Store errors.
	ErrNotFound       = errors.New("job not found")
	ErrDuplicateID    = errors.New("job id already exists")
	ErrStateConflict  = errors.New("job state changed concurrently")
	ErrStorageFailure = errors.New("storage failure")
)
