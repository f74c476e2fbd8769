package persistence

import "errors"

var (
	// ErrDuplicateID is returned when inserting a record whose id already exists.
	ErrDuplicateID = errors.New("action id already exists")

	// ErrNotFound is returned when a referenced action record does not exist.
	ErrNotFound = errors.New("action not found")

	// ErrConflict is returned when a conditional transition loses the race:
	// the record's current phase did not match the expected phase, or its
	// lease is held by another worker. Callers claiming due actions treat
	// this as "someone else got there first" and move on.
	ErrConflict = errors.New("action phase conflict")
)
