package storage

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status change outside the whitelist.
	// The wrapping error names the legal next states.
	ErrInvalidTransition = errors.New("invalid transition")
)
