package memory

import "errors"

var (
	// ErrInvalidKey is returned when a key was never remembered.
	ErrInvalidKey = errors.New("invalid key")
)
