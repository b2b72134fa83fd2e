package themes

import "errors"

var (
	// ErrEmptyGuidance is returned for a vocabulary without guidance lines;
	// the selector's final fallback needs at least one.
	ErrEmptyGuidance = errors.New("vocabulary has no guidance lines")
)
