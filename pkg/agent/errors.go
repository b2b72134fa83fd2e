package agent

import "errors"

var (
	// ErrNegativeSentiment is returned when a response scores below the
	// sentiment floor. The director has been stopped by the time it is seen.
	ErrNegativeSentiment = errors.New("negative sentiment")
	ErrUnknownActor      = errors.New("unknown actor")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrInvalidInterval   = errors.New("invalid interval")
	ErrNotBound          = errors.New("actor has no session")
)
