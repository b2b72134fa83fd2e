package session

import "errors"

var (
	// ErrNotLoaded is returned when a completion runs while no model handle
	// is available for the session's file.
	ErrNotLoaded = errors.New("model not loaded")
	// ErrCacheClosed is returned by Open after Close.
	ErrCacheClosed = errors.New("session cache closed")
)
