package hub

import "errors"

// Post validation errors
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
)

// ErrMissingUser is returned when a report names no user.
var ErrMissingUser = errors.New("user is required")
