package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecipient means a push target is unknown or its handle expired.
	ErrInvalidRecipient = errors.New("invalid or expired recipient")
	// ErrExternalService wraps failures of the geolocation service or the
	// delivery-handle provider.
	ErrExternalService = errors.New("external service failure")
	// ErrNotAuthenticated means the request carries no presence identity.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// RateLimitError rejects a post from a squelched user.
type RateLimitError struct {
	Score float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: squelch score %.4f", e.Score)
}
