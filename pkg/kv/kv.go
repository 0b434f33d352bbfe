// Package kv defines the shared key/value store that every request handler
// reads and writes. Values are opaque bytes; callers own the encoding.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// Skip may be returned from an UpdateFunc to leave the key untouched.
	Skip = errors.New("kv: skip update")
)

// UpdateFunc receives the current value of a key and returns the value to
// store. Returning a nil slice deletes the key; returning Skip leaves it as is.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is the shared cache contract. A ttl <= 0 means the entry never
// expires on its own, although the store may still evict it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Update performs an atomic read-modify-write of a single key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// GetJSON loads key and decodes it into v. A missing key and a payload that
// fails to decode both report found=false so callers take the recompute path.
func GetJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}
