package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store backed by ttlcache. When MaxEntries is
// reached the least recently used key is evicted.
type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
	// updateLock serialises Update calls; plain Get/Set rely on the cache's
	// own locking.
	updateLock sync.Mutex
}

// NewMemoryStore creates a store and starts its expiry loop. maxEntries of 0
// means unbounded.
func NewMemoryStore(maxEntries uint64) *MemoryStore {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](ttlcache.NoTTL),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](maxEntries))
	}
	cache := ttlcache.New[string, []byte](opts...)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() {
	s.cache.Stop()
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	item := s.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, []byte]())
	if item == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(item.Value()), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.cache.Set(key, cloneBytes(value), cacheTTL(ttl))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	var current []byte
	item := s.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, []byte]())
	if item != nil {
		current = cloneBytes(item.Value())
	}

	next, err := fn(current, item != nil)
	if errors.Is(err, Skip) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		s.cache.Delete(key)
		return nil
	}
	s.cache.Set(key, cloneBytes(next), cacheTTL(ttl))
	return nil
}

func cacheTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
