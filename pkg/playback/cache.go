// Package playback keeps the most recent messages in the shared store so
// history requests rarely reach the database.
//
// The cached sequence is rebuilt from the database on a miss and extended in
// place after each successful post. If the entry is evicted while a post is
// in flight, a rebuild can race the append and miss that message until the
// next rebuild; this divergence is accepted.
package playback

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
	"github.com/kabili207/geochat/pkg/store"
)

const (
	// DefaultSize is the number of messages kept.
	DefaultSize = 100

	cacheKey = "playback"
)

// Options configures a Cache.
type Options struct {
	Size   int
	Logger *slog.Logger
}

// Cache serves recent history, oldest first.
type Cache struct {
	store    kv.Store
	messages store.MessageStore
	size     int
	log      *slog.Logger
}

// New creates a Cache.
func New(cache kv.Store, messages store.MessageStore, opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:    cache,
		messages: messages,
		size:     opts.Size,
		log:      opts.Logger.WithGroup("playback"),
	}
}

// Get returns the cached history or rebuilds it from the message store.
func (c *Cache) Get(ctx context.Context) ([]models.MessageView, error) {
	var views []models.MessageView
	found, err := kv.GetJSON(ctx, c.store, cacheKey, &views)
	if err != nil {
		c.log.Warn("playback cache read failed", "error", err)
	}
	// A stored null decodes to a nil slice; rebuild rather than serve it.
	if found && views != nil {
		return views, nil
	}

	recent, err := c.messages.QueryRecent(ctx, c.size)
	if err != nil {
		return nil, err
	}
	views = make([]models.MessageView, 0, len(recent))
	for i := range recent {
		views = append(views, recent[i].View())
	}
	slices.Reverse(views)

	if err := kv.SetJSON(ctx, c.store, cacheKey, views, 0); err != nil {
		c.log.Warn("playback cache write failed", "error", err)
	}
	c.log.Debug("playback rebuilt", "count", len(views))
	return views, nil
}

// Append adds view to the end of the cached history, dropping the oldest
// entries past the size limit. It does nothing when nothing is cached; the
// next Get rebuilds from the database. Callers must only append messages
// that have already been persisted.
func (c *Cache) Append(ctx context.Context, view models.MessageView) error {
	return c.store.Update(ctx, cacheKey, 0, func(cur []byte, found bool) ([]byte, error) {
		if !found {
			return nil, kv.Skip
		}
		var views []models.MessageView
		if err := json.Unmarshal(cur, &views); err != nil {
			// Let the next Get rebuild it.
			return nil, nil
		}
		views = append(views, view)
		if over := len(views) - c.size; over > 0 {
			views = views[over:]
		}
		return json.Marshal(views)
	})
}

// Invalidate drops the cached history.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, cacheKey)
}
