// Package presence tracks which recipients are currently listening. Every
// heartbeat refreshes the caller's entry and sweeps stale ones; there is no
// background timer, so stale entries linger until the next heartbeat from
// anyone.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/kabili207/geochat/pkg/kv"
)

const (
	// DefaultTTL is how long an entry survives without a heartbeat.
	DefaultTTL = 60 * time.Second

	registryKey = "presence"
)

// Options configures a Registry.
type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Registry is a single shared mapping of recipient ID to last-seen time.
type Registry struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// New creates a Registry backed by store.
func New(store kv.Store, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store: store,
		ttl:   opts.TTL,
		now:   opts.Now,
		log:   opts.Logger.WithGroup("presence"),
	}
}

// Heartbeat records that recipientID is alive, removes every entry older than
// the TTL and returns the remaining audience size.
func (r *Registry) Heartbeat(ctx context.Context, recipientID string) (int, error) {
	now := r.now()
	var count int

	err := r.store.Update(ctx, registryKey, 0, func(cur []byte, found bool) ([]byte, error) {
		entries := decode(cur, found)
		if recipientID != "" {
			entries[recipientID] = now
		}
		for id, seen := range entries {
			if now.Sub(seen) > r.ttl {
				delete(entries, id)
				r.log.Debug("recipient expired", "recipient", id, "last_seen", seen)
			}
		}
		count = len(entries)
		return json.Marshal(entries)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Snapshot returns the registered recipient IDs, sorted. It does not sweep,
// so the result may include entries that have gone stale since the last
// heartbeat.
func (r *Registry) Snapshot(ctx context.Context) ([]string, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AudienceSize returns the number of registered recipients without sweeping.
func (r *Registry) AudienceSize(ctx context.Context) (int, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (r *Registry) load(ctx context.Context) (map[string]time.Time, error) {
	entries := map[string]time.Time{}
	found, err := kv.GetJSON(ctx, r.store, registryKey, &entries)
	if err != nil {
		return nil, err
	}
	if !found || entries == nil {
		return map[string]time.Time{}, nil
	}
	return entries, nil
}

func decode(raw []byte, found bool) map[string]time.Time {
	entries := map[string]time.Time{}
	if !found {
		return entries
	}
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		return map[string]time.Time{}
	}
	return entries
}
