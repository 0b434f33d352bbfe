// Package channelkey caches per-user delivery channel handles so that page
// loads within an hour reuse the same handle instead of issuing a new one.
package channelkey

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
)

const (
	// DefaultReuse is how long an issued handle is handed out again.
	DefaultReuse = 3500 * time.Second
	// DefaultTTL is how long the cache entry itself lives.
	DefaultTTL = 3600 * time.Second

	keyPrefix = "channelkey:"
)

// Issuer creates a new delivery handle for a user.
type Issuer interface {
	IssueHandle(ctx context.Context, userID string) (string, error)
}

// Options configures a Cache.
type Options struct {
	Reuse  time.Duration
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Cache hands out delivery handles, issuing a fresh one once the cached
// handle is older than the reuse window.
type Cache struct {
	store  kv.Store
	issuer Issuer
	reuse  time.Duration
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

type entry struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// New creates a Cache.
func New(store kv.Store, issuer Issuer, opts Options) *Cache {
	if opts.Reuse <= 0 {
		opts.Reuse = DefaultReuse
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:  store,
		issuer: issuer,
		reuse:  opts.Reuse,
		ttl:    opts.TTL,
		now:    opts.Now,
		log:    opts.Logger.WithGroup("channelkey"),
	}
}

// GetOrIssue returns the user's cached handle if it is younger than the
// reuse window, otherwise issues and caches a new one.
func (c *Cache) GetOrIssue(ctx context.Context, userID string) (string, error) {
	key := keyPrefix + userID
	now := c.now()

	var cached entry
	found, err := kv.GetJSON(ctx, c.store, key, &cached)
	if err != nil {
		c.log.Warn("channel key read failed", "user", userID, "error", err)
	}
	if found && cached.Token != "" && now.Sub(cached.IssuedAt) < c.reuse {
		return cached.Token, nil
	}

	token, err := c.issuer.IssueHandle(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%w: issuing channel for %s: %v", models.ErrExternalService, userID, err)
	}

	if err := kv.SetJSON(ctx, c.store, key, entry{Token: token, IssuedAt: now}, c.ttl); err != nil {
		c.log.Warn("channel key write failed", "user", userID, "error", err)
	}
	c.log.Debug("channel key issued", "user", userID)
	return token, nil
}
