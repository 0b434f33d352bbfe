package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/kabili207/geochat/pkg/auth"
)

// DefaultHandleValidity is how long an issued handle can be used to attach
// a transport.
const DefaultHandleValidity = 2 * time.Hour

// Handles issues and validates delivery handles. A handle is "<id>.<secret>";
// only a salted hash of the secret is retained.
type Handles struct {
	cache *ttlcache.Cache[string, handle]
	log   *slog.Logger
}

type handle struct {
	UserID string
	Salt   string
	Hash   string
}

// NewHandles creates a handle registry. Call Close when done.
func NewHandles(validity time.Duration, logger *slog.Logger) *Handles {
	if validity <= 0 {
		validity = DefaultHandleValidity
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, handle](validity),
		ttlcache.WithDisableTouchOnHit[string, handle](),
	)
	go cache.Start()
	return &Handles{cache: cache, log: logger.WithGroup("handles")}
}

// Close stops the expiry loop.
func (h *Handles) Close() {
	h.cache.Stop()
}

// IssueHandle creates a new handle for userID. Earlier handles stay valid
// until they expire.
func (h *Handles) IssueHandle(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issuing handle: empty user")
	}
	id, err := auth.RandomHex(8)
	if err != nil {
		return "", fmt.Errorf("issuing handle: %w", err)
	}
	secret, err := auth.RandomHex(16)
	if err != nil {
		return "", fmt.Errorf("issuing handle: %w", err)
	}
	salt, err := auth.RandomHex(8)
	if err != nil {
		return "", fmt.Errorf("issuing handle: %w", err)
	}
	h.cache.Set(id, handle{
		UserID: userID,
		Salt:   salt,
		Hash:   auth.HashTokenWithSalt(secret, salt),
	}, ttlcache.DefaultTTL)
	h.log.Debug("handle issued", "user", userID, "id", id)
	return id + "." + secret, nil
}

// Validate reports whether token is a live handle for userID.
func (h *Handles) Validate(userID, token string) bool {
	if userID == "" {
		return false
	}
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return false
	}
	item := h.cache.Get(id)
	if item == nil {
		return false
	}
	entry := item.Value()
	return entry.UserID == userID && auth.TokenMatches(secret, entry.Salt, entry.Hash)
}
