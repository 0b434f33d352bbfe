// Package hub ties the relay together: it gates posts on the squelch score,
// geotags and persists them, then fans each message out to everyone present.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/iter"

	"github.com/kabili207/geochat/pkg/channelkey"
	"github.com/kabili207/geochat/pkg/delivery"
	"github.com/kabili207/geochat/pkg/geo"
	"github.com/kabili207/geochat/pkg/models"
	"github.com/kabili207/geochat/pkg/playback"
	"github.com/kabili207/geochat/pkg/presence"
	"github.com/kabili207/geochat/pkg/squelch"
	"github.com/kabili207/geochat/pkg/store"
)

const (
	// DefaultHistoryLimit is how many messages survive a trim.
	DefaultHistoryLimit = 100
	// DefaultMaxMessageLen bounds the message body in characters.
	DefaultMaxMessageLen = 500
)

// Deps are the collaborators the hub drives.
type Deps struct {
	Squelch   *squelch.Limiter
	Geo       *geo.Resolver
	Presence  *presence.Registry
	Playback  *playback.Cache
	Channels  *channelkey.Cache
	Messages  store.MessageStore
	Transport delivery.Transport
}

// Options tunes the hub. Zero values fall back to the defaults.
type Options struct {
	HistoryLimit  int
	MaxMessageLen int
	Version       int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Hub is safe for concurrent use; all shared state lives in its
// collaborators.
type Hub struct {
	deps         Deps
	historyLimit int
	maxLen       int
	version      int
	now          func() time.Time
	log          *slog.Logger
}

// New creates a Hub.
func New(deps Deps, opts Options) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = DefaultMaxMessageLen
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		deps:         deps,
		historyLimit: opts.HistoryLimit,
		maxLen:       opts.MaxMessageLen,
		version:      opts.Version,
		now:          opts.Now,
		log:          opts.Logger.WithGroup("hub"),
	}
}

// PostRequest is a message submitted by a present user.
type PostRequest struct {
	UserID   string
	Nick     string
	Body     string
	SourceIP string
}

// PostResult describes a committed post. Failed counts recipients the
// message could not be delivered to.
type PostResult struct {
	Message    models.Message
	Recipients int
	Failed     int
}

// Post validates, persists and broadcasts a message. Once the message is
// persisted the post succeeds regardless of delivery failures.
func (h *Hub) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if req.UserID == "" {
		return nil, models.ErrNotAuthenticated
	}
	if req.Body == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Body) > h.maxLen {
		return nil, fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, utf8.RuneCountInString(req.Body), h.maxLen)
	}

	if err := h.deps.Squelch.Check(ctx, req.UserID); err != nil {
		return nil, err
	}

	point, err := h.deps.Geo.Resolve(ctx, req.SourceIP)
	if err != nil {
		return nil, err
	}

	msg := models.Message{
		Author:    req.UserID,
		Nick:      strings.TrimSpace(req.Nick),
		Body:      req.Body,
		OriginIP:  req.SourceIP,
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		CreatedAt: h.now().UTC().Truncate(time.Millisecond),
	}
	if _, err := h.deps.Messages.Append(ctx, &msg); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	view := msg.View()
	if err := h.deps.Playback.Append(ctx, view); err != nil {
		h.log.Warn("playback append failed", "id", msg.ID, "error", err)
	}

	result := &PostResult{Message: msg}
	recipients, err := h.deps.Presence.Snapshot(ctx)
	if err != nil {
		h.log.Error("presence snapshot failed", "id", msg.ID, "error", err)
		return result, nil
	}
	result.Recipients = len(recipients)

	payload, err := json.Marshal(view)
	if err != nil {
		h.log.Error("encoding message failed", "id", msg.ID, "error", err)
		return result, nil
	}
	if err := h.broadcast(ctx, recipients, payload); err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			result.Failed = merr.Len()
		}
		h.log.Warn("delivery failures", "id", msg.ID, "failed", result.Failed, "error", err)
	}

	h.log.Info("message posted", "id", msg.ID, "user", req.UserID, "recipients", result.Recipients)
	return result, nil
}

// broadcast attempts delivery to every recipient concurrently and returns
// the collected failures.
func (h *Hub) broadcast(ctx context.Context, recipients []string, payload []byte) error {
	errs := iter.Map(recipients, func(id *string) error {
		if err := h.deps.Transport.Send(ctx, *id, payload); err != nil {
			return fmt.Errorf("deliver to %s: %w", *id, err)
		}
		return nil
	})

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Heartbeat refreshes recipientID's presence and reports the audience.
func (h *Hub) Heartbeat(ctx context.Context, recipientID string) (models.Presence, error) {
	if recipientID == "" {
		return models.Presence{}, models.ErrNotAuthenticated
	}
	n, err := h.deps.Presence.Heartbeat(ctx, recipientID)
	if err != nil {
		return models.Presence{}, err
	}
	return models.Presence{Users: n, Version: h.version}, nil
}

// Playback returns recent history, oldest first.
func (h *Hub) Playback(ctx context.Context) ([]models.MessageView, error) {
	return h.deps.Playback.Get(ctx)
}

// AudienceSize returns the current presence count without sweeping.
func (h *Hub) AudienceSize(ctx context.Context) (int, error) {
	return h.deps.Presence.AudienceSize(ctx)
}

// Registration is what a client needs to start listening.
type Registration struct {
	UserID   string
	Token    string
	Point    geo.Point
	Audience int
}

// Register resolves the visitor's location and hands out a delivery
// handle. A new user id is minted when userID is empty.
func (h *Hub) Register(ctx context.Context, userID, sourceIP string) (*Registration, error) {
	if userID == "" {
		userID = uuid.NewString()
	}

	point, err := h.deps.Geo.Resolve(ctx, sourceIP)
	if err != nil {
		return nil, err
	}

	token, err := h.deps.Channels.GetOrIssue(ctx, userID)
	if err != nil {
		return nil, err
	}

	audience, err := h.deps.Presence.AudienceSize(ctx)
	if err != nil {
		h.log.Warn("audience size unavailable", "error", err)
	}

	return &Registration{
		UserID:   userID,
		Token:    token,
		Point:    point,
		Audience: audience,
	}, nil
}

// ReportViolation adds to userID's squelch score and returns the new score.
func (h *Hub) ReportViolation(ctx context.Context, userID string) (float64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	return h.deps.Squelch.RecordViolation(ctx, userID)
}

// TrimHistory deletes all but the most recent messages from the durable
// store.
func (h *Hub) TrimHistory(ctx context.Context) (int64, error) {
	n, err := h.deps.Messages.DeleteBeyond(ctx, h.historyLimit)
	if err != nil {
		return 0, fmt.Errorf("trimming history: %w", err)
	}
	if n > 0 {
		if err := h.deps.Playback.Invalidate(ctx); err != nil {
			h.log.Warn("playback invalidate failed", "error", err)
		}
	}
	h.log.Info("history trimmed", "deleted", n, "kept", h.historyLimit)
	return n, nil
}
