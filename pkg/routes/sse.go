package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kabili207/geochat/pkg/delivery"
	"github.com/kabili207/geochat/pkg/models"
)

const streamBuffer = 16

var errStreamBacklogged = errors.New("stream backlogged")

var _ delivery.Transport = (*StreamNotifier)(nil)

// StreamNotifier delivers messages to browsers listening on server-sent
// event streams.
type StreamNotifier struct {
	subscribers map[string]map[chan []byte]struct{}
	mu          sync.RWMutex
}

// NewStreamNotifier creates a new StreamNotifier
func NewStreamNotifier() *StreamNotifier {
	return &StreamNotifier{
		subscribers: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe adds a stream for userID
func (sn *StreamNotifier) Subscribe(userID string) chan []byte {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	ch := make(chan []byte, streamBuffer)
	set, ok := sn.subscribers[userID]
	if !ok {
		set = make(map[chan []byte]struct{})
		sn.subscribers[userID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a stream
func (sn *StreamNotifier) Unsubscribe(userID string, ch chan []byte) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if set, ok := sn.subscribers[userID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(sn.subscribers, userID)
		}
	}
	close(ch)
}

// Send queues payload on every stream the recipient has open. A stream
// whose buffer is full drops the message.
func (sn *StreamNotifier) Send(ctx context.Context, recipientID string, payload []byte) error {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	set := sn.subscribers[recipientID]
	if len(set) == 0 {
		return models.ErrInvalidRecipient
	}
	queued := 0
	for ch := range set {
		select {
		case ch <- payload:
			queued++
		default:
		}
	}
	if queued == 0 {
		return fmt.Errorf("sse send to %s: %w", recipientID, errStreamBacklogged)
	}
	return nil
}

// SSE endpoint for message delivery
func (wr *WebRouter) messageStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := wr.authorizeHandle(r)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	msgCh := wr.Streams.Subscribe(userID)
	defer wr.Streams.Unsubscribe(userID, msgCh)

	ctx := r.Context()

	// Heartbeat to keep connection alive
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-msgCh:
			// Encoded views never contain raw newlines.
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
				slog.Error("error sending SSE message", "user", userID, "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
