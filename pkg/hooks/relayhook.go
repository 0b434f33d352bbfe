package hooks

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/kabili207/geochat/pkg/delivery"
	"github.com/kabili207/geochat/pkg/models"
)

// DefaultTopicRoot prefixes every delivery topic.
const DefaultTopicRoot = "geochat"

// HandleValidator checks a delivery handle presented as the MQTT password.
type HandleValidator interface {
	Validate(userID, token string) bool
}

// RelayHookOptions contains configuration settings for the hook.
type RelayHookOptions struct {
	Server    *mqtt.Server
	Handles   HandleValidator
	TopicRoot string
}

var _ delivery.Transport = (*RelayHook)(nil)

// RelayHook authenticates chat subscribers on the embedded broker and
// publishes messages to their personal topic.
type RelayHook struct {
	mqtt.HookBase
	config       *RelayHookOptions
	knownClients map[*mqtt.Client]string
	clientLock   sync.RWMutex
}

func (h *RelayHook) ID() string {
	return "relay-hook"
}

func (h *RelayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
	}, []byte{b})
}

func (h *RelayHook) Init(config any) error {
	h.Log.Info("initialised")
	opts, ok := config.(*RelayHookOptions)
	if !ok || opts == nil || opts.Server == nil || opts.Handles == nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = opts
	if h.config.TopicRoot == "" {
		h.config.TopicRoot = DefaultTopicRoot
	}

	h.knownClients = make(map[*mqtt.Client]string)
	return nil
}

// Topic returns the topic a user subscribes to for deliveries.
func (h *RelayHook) Topic(userID string) string {
	return TopicFor(h.config.TopicRoot, userID)
}

// TopicFor returns the delivery topic for userID under root.
func TopicFor(root, userID string) string {
	return fmt.Sprintf("%s/%s/messages", root, userID)
}

// OnConnectAuthenticate accepts clients whose username is their user id
// and whose password is a live delivery handle.
func (h *RelayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	if !h.validateUser(user, string(pk.Connect.Password)) {
		h.Log.Info("client failed authentication check",
			"username", user,
			"client", cl.ID,
			"remote", cl.Net.Remote)
		return false
	}

	h.clientLock.Lock()
	h.knownClients[cl] = user
	h.clientLock.Unlock()
	h.Log.Info("client authenticated", "username", user, "client", cl.ID)
	return true
}

// OnACLCheck only lets clients read their own delivery topic.
func (h *RelayHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}
	if write {
		return false
	}

	h.clientLock.RLock()
	user, ok := h.knownClients[cl]
	h.clientLock.RUnlock()
	if !ok {
		h.Log.Warn("unknown client in ACL check", "client", cl.ID, "topic", topic)
		return false
	}

	allowed := auth.RString(h.Topic(user)).FilterMatches(topic)
	if !allowed {
		h.Log.Debug("client failed ACL check", "client", cl.ID, "username", user, "topic", topic)
	}
	return allowed
}

func (h *RelayHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clientLock.Lock()
	delete(h.knownClients, cl)
	h.clientLock.Unlock()
	if err != nil {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire)
	}
}

func (h *RelayHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	h.Log.Info(fmt.Sprintf("subscribed qos=%v", reasonCodes), "client", cl.ID, "filters", pk.Filters)
}

func (h *RelayHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Info("unsubscribed", "client", cl.ID, "filters", pk.Filters)
}

// Connected reports whether userID has an authenticated broker session.
func (h *RelayHook) Connected(userID string) bool {
	h.clientLock.RLock()
	defer h.clientLock.RUnlock()
	for _, u := range h.knownClients {
		if u == userID {
			return true
		}
	}
	return false
}

// Send publishes payload on the recipient's delivery topic.
func (h *RelayHook) Send(ctx context.Context, recipientID string, payload []byte) error {
	if !h.Connected(recipientID) {
		return models.ErrInvalidRecipient
	}
	if err := h.config.Server.Publish(h.Topic(recipientID), payload, false, 0); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", recipientID, err)
	}
	return nil
}
