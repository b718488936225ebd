// Package chat layers an optimistic message protocol over the signaling
// channel: sends are shown immediately, then reconciled against the server
// echo and persistence notices by correlation id.
package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/signaling"
)

// dedupeWindow bounds the timestamp proximity used to match echoes that
// arrive without a correlation id (cross-device same-user case). This
// matching is best-effort: rapid identical messages inside the window can
// collapse; messages with a correlation id never use it.
const dedupeWindow = 5 * time.Second

// Message is one visible chat entry. ID is assigned by the server once
// persisted; ClientID is the local correlation id.
type Message struct {
	ID          string
	ClientID    string
	Text        string
	SenderType  string
	DisplayName string
	Timestamp   time.Time
	Persisted   bool
	Failed      bool
	Error       string
}

// Channel owns the message list for one session. Display order is arrival
// order; persistence completion never reorders entries.
type Channel struct {
	mu          sync.Mutex
	sessionID   string
	displayName string
	senderType  string
	sender      signaling.Sender
	messages    []*Message
	byClient    map[string]*Message
	onUpdate    func()
	logger      *zap.Logger
	now         func() time.Time
}

func NewChannel(sessionID, displayName, senderType string, sender signaling.Sender, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		sessionID:   sessionID,
		displayName: displayName,
		senderType:  senderType,
		sender:      sender,
		byClient:    make(map[string]*Message),
		logger:      logger.Named("chat"),
		now:         time.Now,
	}
}

// OnUpdate registers a callback fired after every change to the message
// list.
func (c *Channel) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Preload seeds the list with already-persisted history, oldest first.
func (c *Channel) Preload(history []Message) {
	c.mu.Lock()
	for i := range history {
		msg := history[i]
		msg.Persisted = true
		m := &msg
		c.messages = append(c.messages, m)
		if m.ClientID != "" {
			c.byClient[m.ClientID] = m
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Send appends an optimistic entry and emits it with a fresh correlation
// id. The entry flips to persisted or failed when the server notices land.
func (c *Channel) Send(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty message")
	}
	clientID := uuid.NewString()

	c.mu.Lock()
	msg := &Message{
		ClientID:    clientID,
		Text:        text,
		SenderType:  c.senderType,
		DisplayName: c.displayName,
		Timestamp:   c.now(),
	}
	c.messages = append(c.messages, msg)
	c.byClient[clientID] = msg
	c.mu.Unlock()
	c.notify()

	if err := c.emit(msg); err != nil {
		c.markFailed(clientID, "", err.Error())
		return clientID, err
	}
	return clientID, nil
}

// Resubmit retries a failed message under the same visible slot.
func (c *Channel) Resubmit(clientID string) error {
	c.mu.Lock()
	msg, ok := c.byClient[clientID]
	if !ok || !msg.Failed {
		c.mu.Unlock()
		return fmt.Errorf("no failed message with clientId %s", clientID)
	}
	msg.Failed = false
	msg.Error = ""
	msg.Timestamp = c.now()
	c.mu.Unlock()
	c.notify()

	if err := c.emit(msg); err != nil {
		c.markFailed(clientID, "", err.Error())
		return err
	}
	return nil
}

func (c *Channel) emit(msg *Message) error {
	env, err := signaling.NewEnvelope(signaling.EventChatMessage, signaling.ChatPayload{
		SessionID:   c.sessionID,
		Text:        msg.Text,
		DisplayName: msg.DisplayName,
		SenderType:  msg.SenderType,
		ClientID:    msg.ClientID,
		Timestamp:   msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.sender.Send(env)
}

// HandleEnvelope consumes chat events; it returns false for anything that
// is not a chat event so the caller can route it elsewhere.
func (c *Channel) HandleEnvelope(env signaling.Envelope) bool {
	switch env.Event {
	case signaling.EventChatMessage:
		var p signaling.ChatPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("malformed chat message", zap.Error(err))
			return true
		}
		c.handleEcho(p)
	case signaling.EventChatPersisted:
		var p signaling.ChatPersistedPayload
		if err := env.Decode(&p); err != nil {
			return true
		}
		c.handlePersisted(p)
	case signaling.EventChatFailed:
		var p signaling.ChatFailedPayload
		if err := env.Decode(&p); err != nil {
			return true
		}
		c.markFailed(p.ClientID, p.ID, p.Error)
	default:
		return false
	}
	return true
}

// handleEcho reconciles the broadcast echo of a message. A matching
// correlation id updates the optimistic entry in place, never appending a
// second copy.
func (c *Channel) handleEcho(p signaling.ChatPayload) {
	c.mu.Lock()
	if p.ClientID != "" {
		if msg, ok := c.byClient[p.ClientID]; ok {
			if p.Timestamp > 0 {
				msg.Timestamp = time.UnixMilli(p.Timestamp)
			}
			c.mu.Unlock()
			c.notify()
			return
		}
	} else if c.matchesRecentLocked(p) {
		c.mu.Unlock()
		return
	}
	msg := &Message{
		ClientID:    p.ClientID,
		Text:        p.Text,
		SenderType:  p.SenderType,
		DisplayName: p.DisplayName,
		Timestamp:   c.now(),
	}
	if p.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(p.Timestamp)
	}
	c.messages = append(c.messages, msg)
	if msg.ClientID != "" {
		c.byClient[msg.ClientID] = msg
	}
	c.mu.Unlock()
	c.notify()
}

// matchesRecentLocked applies the no-correlation-id dedupe rule: same
// sender role, same trimmed text, timestamps within dedupeWindow.
func (c *Channel) matchesRecentLocked(p signaling.ChatPayload) bool {
	ts := c.now()
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}
	text := strings.TrimSpace(p.Text)
	for i := len(c.messages) - 1; i >= 0; i-- {
		msg := c.messages[i]
		if ts.Sub(msg.Timestamp) > dedupeWindow {
			break
		}
		if msg.SenderType == p.SenderType &&
			strings.TrimSpace(msg.Text) == text &&
			absDuration(ts.Sub(msg.Timestamp)) <= dedupeWindow {
			return true
		}
	}
	return false
}

func (c *Channel) handlePersisted(p signaling.ChatPersistedPayload) {
	c.mu.Lock()
	msg, ok := c.byClient[p.ClientID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("persisted notice for unknown clientId", zap.String("clientId", p.ClientID))
		return
	}
	msg.ID = p.ID
	msg.Persisted = true
	msg.Failed = false
	msg.Error = ""
	c.mu.Unlock()
	c.notify()
}

func (c *Channel) markFailed(clientID, id, errText string) {
	c.mu.Lock()
	msg, ok := c.byClient[clientID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if id != "" {
		msg.ID = id
	}
	msg.Failed = true
	msg.Error = errText
	c.mu.Unlock()
	c.notify()
	c.logger.Warn("message persist failed",
		zap.String("clientId", clientID),
		zap.String("error", errText))
}

// Messages returns a copy of the list in display order.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

func (c *Channel) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
