// Package server implements the signaling server side of the protocol:
// per-session rooms over websockets, event relay between participants, and
// chat persistence with per-message ack/failure notices.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/signaling"
)

// Hub tracks every connected client grouped into per-session rooms and
// routes envelopes between them.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]bool

	unregister chan *client

	store  *MessageStore
	logger *zap.Logger
}

func NewHub(store *MessageStore, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[string]map[*client]bool),
		unregister: make(chan *client),
		store:      store,
		logger:     logger.Named("hub"),
	}
}

// Run processes departures until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.sessionID]
	if !ok {
		room = make(map[*client]bool)
		h.rooms[c.sessionID] = room
	}
	room[c] = true
	h.logger.Info("participant joined room",
		zap.String("sessionId", c.sessionID),
		zap.String("displayName", c.displayName),
		zap.Int("participants", len(room)))
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.sessionID]
	if ok {
		if _, exists := room[c]; exists {
			delete(room, c)
			close(c.send)
			if len(room) == 0 {
				delete(h.rooms, c.sessionID)
			}
		}
	}
	h.mu.Unlock()
	if ok && c.sessionID != "" {
		h.broadcast(c.sessionID, c, mustEnvelope(signaling.EventParticipantLeft, signaling.ParticipantPayload{
			SessionID:   c.sessionID,
			DisplayName: c.displayName,
		}))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for c := range room {
			close(c.send)
		}
	}
	h.rooms = make(map[string]map[*client]bool)
	h.logger.Info("hub shut down")
}

// broadcast sends env to every client in the session's room except the
// excluded one. A nil exclude reaches everyone.
func (h *Hub) broadcast(sessionID string, exclude *client, env signaling.Envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[sessionID] {
		if c == exclude {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Buffered channel full: the client is stuck, drop it.
			go func(stale *client) { h.unregister <- stale }(c)
		}
	}
}

// handleEnvelope routes one inbound client envelope.
func (h *Hub) handleEnvelope(c *client, env signaling.Envelope) {
	switch env.Event {
	case signaling.EventSessionJoin:
		var p signaling.JoinPayload
		if err := env.Decode(&p); err != nil || p.SessionID == "" {
			h.logger.Warn("malformed join", zap.Error(err))
			return
		}
		c.sessionID = p.SessionID
		c.displayName = p.DisplayName
		// The room insert must land before the confirmation goes out so
		// that anything relayed after session.joined reaches this client.
		h.addClient(c)
		c.sendEnvelope(mustEnvelope(signaling.EventSessionJoined, signaling.JoinedPayload{SID: p.SessionID}))
		h.broadcast(p.SessionID, c, mustEnvelope(signaling.EventParticipantJoin, signaling.ParticipantPayload{
			SessionID:   p.SessionID,
			DisplayName: p.DisplayName,
		}))

	case signaling.EventChatMessage:
		var p signaling.ChatPayload
		if err := env.Decode(&p); err != nil {
			h.logger.Warn("malformed chat message", zap.Error(err))
			return
		}
		if p.Timestamp == 0 {
			p.Timestamp = time.Now().UnixMilli()
		}
		// Echo to the whole room, sender included: the sender reconciles
		// its optimistic entry against this echo by clientId.
		h.broadcast(p.SessionID, nil, mustEnvelope(signaling.EventChatMessage, p))
		h.persistChat(p)

	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICE, signaling.EventControl:
		h.relay(c, env)

	default:
		h.logger.Debug("unhandled client event", zap.String("event", string(env.Event)))
	}
}

// relay forwards a signaling envelope to the other participants in the
// sender's room.
func (h *Hub) relay(c *client, env signaling.Envelope) {
	if c.sessionID == "" {
		h.logger.Warn("relay before join", zap.String("event", string(env.Event)))
		return
	}
	h.broadcast(c.sessionID, c, env)
}

// persistChat stores the message and notifies the room of the outcome.
// Persistence runs off the hub path so a slow database never stalls relay.
func (h *Hub) persistChat(p signaling.ChatPayload) {
	if h.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := h.store.Save(ctx, StoredMessage{
			SessionID:   p.SessionID,
			SenderType:  p.SenderType,
			DisplayName: p.DisplayName,
			Text:        p.Text,
			Timestamp:   time.UnixMilli(p.Timestamp),
		})
		if err != nil {
			h.logger.Error("failed to persist chat message",
				zap.String("sessionId", p.SessionID),
				zap.Error(err))
			h.broadcast(p.SessionID, nil, mustEnvelope(signaling.EventChatFailed, signaling.ChatFailedPayload{
				SessionID: p.SessionID,
				ClientID:  p.ClientID,
				Error:     "message could not be saved",
			}))
			return
		}
		h.broadcast(p.SessionID, nil, mustEnvelope(signaling.EventChatPersisted, signaling.ChatPersistedPayload{
			SessionID: p.SessionID,
			ID:        id,
			ClientID:  p.ClientID,
		}))
	}()
}

func mustEnvelope(event signaling.EventType, payload any) signaling.Envelope {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		// Payloads here are our own structs; marshal cannot fail.
		panic(err)
	}
	return env
}
