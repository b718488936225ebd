// Package signaling carries the event-based JSON protocol between agents and
// the signaling server, and manages pooled websocket connections to it.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EventType identifies the kind of signaling message.
type EventType string

const (
	EventSessionJoin     EventType = "session.join"
	EventSessionJoined   EventType = "session.joined"
	EventParticipantJoin EventType = "session.participant_joined"
	EventParticipantLeft EventType = "session.participant_left"
	EventOffer           EventType = "webrtc.offer"
	EventAnswer          EventType = "webrtc.answer"
	EventICE             EventType = "webrtc.ice"
	EventChatMessage     EventType = "chat.message"
	EventChatPersisted   EventType = "chat.persisted"
	EventChatFailed      EventType = "chat.persist_failed"
	EventControl         EventType = "session.control"
)

// Control actions carried by session.control.
const (
	ActionMute         = "mute"
	ActionUnmute       = "unmute"
	ActionEnd          = "end"
	ActionCallRejected = "call_rejected"
)

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event EventType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

type JoinPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

type JoinedPayload struct {
	SID string `json:"sid"`
}

type ParticipantPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	SenderType  string `json:"senderType"`
}

type OfferPayload struct {
	SessionID    string                    `json:"sessionId"`
	SDP          webrtc.SessionDescription `json:"sdp"`
	RetryAttempt int                       `json:"retryAttempt,omitempty"`
}

type AnswerPayload struct {
	SessionID string                    `json:"sessionId"`
	SDP       webrtc.SessionDescription `json:"sdp"`
}

type ICEPayload struct {
	SessionID string                  `json:"sessionId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type ChatPayload struct {
	SessionID   string `json:"sessionId"`
	Text        string `json:"text"`
	DisplayName string `json:"displayName"`
	SenderType  string `json:"senderType"`
	ClientID    string `json:"clientId"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

type ChatPersistedPayload struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
	ClientID  string `json:"clientId"`
}

type ChatFailedPayload struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id,omitempty"`
	ClientID  string `json:"clientId"`
	Error     string `json:"error"`
}

type ControlPayload struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
}
