package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/signaling"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func joinedClient(t *testing.T, hub *Hub, sessionID, name string) *client {
	t.Helper()
	c := newClient(hub, nil, zap.NewNop())
	env, err := signaling.NewEnvelope(signaling.EventSessionJoin, signaling.JoinPayload{
		SessionID:   sessionID,
		DisplayName: name,
	})
	if err != nil {
		t.Fatalf("build join: %v", err)
	}
	hub.handleEnvelope(c, env)
	// Join confirmation is queued immediately.
	got := receive(t, c)
	if got.Event != signaling.EventSessionJoined {
		t.Fatalf("expected session.joined, got %s", got.Event)
	}
	return c
}

func receive(t *testing.T, c *client) signaling.Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return signaling.Envelope{}
	}
}

func drainEmpty(t *testing.T, c *client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubRelaysSignalingToOtherParticipant(t *testing.T) {
	hub := startHub(t)
	caller := joinedClient(t, hub, "s1", "visitor")
	callee := joinedClient(t, hub, "s1", "resident")

	// The earlier participant hears about the later join.
	if env := receive(t, caller); env.Event != signaling.EventParticipantJoin {
		t.Fatalf("expected participant_joined, got %s", env.Event)
	}

	offer, _ := signaling.NewEnvelope(signaling.EventOffer, signaling.OfferPayload{SessionID: "s1"})
	hub.handleEnvelope(caller, offer)

	if env := receive(t, callee); env.Event != signaling.EventOffer {
		t.Fatalf("offer not relayed, got %s", env.Event)
	}
	// The sender never gets its own offer back.
	drainEmpty(t, caller)
}

func TestJoinVisibleToRelayBeforeConfirmation(t *testing.T) {
	// No Run goroutine: room membership must not depend on hub scheduling,
	// a confirmed join has to receive everything relayed afterwards.
	hub := NewHub(nil, zap.NewNop())
	caller := joinedClient(t, hub, "s1", "visitor")
	callee := joinedClient(t, hub, "s1", "resident")
	receive(t, caller) // participant_joined for callee

	offer, _ := signaling.NewEnvelope(signaling.EventOffer, signaling.OfferPayload{SessionID: "s1"})
	hub.handleEnvelope(caller, offer)

	if env := receive(t, callee); env.Event != signaling.EventOffer {
		t.Fatalf("offer sent right after join confirmation was lost, got %s", env.Event)
	}
}

func TestHubIsolatesSessions(t *testing.T) {
	hub := startHub(t)
	a := joinedClient(t, hub, "s1", "visitor")
	b := joinedClient(t, hub, "s2", "visitor")

	offer, _ := signaling.NewEnvelope(signaling.EventOffer, signaling.OfferPayload{SessionID: "s1"})
	hub.handleEnvelope(a, offer)
	drainEmpty(t, b)
}

func TestHubEchoesChatToEveryoneIncludingSender(t *testing.T) {
	hub := startHub(t)
	sender := joinedClient(t, hub, "s1", "visitor")
	other := joinedClient(t, hub, "s1", "resident")
	receive(t, sender) // participant_joined for other

	msg, _ := signaling.NewEnvelope(signaling.EventChatMessage, signaling.ChatPayload{
		SessionID: "s1",
		Text:      "Hello",
		ClientID:  "c1",
	})
	hub.handleEnvelope(sender, msg)

	for _, c := range []*client{sender, other} {
		env := receive(t, c)
		if env.Event != signaling.EventChatMessage {
			t.Fatalf("expected chat echo, got %s", env.Event)
		}
		var p signaling.ChatPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode echo: %v", err)
		}
		if p.ClientID != "c1" {
			t.Fatalf("echo lost the correlation id: %+v", p)
		}
		if p.Timestamp == 0 {
			t.Fatal("echo not timestamped")
		}
	}
}

func TestHistoryUnavailableWithoutStore(t *testing.T) {
	hub := startHub(t)
	srv := New(hub, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/api/sessions/s1/messages", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}
