package rtc

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/quality"
)

type fakePeer struct {
	mu          sync.Mutex
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []string
	offerCount  int
	answerCount int
	closed      bool
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localDesc
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }
func (p *fakePeer) OnICECandidate(func(*webrtc.ICECandidate))             {}
func (p *fakePeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {
}
func (p *fakePeer) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))     {}
func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}
func (p *fakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}
func (p *fakePeer) SignalingState() webrtc.SignalingState { return webrtc.SignalingStateStable }
func (p *fakePeer) GetStats() webrtc.StatsReport          { return webrtc.StatsReport{} }
func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	peers    []*fakePeer
	policies []webrtc.ICETransportPolicy
}

func (f *fakeFactory) NewPeer(policy webrtc.ICETransportPolicy) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	f.policies = append(f.policies, policy)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type fakeMedia struct {
	video    bool
	stopped  bool
	attached int
}

func (m *fakeMedia) AttachTo(PeerConnection) error { m.attached++; return nil }
func (m *fakeMedia) HasVideo() bool                { return m.video }
func (m *fakeMedia) Stop()                         { m.stopped = true }

type fakeSource struct {
	requests []CaptureRequest
	captured []*fakeMedia
	err      error
}

func (s *fakeSource) Capture(_ context.Context, req CaptureRequest) (LocalMedia, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	m := &fakeMedia{video: req.Video}
	s.captured = append(s.captured, m)
	return m, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory, *fakeSource) {
	t.Helper()
	factory := &fakeFactory{}
	source := &fakeSource{}
	m := NewManager(factory, source, zap.NewNop())
	if err := m.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	return m, factory, source
}

func TestCreateOfferSetsLocalDescription(t *testing.T) {
	m, factory, _ := newTestManager(t)
	offer, err := m.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("create offer failed: %v", err)
	}
	peer := factory.last()
	if peer.LocalDescription() == nil {
		t.Fatal("local description not set before offer was returned")
	}
	if peer.LocalDescription().SDP != offer.SDP {
		t.Fatalf("local description %q does not match offer %q", peer.LocalDescription().SDP, offer.SDP)
	}
}

func TestRemoteCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, factory, _ := newTestManager(t)
	for _, c := range []string{"a", "b", "c"} {
		if err := m.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
			t.Fatalf("add candidate failed: %v", err)
		}
	}
	peer := factory.last()
	if len(peer.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %v", peer.candidates)
	}

	if err := m.ApplyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	if len(peer.candidates) != 3 {
		t.Fatalf("expected 3 candidates applied, got %d", len(peer.candidates))
	}
	for i, want := range []string{"a", "b", "c"} {
		if peer.candidates[i] != want {
			t.Errorf("position %d: expected %q, got %q", i, want, peer.candidates[i])
		}
	}

	// Candidates after the description apply immediately.
	if err := m.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "d"}); err != nil {
		t.Fatalf("late candidate failed: %v", err)
	}
	if len(peer.candidates) != 4 || peer.candidates[3] != "d" {
		t.Fatalf("late candidate not applied directly: %v", peer.candidates)
	}
}

func TestAttachLocalMediaIdempotentForSameShape(t *testing.T) {
	m, _, source := newTestManager(t)
	tier := quality.CaptureTiers()[2]

	hasVideo, err := m.AttachLocalMedia(context.Background(), true, tier)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if !hasVideo {
		t.Fatal("expected video media")
	}
	if _, err := m.AttachLocalMedia(context.Background(), true, tier); err != nil {
		t.Fatalf("second attach failed: %v", err)
	}
	if len(source.requests) != 1 {
		t.Fatalf("same shape must not recapture, got %d captures", len(source.requests))
	}

	// Changing the shape stops the old capture and requests a new one.
	hasVideo, err = m.AttachLocalMedia(context.Background(), false, tier)
	if err != nil {
		t.Fatalf("reshape failed: %v", err)
	}
	if hasVideo {
		t.Fatal("expected audio-only media")
	}
	if len(source.requests) != 2 {
		t.Fatalf("expected a fresh capture, got %d", len(source.requests))
	}
	if !source.captured[0].stopped {
		t.Fatal("previous media not stopped")
	}
	if req := source.requests[1]; req.Video || !req.Audio {
		t.Fatalf("expected audio-only request, got %+v", req)
	}
}

func TestRecreateUsesNewPolicyAndResetsBuffer(t *testing.T) {
	m, factory, _ := newTestManager(t)
	if err := m.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "stale"}); err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}
	old := factory.last()

	if err := m.Recreate(webrtc.ICETransportPolicyRelay); err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if !old.closed {
		t.Fatal("old peer connection not closed")
	}
	if got := factory.policies[len(factory.policies)-1]; got != webrtc.ICETransportPolicyRelay {
		t.Fatalf("expected relay policy, got %v", got)
	}

	// The stale candidate must not leak into the new connection.
	if err := m.ApplyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	if got := factory.last().candidates; len(got) != 0 {
		t.Fatalf("stale candidates drained into new connection: %v", got)
	}
}

func TestReleaseClearsEverything(t *testing.T) {
	m, factory, source := newTestManager(t)
	tier := quality.CaptureTiers()[2]
	if _, err := m.AttachLocalMedia(context.Background(), true, tier); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	peer := factory.last()

	m.Release()
	if !peer.closed {
		t.Fatal("peer connection not closed on release")
	}
	if !source.captured[0].stopped {
		t.Fatal("local media not stopped on release")
	}
	if m.HasRemoteDescription() {
		t.Fatal("remote description survived release")
	}
	diag := m.Diagnostics()
	if diag.RTT != 0 || diag.LocalCandidateType != "" {
		t.Fatalf("diagnostics not empty after release: %+v", diag)
	}
}
