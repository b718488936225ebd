package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/quality"
)

// Manager owns one peer connection and its local media for the lifetime of
// a call. It hides the SDP/ICE ordering rules from the session layer: local
// descriptions are set before offers are handed out, and remote candidates
// buffered before the remote description arrives are drained exactly once.
type Manager struct {
	mu      sync.Mutex
	factory PeerFactory
	source  MediaSource
	logger  *zap.Logger

	pc        PeerConnection
	media     LocalMedia
	buffer    *CandidateBuffer
	icePolicy webrtc.ICETransportPolicy

	onLocalCandidate  func(webrtc.ICECandidateInit)
	onConnectionState func(webrtc.PeerConnectionState)
	onRemoteTrack     func(*webrtc.TrackRemote)
}

func NewManager(factory PeerFactory, source MediaSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		factory:   factory,
		source:    source,
		logger:    logger.Named("rtc"),
		icePolicy: webrtc.ICETransportPolicyAll,
	}
	m.buffer = NewCandidateBuffer(func(c webrtc.ICECandidateInit) error {
		m.mu.Lock()
		pc := m.pc
		m.mu.Unlock()
		if pc == nil {
			return fmt.Errorf("no peer connection")
		}
		return pc.AddICECandidate(c)
	}, m.logger)
	return m
}

// OnLocalCandidate registers the handler for locally gathered candidates.
// Must be set before Ensure.
func (m *Manager) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLocalCandidate = fn
}

func (m *Manager) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectionState = fn
}

func (m *Manager) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = fn
}

// SetICEPolicy sets the transport policy used the next time a peer
// connection is created. It does not touch a live connection; use Recreate
// to rebuild with the new policy.
func (m *Manager) SetICEPolicy(policy webrtc.ICETransportPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.icePolicy = policy
}

// Ensure creates the peer connection if one does not exist yet.
func (m *Manager) Ensure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc != nil {
		return nil
	}
	return m.createLocked()
}

// Recreate tears down the current peer connection and builds a fresh one
// with the given transport policy. Buffered remote candidates are dropped;
// the remote side regathers for the new connection.
func (m *Manager) Recreate(policy webrtc.ICETransportPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.icePolicy = policy
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Warn("failed to close peer connection", zap.Error(err))
		}
		m.pc = nil
	}
	m.buffer.Reset()
	return m.createLocked()
}

func (m *Manager) createLocked() error {
	pc, err := m.factory.NewPeer(m.icePolicy)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	onCandidate := m.onLocalCandidate
	onState := m.onConnectionState
	onTrack := m.onRemoteTrack

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("connection state changed", zap.String("state", state.String()))
		if onState != nil {
			onState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("id", track.ID()))
		if onTrack != nil {
			onTrack(track)
		}
	})

	m.pc = pc
	if m.media != nil {
		if err := m.media.AttachTo(pc); err != nil {
			return fmt.Errorf("failed to re-attach local media: %w", err)
		}
	}
	return nil
}

// AttachLocalMedia captures local media and adds its tracks to the peer
// connection. It is idempotent with respect to the media shape: a second
// call asking for the same audio/video combination is a no-op. Returns
// whether the attached media carries video.
func (m *Manager) AttachLocalMedia(ctx context.Context, wantsVideo bool, tier quality.CaptureTier) (bool, error) {
	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return false, fmt.Errorf("no peer connection")
	}
	if m.media != nil && m.media.HasVideo() == wantsVideo {
		has := m.media.HasVideo()
		m.mu.Unlock()
		return has, nil
	}
	if m.media != nil {
		m.media.Stop()
		m.media = nil
	}
	source := m.source
	pc := m.pc
	m.mu.Unlock()

	media, err := source.Capture(ctx, CaptureRequest{Audio: true, Video: wantsVideo, Tier: tier})
	if err != nil {
		return false, err
	}
	if err := media.AttachTo(pc); err != nil {
		media.Stop()
		return false, err
	}

	m.mu.Lock()
	m.media = media
	m.mu.Unlock()
	m.logger.Info("local media attached", zap.Bool("video", media.HasVideo()), zap.String("tier", tier.Name))
	return media.HasVideo(), nil
}

// CreateOffer builds an offer and sets it as the local description before
// returning, so candidate gathering starts and the description handed to
// the wire is the one in effect.
func (m *Manager) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no peer connection")
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// ApplyRemote sets the remote description and drains any remote candidates
// that arrived before it.
func (m *Manager) ApplyRemote(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no peer connection")
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	m.buffer.Drain()
	return nil
}

// CreateAnswer answers a previously applied remote offer and sets the
// answer as the local description.
func (m *Manager) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no peer connection")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

// AddRemoteCandidate applies a remote candidate, or buffers it if the
// remote description has not been set yet.
func (m *Manager) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	return m.buffer.EnqueueOrApply(c)
}

// HasRemoteDescription reports whether a remote description has been set.
func (m *Manager) HasRemoteDescription() bool {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return false
	}
	return pc.RemoteDescription() != nil
}

// Diagnostics returns a current stats snapshot, or a zero snapshot when no
// peer connection exists.
func (m *Manager) Diagnostics() Diagnostics {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return Diagnostics{SampledAt: time.Now()}
	}
	return collectDiagnostics(pc, time.Now())
}

// Release tears everything down. The manager can be reused afterwards by
// calling Ensure again.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.media != nil {
		m.media.Stop()
		m.media = nil
	}
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Warn("failed to close peer connection", zap.Error(err))
		}
		m.pc = nil
	}
	m.buffer.Reset()
	m.icePolicy = webrtc.ICETransportPolicyAll
}
