package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/chat"
	"github.com/gatelink/gatelink/internal/config"
	"github.com/gatelink/gatelink/internal/quality"
	"github.com/gatelink/gatelink/internal/rtc"
	"github.com/gatelink/gatelink/internal/signaling"
)

// negotiation is the single outstanding-offer slot. Its presence means an
// offer is in flight; no new offer may be created while it exists.
type negotiation struct {
	offer   webrtc.SessionDescription
	attempt int
}

// pendingStart queues a call intent made before the signaling room was
// joined; it is resumed automatically on the join confirmation.
type pendingStart struct {
	video bool
}

// Snapshot is the read model published after every event, consumed by the
// UI layer.
type Snapshot struct {
	State               State
	Stage               LaunchStage
	Muted               bool
	CameraOn            bool
	RemoteMuted         bool
	AcceptedMode        CallMode
	PendingVideoUpgrade bool
	OfferRetries        int
	RecoveryCount       int
	NetworkDegraded     bool
	Quality             quality.Tier
	Diagnostics         rtc.Diagnostics
	StartedAt           time.Time
	StatusMessage       string
}

// Options wires a session's collaborators.
type Options struct {
	SessionID   string
	DisplayName string
	Role        Role
	Conn        signaling.Conn
	RTC         *rtc.Manager
	Monitor     *quality.Monitor
	Policy      *quality.Policy
	Chat        *chat.Channel
	Grants      *GrantStore
	Alerts      AlertSink
	Call        config.CallConfig
	Logger      *zap.Logger
}

// Session drives one call from intent to teardown.
type Session struct {
	id          string
	displayName string
	role        Role
	conn        signaling.Conn
	rtc         *rtc.Manager
	monitor     *quality.Monitor
	policy      *quality.Policy
	chat        *chat.Channel
	grants      *GrantStore
	alerts      AlertSink
	cfg         config.CallConfig
	logger      *zap.Logger

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state. Only the event loop (or a synchronous test) may
	// touch these.
	state        State
	startedAt    time.Time
	joined       bool
	queued       *pendingStart
	negotiation  *negotiation
	remoteOffer  *webrtc.SessionDescription
	incomingMode CallMode
	initiator    bool
	muted        bool
	cameraOn     bool
	remoteMuted  bool
	acceptedMode CallMode
	remoteName   string
	videoPending bool
	recoveries   int
	degraded     bool
	status       string
	lastDiag     rtc.Diagnostics
	timerGen     uint64

	snapMu sync.RWMutex
	snap   Snapshot
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          opts.SessionID,
		displayName: opts.DisplayName,
		role:        opts.Role,
		conn:        opts.Conn,
		rtc:         opts.RTC,
		monitor:     opts.Monitor,
		policy:      opts.Policy,
		chat:        opts.Chat,
		grants:      opts.Grants,
		alerts:      alerts,
		cfg:         opts.Call,
		logger:      logger.Named("session").With(zap.String("sessionId", opts.SessionID)),
		events:      make(chan func(), 64),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
	}
	s.wireCallbacks()
	s.publish()
	return s
}

func (s *Session) wireCallbacks() {
	s.conn.OnEvent(func(env signaling.Envelope) {
		s.post(func() { s.handleEnvelope(env) })
	})
	s.conn.OnTransportState(func(state signaling.TransportState) {
		flaky := state != signaling.TransportConnected
		s.monitor.SetTransportFlaky(flaky)
	})
	s.rtc.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		s.sendEnvelope(signaling.EventICE, signaling.ICEPayload{SessionID: s.id, Candidate: c})
	})
	s.rtc.OnConnectionState(func(state webrtc.PeerConnectionState) {
		s.post(func() { s.handleConnectionState(state) })
	})
	s.monitor.OnChange(func(tier quality.Tier) {
		s.policy.SetQuality(tier)
		s.post(func() { s.handleQualityChange(tier) })
	})
}

// Run executes the event loop until ctx is cancelled or the session is
// closed. It joins the signaling room on entry.
func (s *Session) Run(ctx context.Context) {
	s.sendEnvelope(signaling.EventSessionJoin, signaling.JoinPayload{
		SessionID:   s.id,
		DisplayName: s.displayName,
	})
	for {
		select {
		case <-ctx.Done():
			s.drainAndStop()
			return
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			fn()
			s.publish()
		}
	}
}

func (s *Session) drainAndStop() {
	s.endCall("shutdown")
	s.publish()
	s.cancel()
}

// Close ends any active call and stops the loop. It returns after the
// teardown has actually run, so callers can rely on media and the peer
// connection being released.
func (s *Session) Close() {
	done := make(chan struct{})
	s.post(func() {
		s.endCall("closed")
		close(done)
	})
	select {
	case <-done:
	case <-s.ctx.Done():
	}
	s.cancel()
}

func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

// Snapshot returns the most recently published read model.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *Session) publish() {
	snap := Snapshot{
		State:               s.state,
		Stage:               stageFor(s.state),
		Muted:               s.muted,
		CameraOn:            s.cameraOn,
		RemoteMuted:         s.remoteMuted,
		AcceptedMode:        s.acceptedMode,
		PendingVideoUpgrade: s.videoPending,
		RecoveryCount:       s.recoveries,
		NetworkDegraded:     s.degraded,
		Quality:             s.monitor.Current(),
		Diagnostics:         s.lastDiag,
		StartedAt:           s.startedAt,
		StatusMessage:       s.status,
	}
	if s.negotiation != nil {
		snap.OfferRetries = s.negotiation.attempt
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// ---- user intents ----

// Start begins an outgoing call, with or without video.
func (s *Session) Start(video bool) {
	s.post(func() { s.handleStart(video) })
}

// Accept answers an incoming call.
func (s *Session) Accept() {
	s.post(func() { s.handleAccept() })
}

// Reject declines an incoming call.
func (s *Session) Reject() {
	s.post(func() { s.handleReject() })
}

// HangUp ends the call unconditionally.
func (s *Session) HangUp() {
	s.post(func() {
		s.sendControl(signaling.ActionEnd)
		s.endCall("hangup")
	})
}

// ToggleMute flips the local mute flag and tells the peer.
func (s *Session) ToggleMute() {
	s.post(func() {
		s.muted = !s.muted
		if s.muted {
			s.sendControl(signaling.ActionMute)
		} else {
			s.sendControl(signaling.ActionUnmute)
		}
	})
}

func (s *Session) handleStart(video bool) {
	if s.state != StateIdle && s.state != StateEnded {
		s.logger.Debug("start ignored", zap.String("state", s.state.String()))
		return
	}
	s.resetCallState()
	s.state = StatePreparing
	s.startedAt = time.Now()
	s.initiator = true
	if !s.joined {
		s.queued = &pendingStart{video: video}
		s.state = StateWaiting
		s.logger.Info("call queued until room join", zap.Bool("video", video))
		return
	}
	s.dial(video)
}

// dial attaches local media and sends the first offer.
func (s *Session) dial(video bool) {
	if s.negotiation != nil {
		s.logger.Debug("offer already in flight, not creating another")
		return
	}
	s.state = StateSignaling
	decision := s.policy.Decide()
	wantsVideo := video && !decision.DemoteVideo
	if video && !wantsVideo {
		s.videoPending = true
	}

	// The policy decision has to land before the lazy create; a connection
	// built on the default transport cannot be demoted to relay afterwards.
	s.rtc.SetICEPolicy(decision.ICEPolicy)
	if err := s.rtc.Ensure(); err != nil {
		s.logger.Error("failed to create peer connection", zap.Error(err))
		s.status = "could not start the call"
		s.endCall("peer setup failed")
		return
	}

	hasVideo, err := s.rtc.AttachLocalMedia(s.ctx, wantsVideo, decision.CaptureTier)
	if err != nil {
		// Receive-only is still a valid call; tell the human and move on.
		msg := "could not start camera/microphone"
		if ce := rtc.ClassifyCaptureError(err); ce != nil {
			msg = ce.UserMessage()
		}
		s.status = msg
		go s.alerts.CaptureProblem(s.id, msg)
		s.logger.Warn("capture failed, continuing receive-only", zap.Error(err))
		hasVideo = false
	}
	s.cameraOn = hasVideo

	offer, err := s.rtc.CreateOffer(s.ctx)
	if err != nil {
		s.logger.Error("failed to create offer", zap.Error(err))
		s.status = "call setup failed"
		s.endCall("offer failed")
		return
	}
	s.negotiation = &negotiation{offer: offer}
	s.sendOffer()
	s.state = StateRinging
	s.armRetry()
}

func (s *Session) sendOffer() {
	s.sendEnvelope(signaling.EventOffer, signaling.OfferPayload{
		SessionID:    s.id,
		SDP:          s.negotiation.offer,
		RetryAttempt: s.negotiation.attempt,
	})
}

func (s *Session) handleAccept() {
	if s.state != StateIncoming || s.remoteOffer == nil {
		return
	}
	decision := s.policy.Decide()
	s.rtc.SetICEPolicy(decision.ICEPolicy)
	if err := s.rtc.Ensure(); err != nil {
		s.logger.Error("failed to create peer connection", zap.Error(err))
		s.endCall("peer setup failed")
		return
	}
	if err := s.rtc.ApplyRemote(*s.remoteOffer); err != nil {
		s.logger.Error("failed to apply remote offer", zap.Error(err))
		s.status = "could not accept the call"
		return
	}
	wantsVideo := s.incomingMode == ModeVideo && !decision.DemoteVideo
	if s.incomingMode == ModeVideo && !wantsVideo {
		s.videoPending = true
	}
	hasVideo, err := s.rtc.AttachLocalMedia(s.ctx, wantsVideo, decision.CaptureTier)
	if err != nil {
		msg := rtc.ClassifyCaptureError(err).UserMessage()
		s.status = msg
		go s.alerts.CaptureProblem(s.id, msg)
		hasVideo = false
	}
	s.cameraOn = hasVideo

	answer, err := s.rtc.CreateAnswer(s.ctx)
	if err != nil {
		s.logger.Error("failed to create answer", zap.Error(err))
		s.status = "could not accept the call"
		return
	}
	s.sendEnvelope(signaling.EventAnswer, signaling.AnswerPayload{SessionID: s.id, SDP: answer})
	s.remoteOffer = nil
	s.acceptedMode = s.incomingMode
	s.enterConnected()
}

func (s *Session) handleReject() {
	if s.state != StateIncoming {
		return
	}
	s.sendControl(signaling.ActionCallRejected)
	s.endCall("rejected")
}

// ---- signaling events ----

func (s *Session) handleEnvelope(env signaling.Envelope) {
	if s.chat != nil && s.chat.HandleEnvelope(env) {
		return
	}
	switch env.Event {
	case signaling.EventSessionJoined:
		s.handleJoined()
	case signaling.EventParticipantJoin:
		var p signaling.ParticipantPayload
		if err := env.Decode(&p); err == nil {
			s.remoteName = p.DisplayName
			s.logger.Info("participant joined", zap.String("displayName", p.DisplayName))
		}
	case signaling.EventParticipantLeft:
		s.handleParticipantLeft()
	case signaling.EventOffer:
		var p signaling.OfferPayload
		if err := env.Decode(&p); err != nil {
			s.logger.Warn("malformed offer", zap.Error(err))
			return
		}
		s.handleOffer(p)
	case signaling.EventAnswer:
		var p signaling.AnswerPayload
		if err := env.Decode(&p); err != nil {
			s.logger.Warn("malformed answer", zap.Error(err))
			return
		}
		s.handleAnswer(p)
	case signaling.EventICE:
		var p signaling.ICEPayload
		if err := env.Decode(&p); err != nil {
			s.logger.Warn("malformed candidate", zap.Error(err))
			return
		}
		if err := s.rtc.AddRemoteCandidate(p.Candidate); err != nil {
			s.logger.Debug("candidate rejected", zap.Error(err))
		}
	case signaling.EventControl:
		var p signaling.ControlPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.handleControl(p)
	default:
		s.logger.Debug("unhandled event", zap.String("event", string(env.Event)))
	}
}

func (s *Session) handleJoined() {
	s.joined = true
	s.logger.Info("joined signaling room")
	if s.queued != nil && s.state == StateWaiting {
		queued := s.queued
		s.queued = nil
		s.dial(queued.video)
	}
}

func (s *Session) handleParticipantLeft() {
	switch s.state {
	case StateConnected, StateReconnecting, StateIncoming:
		s.logger.Info("remote participant left, ending call")
		s.endCall("participant left")
	}
}

func (s *Session) handleOffer(p signaling.OfferPayload) {
	switch {
	case s.negotiation != nil:
		// Glare: we have an offer in flight. Ours wins; drop theirs.
		s.logger.Warn("remote offer during local negotiation, ignoring",
			zap.Int("retryAttempt", p.RetryAttempt))
	case s.state == StateConnected || s.state == StateReconnecting:
		// Renegotiation from the initiator, e.g. a recovery re-offer.
		s.answerRenegotiation(p)
	case s.state == StateIncoming:
		// Retry of the offer we are already showing; refresh the SDP.
		offer := p.SDP
		s.remoteOffer = &offer
	default:
		offer := p.SDP
		s.remoteOffer = &offer
		s.incomingMode = modeFromSDP(p.SDP)
		s.initiator = false
		s.state = StateIncoming
		s.startedAt = time.Now()
		s.grants.Grant(s.id, s.incomingMode)
		caller := s.remoteName
		go s.alerts.IncomingCall(s.id, caller, s.incomingMode)
	}
}

func (s *Session) answerRenegotiation(p signaling.OfferPayload) {
	if err := s.rtc.ApplyRemote(p.SDP); err != nil {
		s.logger.Error("failed to apply re-offer", zap.Error(err))
		s.status = "reconnection failed"
		return
	}
	answer, err := s.rtc.CreateAnswer(s.ctx)
	if err != nil {
		s.logger.Error("failed to answer re-offer", zap.Error(err))
		return
	}
	s.sendEnvelope(signaling.EventAnswer, signaling.AnswerPayload{SessionID: s.id, SDP: answer})
	s.logger.Info("answered renegotiation offer")
}

func (s *Session) handleAnswer(p signaling.AnswerPayload) {
	if s.negotiation == nil {
		s.logger.Debug("answer with no offer in flight, ignoring")
		return
	}
	if err := s.rtc.ApplyRemote(p.SDP); err != nil {
		s.logger.Error("failed to apply answer", zap.Error(err))
		s.status = "call setup failed"
		return
	}
	s.clearNegotiation()
	switch s.state {
	case StateRinging, StateReconnecting:
		if s.acceptedMode == ModeNone {
			if s.cameraOn {
				s.acceptedMode = ModeVideo
			} else {
				s.acceptedMode = ModeAudio
			}
		}
		s.enterConnected()
	case StateConnected:
		// Mid-call renegotiation (video upgrade): clearNegotiation bumped
		// the timer generation, so the diagnostics poll needs re-arming.
		s.armDiagnostics()
	}
}

func (s *Session) handleControl(p signaling.ControlPayload) {
	switch p.Action {
	case signaling.ActionMute:
		s.remoteMuted = true
	case signaling.ActionUnmute:
		s.remoteMuted = false
	case signaling.ActionEnd:
		s.endCall("remote hangup")
	case signaling.ActionCallRejected:
		s.status = "call was declined"
		s.endCall("rejected by remote")
	}
}

// ---- offer retry ----

func (s *Session) armRetry() {
	gen := s.timerGen
	time.AfterFunc(s.cfg.OfferRetryInterval, func() {
		s.post(func() { s.retryFire(gen) })
	})
}

// retryFire runs on the retry interval. The state is re-checked here, not
// only at schedule time, so a timer surviving a transition is a no-op.
func (s *Session) retryFire(gen uint64) {
	if gen != s.timerGen || s.state != StateRinging || s.negotiation == nil {
		return
	}
	if s.negotiation.attempt >= s.cfg.MaxOfferRetries {
		// Stop retrying; the call stays ringing and the human decides.
		s.degraded = true
		s.logger.Warn("offer retries exhausted", zap.Int("attempts", s.negotiation.attempt))
		go s.alerts.NetworkDegraded(s.id)
		return
	}
	s.negotiation.attempt++
	s.logger.Info("resending offer", zap.Int("retryAttempt", s.negotiation.attempt))
	s.sendOffer()
	s.armRetry()
}

// ---- connection recovery ----

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.state == StateRinging || s.state == StateIncoming || s.state == StateReconnecting {
			s.enterConnected()
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.handleConnectionLoss()
	case webrtc.PeerConnectionStateClosed:
		if s.state == StateConnected || s.state == StateReconnecting {
			s.endCall("connection closed")
		}
	}
}

func (s *Session) handleConnectionLoss() {
	if s.state != StateConnected && s.state != StateReconnecting {
		return
	}
	if !s.initiator {
		// Only the initiator renegotiates; competing offers from both
		// sides would glare. Wait for the re-offer.
		s.state = StateReconnecting
		s.logger.Info("connection lost, waiting for initiator to recover")
		return
	}
	if s.recoveries >= s.cfg.MaxRecoveryAttempts {
		s.logger.Warn("recovery budget exhausted, ending call",
			zap.Int("attempts", s.recoveries))
		s.endCall("recovery exhausted")
		return
	}
	s.recoveries++
	s.state = StateReconnecting
	s.status = "reconnecting..."
	s.logger.Info("attempting connection recovery",
		zap.Int("attempt", s.recoveries),
		zap.Int("budget", s.cfg.MaxRecoveryAttempts))

	s.policy.SetForceRelay(true)
	if err := s.rtc.Recreate(webrtc.ICETransportPolicyRelay); err != nil {
		s.logger.Error("failed to rebuild peer connection", zap.Error(err))
		s.endCall("recovery failed")
		return
	}
	// Audio-only fallback: drop video for the recovered leg. The upgrade
	// path brings it back once the network is classified good again.
	if s.acceptedMode == ModeVideo {
		s.videoPending = true
	}
	decision := s.policy.Decide()
	if _, err := s.rtc.AttachLocalMedia(s.ctx, false, decision.CaptureTier); err != nil {
		s.logger.Warn("recovery capture failed, continuing receive-only", zap.Error(err))
	}
	s.cameraOn = false

	offer, err := s.rtc.CreateOffer(s.ctx)
	if err != nil {
		s.logger.Error("failed to create recovery offer", zap.Error(err))
		s.endCall("recovery failed")
		return
	}
	s.negotiation = &negotiation{offer: offer}
	s.sendOffer()
}

// ---- diagnostics ----

func (s *Session) enterConnected() {
	s.state = StateConnected
	s.status = ""
	s.grants.Grant(s.id, s.acceptedMode)
	s.armDiagnostics()
	s.logger.Info("call connected", zap.String("mode", string(s.acceptedMode)))
}

func (s *Session) armDiagnostics() {
	gen := s.timerGen
	time.AfterFunc(s.cfg.DiagnosticsInterval, func() {
		s.post(func() { s.diagnosticsFire(gen) })
	})
}

func (s *Session) diagnosticsFire(gen uint64) {
	if gen != s.timerGen {
		return
	}
	if s.state != StateConnected && s.state != StateReconnecting {
		return
	}
	diag := s.rtc.Diagnostics()
	s.lastDiag = diag
	s.monitor.Observe(diag.Sample())
	s.armDiagnostics()
}

// ---- video upgrade ----

// handleQualityChange restores video on a call that was demoted to audio
// once the network classification returns to good. Only the initiator
// renegotiates, matching the recovery asymmetry.
func (s *Session) handleQualityChange(tier quality.Tier) {
	if tier != quality.TierGood || !s.videoPending {
		return
	}
	if s.state != StateConnected || !s.initiator || s.negotiation != nil {
		return
	}
	s.upgradeVideo()
}

func (s *Session) upgradeVideo() {
	decision := s.policy.Decide()
	if decision.DemoteVideo {
		return
	}
	hasVideo, err := s.rtc.AttachLocalMedia(s.ctx, true, decision.CaptureTier)
	if err != nil || !hasVideo {
		s.logger.Warn("video upgrade capture failed", zap.Error(err))
		return
	}
	offer, err := s.rtc.CreateOffer(s.ctx)
	if err != nil {
		s.logger.Error("failed to create upgrade offer", zap.Error(err))
		return
	}
	s.videoPending = false
	s.cameraOn = true
	s.acceptedMode = ModeVideo
	s.negotiation = &negotiation{offer: offer}
	s.sendOffer()
	s.logger.Info("renegotiating video upgrade")
}

// ---- teardown ----

func (s *Session) clearNegotiation() {
	s.negotiation = nil
	s.timerGen++
}

// endCall releases every call resource unconditionally: timers, media,
// the peer connection, counters, and the access grant.
func (s *Session) endCall(reason string) {
	if s.state == StateEnded || s.state == StateIdle {
		return
	}
	s.logger.Info("call ended", zap.String("reason", reason))
	s.timerGen++
	s.negotiation = nil
	s.remoteOffer = nil
	s.queued = nil
	s.rtc.Release()
	s.monitor.Reset()
	// The monitor reset does not fire OnChange, so the policy's cached
	// classification has to be cleared here or the next call starts on
	// the last call's bad tier.
	s.policy.SetQuality(quality.TierGood)
	s.policy.SetForceRelay(false)
	s.grants.Revoke(s.id)
	s.recoveries = 0
	s.degraded = false
	s.muted = false
	s.cameraOn = false
	s.remoteMuted = false
	s.videoPending = false
	s.acceptedMode = ModeNone
	s.incomingMode = ModeNone
	s.lastDiag = rtc.Diagnostics{}
	s.state = StateEnded
}

func (s *Session) resetCallState() {
	s.timerGen++
	s.negotiation = nil
	s.remoteOffer = nil
	s.queued = nil
	s.recoveries = 0
	s.degraded = false
	s.status = ""
	s.muted = false
	s.cameraOn = false
	s.remoteMuted = false
	s.videoPending = false
	s.acceptedMode = ModeNone
	s.incomingMode = ModeNone
}

// ---- helpers ----

func (s *Session) sendEnvelope(event signaling.EventType, payload any) {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	if err := s.conn.Send(env); err != nil {
		s.logger.Warn("failed to send event", zap.String("event", string(event)), zap.Error(err))
	}
}

func (s *Session) sendControl(action string) {
	s.sendEnvelope(signaling.EventControl, signaling.ControlPayload{
		SessionID: s.id,
		Action:    action,
	})
}

func modeFromSDP(desc webrtc.SessionDescription) CallMode {
	if strings.Contains(desc.SDP, "m=video") {
		return ModeVideo
	}
	return ModeAudio
}
