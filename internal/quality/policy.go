package quality

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Decision is the adaptation output applied before capture and negotiation.
type Decision struct {
	CaptureTier CaptureTier
	ICEPolicy   webrtc.ICETransportPolicy
	// DemoteVideo silently turns a requested video call into audio-only
	// before capture is even attempted.
	DemoteVideo bool
}

// Policy chooses capture constraints and ICE transport policy from the
// quality classification, the device class, and the user's persisted
// low-bandwidth preference.
type Policy struct {
	mu           sync.RWMutex
	device       DeviceClass
	lowBandwidth bool
	forceRelay   bool
	tier         Tier
	logger       *zap.Logger
}

// NewPolicy creates an adaptation policy for the given device class.
func NewPolicy(device DeviceClass, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		device: device,
		tier:   TierGood,
		logger: logger.Named("adaptation"),
	}
}

// SetLowBandwidth applies the persisted user preference.
func (p *Policy) SetLowBandwidth(on bool) {
	p.mu.Lock()
	p.lowBandwidth = on
	p.mu.Unlock()
}

// SetForceRelay pins ICE to relay-only. Set by the connection recovery
// policy; cleared when a call ends.
func (p *Policy) SetForceRelay(on bool) {
	p.mu.Lock()
	changed := p.forceRelay != on
	p.forceRelay = on
	p.mu.Unlock()
	if changed {
		p.logger.Info("relay-only transport", zap.Bool("forced", on))
	}
}

// SetQuality feeds the latest classification from the Monitor.
func (p *Policy) SetQuality(t Tier) {
	p.mu.Lock()
	p.tier = t
	p.mu.Unlock()
}

// ForceRelay reports whether relay-only is currently pinned.
func (p *Policy) ForceRelay() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.forceRelay
}

// LowBandwidth reports the user preference.
func (p *Policy) LowBandwidth() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lowBandwidth
}

// Decide computes the current adaptation decision.
func (p *Policy) Decide() Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tiers := CaptureTiers()
	var capture CaptureTier
	switch {
	case p.device == DeviceMobile && (p.lowBandwidth || p.tier != TierGood):
		capture = tiers[0] // constrained-mobile
	case p.device == DeviceMobile:
		capture = tiers[1] // standard-mobile
	case p.lowBandwidth || p.tier != TierGood:
		capture = tiers[1]
	default:
		capture = tiers[2] // desktop
	}

	ice := webrtc.ICETransportPolicyAll
	if p.forceRelay || p.tier == TierReconnecting {
		ice = webrtc.ICETransportPolicyRelay
	}

	return Decision{
		CaptureTier: capture,
		ICEPolicy:   ice,
		DemoteVideo: p.lowBandwidth || p.tier == TierReconnecting,
	}
}
