package quality

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Sample is one point-in-time statistics reading from the peer connection.
type Sample struct {
	Timestamp           time.Time
	RTT                 time.Duration
	Jitter              time.Duration
	PacketLoss          float64 // 0.0-1.0
	ICEState            webrtc.ICEConnectionState
	LocalCandidateType  string
	RemoteCandidateType string
}

// Tier is the overall network quality classification.
type Tier int

const (
	TierGood Tier = iota
	TierSlow
	TierReconnecting
)

func (t Tier) String() string {
	switch t {
	case TierGood:
		return "good"
	case TierSlow:
		return "slow"
	case TierReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Threshold rules. A risky breach downgrades quality one step; a critical
// breach, or a failed/disconnected ICE state, drops to the worst tier.
const (
	riskyRTT       = 300 * time.Millisecond
	criticalRTT    = 800 * time.Millisecond
	riskyLoss      = 0.03 // 3%
	criticalLoss   = 0.10 // 10%
	riskyJitter    = 30 * time.Millisecond
	criticalJitter = 100 * time.Millisecond

	historyCapacity = 20
)

// Monitor classifies network quality from peer statistics samples and
// signaling-transport health. Transport reconnects are quality signals, so
// they downgrade classification while in flight instead of ending calls.
type Monitor struct {
	mu             sync.RWMutex
	history        *sampleRing
	transportFlaky bool
	current        Tier
	onChange       func(Tier)
	logger         *zap.Logger
}

// NewMonitor creates a quality monitor.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		history: newSampleRing(historyCapacity),
		current: TierGood,
		logger:  logger.Named("quality"),
	}
}

// OnChange registers a callback fired whenever the classification changes.
func (m *Monitor) OnChange(fn func(Tier)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Observe records one sample and reclassifies.
func (m *Monitor) Observe(s Sample) Tier {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	m.history.Add(s)

	m.mu.Lock()
	tier := classify(s, m.transportFlaky)
	changed := tier != m.current
	m.current = tier
	fn := m.onChange
	m.mu.Unlock()

	if changed {
		m.logger.Info("network quality changed",
			zap.String("tier", tier.String()),
			zap.Duration("rtt", s.RTT),
			zap.Duration("jitter", s.Jitter),
			zap.Float64("loss", s.PacketLoss))
		if fn != nil {
			fn(tier)
		}
	}
	return tier
}

// SetTransportFlaky marks the signaling transport as down/reconnecting (true)
// or healthy (false) and reclassifies against the latest sample.
func (m *Monitor) SetTransportFlaky(flaky bool) {
	m.mu.Lock()
	m.transportFlaky = flaky
	m.mu.Unlock()

	recent := m.history.Recent(1)
	if len(recent) == 1 {
		m.Observe(recent[0])
	}
}

// Current returns the current classification.
func (m *Monitor) Current() Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Recent returns the most recent n samples, newest first.
func (m *Monitor) Recent(n int) []Sample {
	return m.history.Recent(n)
}

// Reset clears sample history and returns classification to good. Called
// when the peer connection is torn down.
func (m *Monitor) Reset() {
	m.history.Clear()
	m.mu.Lock()
	m.current = TierGood
	m.transportFlaky = false
	m.mu.Unlock()
}

func classify(s Sample, transportFlaky bool) Tier {
	if s.ICEState == webrtc.ICEConnectionStateFailed ||
		s.ICEState == webrtc.ICEConnectionStateDisconnected {
		return TierReconnecting
	}
	if s.RTT > criticalRTT || s.PacketLoss > criticalLoss || s.Jitter > criticalJitter {
		return TierReconnecting
	}

	tier := TierGood
	if s.RTT > riskyRTT || s.PacketLoss > riskyLoss || s.Jitter > riskyJitter {
		tier = TierSlow
	}
	if transportFlaky && tier < TierReconnecting {
		tier++
	}
	return tier
}
