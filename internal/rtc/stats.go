package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gatelink/gatelink/internal/quality"
)

// Diagnostics is one point-in-time snapshot of connection state, collected
// on the diagnostics interval and fed to the quality monitor.
type Diagnostics struct {
	ConnectionState     webrtc.PeerConnectionState
	ICEState            webrtc.ICEConnectionState
	SignalingState      webrtc.SignalingState
	LocalCandidateType  string
	RemoteCandidateType string
	RTT                 time.Duration
	Jitter              time.Duration
	PacketLoss          float64
	SampledAt           time.Time
}

// Sample converts the snapshot into the quality monitor's input form.
func (d Diagnostics) Sample() quality.Sample {
	return quality.Sample{
		Timestamp:           d.SampledAt,
		RTT:                 d.RTT,
		Jitter:              d.Jitter,
		PacketLoss:          d.PacketLoss,
		ICEState:            d.ICEState,
		LocalCandidateType:  d.LocalCandidateType,
		RemoteCandidateType: d.RemoteCandidateType,
	}
}

// collectDiagnostics walks a stats report and pulls out the handful of
// numbers the quality policy cares about.
func collectDiagnostics(pc PeerConnection, now time.Time) Diagnostics {
	diag := Diagnostics{
		ConnectionState: pc.ConnectionState(),
		ICEState:        pc.ICEConnectionState(),
		SignalingState:  pc.SignalingState(),
		SampledAt:       now,
	}

	report := pc.GetStats()

	candidates := make(map[string]webrtc.ICECandidateStats)
	var selected *webrtc.ICECandidatePairStats
	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			diag.RTT = time.Duration(s.RoundTripTime * float64(time.Second))
		case webrtc.InboundRTPStreamStats:
			total := float64(s.PacketsReceived) + float64(s.PacketsLost)
			if total > 0 {
				diag.PacketLoss = float64(s.PacketsLost) / total
			}
			diag.Jitter = time.Duration(s.Jitter * float64(time.Second))
		case webrtc.ICECandidateStats:
			candidates[s.ID] = s
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded {
				pair := s
				selected = &pair
			}
		}
	}

	if selected != nil {
		if local, ok := candidates[selected.LocalCandidateID]; ok {
			diag.LocalCandidateType = local.CandidateType.String()
		}
		if remote, ok := candidates[selected.RemoteCandidateID]; ok {
			diag.RemoteCandidateType = remote.CandidateType.String()
		}
		if diag.RTT == 0 && selected.CurrentRoundTripTime > 0 {
			diag.RTT = time.Duration(selected.CurrentRoundTripTime * float64(time.Second))
		}
	}

	return diag
}
