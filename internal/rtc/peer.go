// Package rtc owns the single active peer connection for a call session:
// track attach/detach, offer/answer creation, ICE candidate buffering, and
// statistics sampling. The WebRTC and capture engines are injected
// capabilities so the negotiation logic is testable without devices.
package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the capability surface this package needs from a WebRTC
// peer connection. *webrtc.PeerConnection satisfies it; tests substitute a
// fake implementing the same offer/answer/candidate/state contract.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	SignalingState() webrtc.SignalingState
	GetStats() webrtc.StatsReport
	Close() error
}

// PeerFactory creates peer connections with a given ICE transport policy.
type PeerFactory interface {
	NewPeer(policy webrtc.ICETransportPolicy) (PeerConnection, error)
}

// PionFactory builds real pion peer connections.
type PionFactory struct {
	ICEServers []string
	// Populate registers additional codecs on the media engine, typically
	// mediadevices' codec selector. Nil means default codecs only.
	Populate func(engine *webrtc.MediaEngine)
}

// NewPeer creates a peer connection configured like the agent expects:
// default codecs plus whatever Populate registers, and the supplied ICE
// transport policy.
func (f *PionFactory) NewPeer(policy webrtc.ICETransportPolicy) (PeerConnection, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if f.Populate != nil {
		f.Populate(&mediaEngine)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))

	pcConfig := webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: f.ICEServers}},
		ICETransportPolicy: policy,
	}
	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}
