package quality

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestClassifyThresholds(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		flaky  bool
		want   Tier
	}{
		{
			name:   "healthy connection",
			sample: Sample{RTT: 80 * time.Millisecond, Jitter: 5 * time.Millisecond, PacketLoss: 0.001},
			want:   TierGood,
		},
		{
			name:   "risky rtt downgrades one step",
			sample: Sample{RTT: 400 * time.Millisecond},
			want:   TierSlow,
		},
		{
			name:   "risky loss downgrades one step",
			sample: Sample{PacketLoss: 0.05},
			want:   TierSlow,
		},
		{
			name:   "risky jitter downgrades one step",
			sample: Sample{Jitter: 50 * time.Millisecond},
			want:   TierSlow,
		},
		{
			name:   "critical rtt drops to worst tier",
			sample: Sample{RTT: 900 * time.Millisecond},
			want:   TierReconnecting,
		},
		{
			name:   "critical loss drops to worst tier",
			sample: Sample{PacketLoss: 0.2},
			want:   TierReconnecting,
		},
		{
			name:   "ice failed drops to worst tier",
			sample: Sample{ICEState: webrtc.ICEConnectionStateFailed},
			want:   TierReconnecting,
		},
		{
			name:   "ice disconnected drops to worst tier",
			sample: Sample{ICEState: webrtc.ICEConnectionStateDisconnected},
			want:   TierReconnecting,
		},
		{
			name:   "flaky transport bumps good to slow",
			sample: Sample{RTT: 50 * time.Millisecond},
			flaky:  true,
			want:   TierSlow,
		},
		{
			name:   "flaky transport bumps slow to reconnecting",
			sample: Sample{RTT: 400 * time.Millisecond},
			flaky:  true,
			want:   TierReconnecting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.sample, tt.flaky); got != tt.want {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorFiresOnChangeOnce(t *testing.T) {
	m := NewMonitor(nil)
	var changes []Tier
	m.OnChange(func(tier Tier) { changes = append(changes, tier) })

	m.Observe(Sample{RTT: 400 * time.Millisecond})
	m.Observe(Sample{RTT: 420 * time.Millisecond})
	m.Observe(Sample{RTT: 50 * time.Millisecond})

	if len(changes) != 2 {
		t.Fatalf("expected 2 change notifications, got %d: %v", len(changes), changes)
	}
	if changes[0] != TierSlow || changes[1] != TierGood {
		t.Fatalf("unexpected change sequence: %v", changes)
	}
}

func TestMonitorReset(t *testing.T) {
	m := NewMonitor(nil)
	m.Observe(Sample{RTT: time.Second})
	if m.Current() != TierReconnecting {
		t.Fatalf("expected reconnecting, got %v", m.Current())
	}
	m.Reset()
	if m.Current() != TierGood {
		t.Fatalf("reset did not return to good: %v", m.Current())
	}
	if got := m.Recent(5); len(got) != 0 {
		t.Fatalf("history survived reset: %d samples", len(got))
	}
}

func TestSampleRingKeepsNewest(t *testing.T) {
	r := newSampleRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Add(Sample{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if r.Size() != 3 {
		t.Fatalf("expected size 3, got %d", r.Size())
	}
	recent := r.Recent(3)
	if !recent[0].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("newest sample missing: %v", recent[0].Timestamp)
	}
	if !recent[2].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("oldest retained sample wrong: %v", recent[2].Timestamp)
	}
}

func TestPolicyDecisions(t *testing.T) {
	tests := []struct {
		name        string
		device      DeviceClass
		lowBW       bool
		forceRelay  bool
		tier        Tier
		wantCapture string
		wantRelay   bool
		wantDemote  bool
	}{
		{
			name:        "desktop on a good network",
			device:      DeviceDesktop,
			wantCapture: "desktop",
		},
		{
			name:        "desktop slow network steps down",
			device:      DeviceDesktop,
			tier:        TierSlow,
			wantCapture: "standard-mobile",
		},
		{
			name:        "mobile on a good network",
			device:      DeviceMobile,
			wantCapture: "standard-mobile",
		},
		{
			name:        "mobile with low bandwidth preference",
			device:      DeviceMobile,
			lowBW:       true,
			wantCapture: "constrained-mobile",
			wantDemote:  true,
		},
		{
			name:        "forced relay pins relay-only",
			device:      DeviceDesktop,
			forceRelay:  true,
			wantCapture: "desktop",
			wantRelay:   true,
		},
		{
			name:        "reconnecting tier forces relay and demotion",
			device:      DeviceDesktop,
			tier:        TierReconnecting,
			wantCapture: "standard-mobile",
			wantRelay:   true,
			wantDemote:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.device, nil)
			p.SetLowBandwidth(tt.lowBW)
			p.SetForceRelay(tt.forceRelay)
			p.SetQuality(tt.tier)

			d := p.Decide()
			if d.CaptureTier.Name != tt.wantCapture {
				t.Errorf("capture tier = %s, want %s", d.CaptureTier.Name, tt.wantCapture)
			}
			gotRelay := d.ICEPolicy == webrtc.ICETransportPolicyRelay
			if gotRelay != tt.wantRelay {
				t.Errorf("relay = %v, want %v", gotRelay, tt.wantRelay)
			}
			if d.DemoteVideo != tt.wantDemote {
				t.Errorf("demote = %v, want %v", d.DemoteVideo, tt.wantDemote)
			}
		})
	}
}
