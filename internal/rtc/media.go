package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/quality"
)

// CaptureErrorKind classifies media capture failures. Each kind surfaces a
// distinct user-facing message; a call may still proceed receive-only.
type CaptureErrorKind int

const (
	CapturePermissionDenied CaptureErrorKind = iota
	CaptureDeviceNotFound
	CaptureOther
)

// CaptureError wraps a capture failure with its classification.
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.UserMessage(), e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// UserMessage returns the actionable message shown to the human.
func (e *CaptureError) UserMessage() string {
	switch e.Kind {
	case CapturePermissionDenied:
		return "camera/microphone access was denied - check device permissions"
	case CaptureDeviceNotFound:
		return "no camera or microphone was found on this device"
	default:
		return "could not start camera/microphone"
	}
}

// ClassifyCaptureError maps a raw capture error onto a CaptureError.
func ClassifyCaptureError(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"),
		strings.Contains(msg, "not allowed"):
		return &CaptureError{Kind: CapturePermissionDenied, Err: err}
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "failed to find"):
		return &CaptureError{Kind: CaptureDeviceNotFound, Err: err}
	default:
		return &CaptureError{Kind: CaptureOther, Err: err}
	}
}

// CaptureRequest describes the media shape a call wants.
type CaptureRequest struct {
	Audio bool
	Video bool
	Tier  quality.CaptureTier
}

// LocalMedia is a captured local stream bound to at most one peer
// connection. Stop halts capture and any packet pumps.
type LocalMedia interface {
	AttachTo(pc PeerConnection) error
	HasVideo() bool
	Stop()
}

// MediaSource is the capture capability (the getUserMedia analog). The
// device-backed implementation lives below; tests substitute a fake.
type MediaSource interface {
	Capture(ctx context.Context, req CaptureRequest) (LocalMedia, error)
}

// DeviceSource captures from real devices through pion/mediadevices.
// The agent binary registers the camera/microphone drivers.
type DeviceSource struct {
	Selector *mediadevices.CodecSelector
	Logger   *zap.Logger
}

// Capture requests user media with the tier's explicit min/ideal/max bounds.
func (s *DeviceSource) Capture(_ context.Context, req CaptureRequest) (LocalMedia, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.Selector}
	if req.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.SampleSize = prop.Int(16)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(50 * time.Millisecond)
		}
	}
	if req.Video {
		tier := req.Tier
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
			c.Width = prop.IntRanged{Min: tier.Width.Min, Ideal: tier.Width.Ideal, Max: tier.Width.Max}
			c.Height = prop.IntRanged{Min: tier.Height.Min, Ideal: tier.Height.Ideal, Max: tier.Height.Max}
			c.FrameRate = prop.FloatRanged{
				Min:   float32(tier.FrameRate.Min),
				Ideal: float32(tier.FrameRate.Ideal),
				Max:   float32(tier.FrameRate.Max),
			}
			// Stale frames are worthless in a live call.
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, ClassifyCaptureError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &deviceMedia{
		stream:   stream,
		hasVideo: req.Video,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("media"),
	}, nil
}

const rtpMTU = 1200

// deviceMedia bridges mediadevices tracks onto static RTP tracks added to
// the peer connection, one pump goroutine per track.
type deviceMedia struct {
	stream   mediadevices.MediaStream
	hasVideo bool
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
}

func (m *deviceMedia) HasVideo() bool { return m.hasVideo }

func (m *deviceMedia) AttachTo(pc PeerConnection) error {
	if m.hasVideo {
		videoCodec := webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}
		videoTrack, err := webrtc.NewTrackLocalStaticRTP(videoCodec, "video", "gatelink-video")
		if err != nil {
			return fmt.Errorf("failed to create video track: %w", err)
		}
		sender, err := pc.AddTrack(videoTrack)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		m.startPumps(m.stream.GetVideoTracks(), videoTrack, sender)
	}

	audioCodec := webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	audioTrack, err := webrtc.NewTrackLocalStaticRTP(audioCodec, "audio", "gatelink-audio")
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := pc.AddTrack(audioTrack)
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	m.startPumps(m.stream.GetAudioTracks(), audioTrack, sender)
	return nil
}

func (m *deviceMedia) startPumps(tracks []mediadevices.Track, local *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) {
	params := sender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		m.logger.Warn("no SSRC negotiated for track", zap.String("kind", local.Kind().String()))
		return
	}
	ssrc := uint32(params.Encodings[0].SSRC)
	for _, track := range tracks {
		go m.pump(track, local, ssrc)
	}
}

func (m *deviceMedia) pump(track mediadevices.Track, local *webrtc.TrackLocalStaticRTP, ssrc uint32) {
	rtpReader, err := track.NewRTPReader(local.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		m.logger.Error("failed to create RTP reader", zap.Error(err))
		return
	}
	defer rtpReader.Close()

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		var packets []*rtp.Packet
		packets, _, err = rtpReader.Read()
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Warn("RTP read ended", zap.Error(err))
			}
			return
		}
		for _, packet := range packets {
			if err := local.WriteRTP(packet); err != nil {
				if m.ctx.Err() == nil {
					m.logger.Warn("RTP write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (m *deviceMedia) Stop() {
	m.cancel()
	for _, track := range m.stream.GetTracks() {
		if err := track.Close(); err != nil {
			m.logger.Debug("track close failed", zap.Error(err))
		}
	}
}
