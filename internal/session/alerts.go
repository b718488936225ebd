package session

import "go.uber.org/zap"

// AlertSink receives user-facing notifications. Implementations must be
// cheap to call; the session invokes them fire-and-forget and never waits
// on the result.
type AlertSink interface {
	IncomingCall(sessionID, displayName string, mode CallMode)
	NetworkDegraded(sessionID string)
	CaptureProblem(sessionID, message string)
}

// LogSink writes alerts to the log. Used when no richer notification
// surface is wired up.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) IncomingCall(sessionID, displayName string, mode CallMode) {
	s.Logger.Info("incoming call",
		zap.String("sessionId", sessionID),
		zap.String("from", displayName),
		zap.String("mode", string(mode)))
}

func (s *LogSink) NetworkDegraded(sessionID string) {
	s.Logger.Warn("network degraded", zap.String("sessionId", sessionID))
}

func (s *LogSink) CaptureProblem(sessionID, message string) {
	s.Logger.Warn("capture problem",
		zap.String("sessionId", sessionID),
		zap.String("message", message))
}

// NopSink discards all alerts.
type NopSink struct{}

func (NopSink) IncomingCall(string, string, CallMode) {}
func (NopSink) NetworkDegraded(string)                {}
func (NopSink) CaptureProblem(string, string)         {}
