// Package session implements the call lifecycle for one intercom session.
// Each session is driven by a single event loop: signaling events, user
// intents, and timer fires are all posted onto the loop, so transitions
// are atomic without shared locks on the call state.
package session

// State is the authoritative call state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateWaiting
	StateSignaling
	StateRinging
	StateIncoming
	StateConnected
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateWaiting:
		return "waiting"
	case StateSignaling:
		return "signaling"
	case StateRinging:
		return "ringing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Active reports whether the session is in a live call state.
func (s State) Active() bool {
	return s != StateIdle && s != StateEnded
}

// LaunchStage is the coarse progress indicator shown while a call is being
// established.
type LaunchStage int

const (
	StageIdle LaunchStage = iota
	StagePreparing
	StageWaiting
	StageSignaling
	StageRinging
)

func (s LaunchStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StagePreparing:
		return "preparing"
	case StageWaiting:
		return "waiting"
	case StageSignaling:
		return "signaling"
	case StageRinging:
		return "ringing"
	default:
		return "unknown"
	}
}

func stageFor(s State) LaunchStage {
	switch s {
	case StatePreparing:
		return StagePreparing
	case StateWaiting:
		return StageWaiting
	case StateSignaling:
		return StageSignaling
	case StateRinging, StateIncoming:
		return StageRinging
	default:
		return StageIdle
	}
}

// CallMode records which media shape a call was accepted with.
type CallMode string

const (
	ModeNone  CallMode = ""
	ModeAudio CallMode = "audio"
	ModeVideo CallMode = "video"
)

// Role identifies which side of the intercom this process is.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleResident Role = "resident"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleVisitor:
		return RoleVisitor, true
	case RoleResident:
		return RoleResident, true
	default:
		return "", false
	}
}
