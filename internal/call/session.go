// Package call implements the singleton call session state machine. One
// machine exists per phone; it serializes handset events, UI dial requests,
// and PBX callbacks into a single consistent ordering, consults the
// quiet-hours gate before committing to an outbound call, and commands the
// external PBX through the pbx package.
package call

import (
	"errors"
	"time"

	"github.com/redphone/redphoned/internal/pbx"
	"github.com/redphone/redphoned/internal/presence"
)

// State names the call session lifecycle phases.
type State string

const (
	StateIdle                 State = "idle"
	StateDialing              State = "dialing"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateCalling              State = "calling"
	StateRinging              State = "ringing"
	StateInCall               State = "in_call"
	StateEnded                State = "ended"
)

// Role distinguishes which side of the call this phone is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var (
	// ErrBusy is returned when a dial or accept is attempted while a
	// session is already live. The active session is never pre-empted.
	ErrBusy = errors.New("call: busy")

	// ErrUnreachable is returned when the dial target is unknown, offline,
	// or this phone itself. No PBX command is issued.
	ErrUnreachable = errors.New("call: target unreachable")

	// ErrBadState is returned for confirm/cancel/answer outside the state
	// that accepts them. No state change occurs.
	ErrBadState = errors.New("call: not valid in current state")
)

// Session is the singleton in-progress call. It is owned exclusively by the
// Machine; external consumers only ever see Status snapshots.
type Session struct {
	ID        string
	Role      Role
	Peer      presence.Identity
	PeerName  string
	State     State
	Handle    pbx.Handle
	StartedAt time.Time

	// QuietHoursAcknowledged records that the user confirmed the call
	// despite the quiet-hours window.
	QuietHoursAcknowledged bool

	// EndReason is set when the session reaches ENDED.
	EndReason string

	terminateSent bool
}

// Status is the read-only snapshot exposed to the UI and admin API.
type Status struct {
	State    State             `json:"state"`
	Peer     presence.Identity `json:"peer,omitempty"`
	PeerName string            `json:"peer_name,omitempty"`
	Elapsed  time.Duration     `json:"elapsed,omitempty"`
}

// live reports whether the session still occupies the phone: a live session
// rejects new dial and accept attempts as busy.
func (s *Session) live() bool {
	return s != nil && s.State != StateEnded
}
