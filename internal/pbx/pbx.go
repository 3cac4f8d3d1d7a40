// Package pbx defines the control and event interfaces to the external PBX
// that carries the actual call signaling and media, plus an Asterisk AMI
// implementation. The call state machine only ever commands the PBX through
// Control and observes it through the event stream; SIP and RTP stay entirely
// on the PBX side.
package pbx

import "context"

// Handle identifies one call leg owned by the PBX.
type Handle string

// EventKind classifies call-progress events delivered by the PBX.
type EventKind string

const (
	EventRinging      EventKind = "ringing"
	EventAnswered     EventKind = "answered"
	EventBusy         EventKind = "busy"
	EventNoAnswer     EventKind = "no_answer"
	EventRemoteHangup EventKind = "remote_hangup"
	EventFailed       EventKind = "failed"

	// EventInbound announces a new incoming call leg. CallerExtension
	// carries the remote extension so the application can resolve it to a
	// peer identity.
	EventInbound EventKind = "inbound"
)

// Terminal reports whether the event ends the call leg it refers to.
// Duplicate terminal events are expected from the wire and must be treated
// idempotently by consumers.
func (k EventKind) Terminal() bool {
	switch k {
	case EventBusy, EventNoAnswer, EventRemoteHangup, EventFailed:
		return true
	}
	return false
}

// Event is one asynchronous call-progress notification from the PBX.
type Event struct {
	Handle          Handle
	Kind            EventKind
	CallerExtension string // set on EventInbound
	Cause           string // PBX-reported cause text, if any
}

// Control is the command surface of the external PBX. Implementations queue
// commands and return promptly: call progress arrives on the event stream,
// never as a synchronous response.
type Control interface {
	// Dial originates a call to the target address from the local
	// extension and returns a handle for correlating later events.
	Dial(ctx context.Context, targetAddr string, targetExt, fromExt int) (Handle, error)

	// Answer accepts the inbound call leg identified by the handle.
	Answer(ctx context.Context, h Handle) error

	// Terminate hangs up the call leg identified by the handle. Safe to
	// call for legs the PBX has already torn down.
	Terminate(ctx context.Context, h Handle) error
}
