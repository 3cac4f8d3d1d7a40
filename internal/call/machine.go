package call

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redphone/redphoned/internal/pbx"
	"github.com/redphone/redphoned/internal/presence"
	"github.com/redphone/redphoned/internal/quiethours"
)

const (
	// DefaultSelectTimeout bounds DIALING and AWAITING_CONFIRMATION: an
	// abandoned flow falls back to IDLE instead of wedging the UI.
	DefaultSelectTimeout = 30 * time.Second

	// DefaultEndedLinger is how long a finished session stays visible in
	// ENDED before the machine resets to IDLE on its own. A replaced
	// handset resets immediately.
	DefaultEndedLinger = 3 * time.Second
)

// PresenceDirectory is the read side of the discovery engine used for
// target validation. The snapshot is bounded and lock-free for the caller.
type PresenceDirectory interface {
	List() []presence.Record
}

// Config holds the machine's identity and timing knobs. Zero durations
// select the defaults.
type Config struct {
	SelfIdentity  presence.Identity
	SelfExtension int
	SelectTimeout time.Duration
	EndedLinger   time.Duration
}

// Machine is the serialized state-machine actor: one transition at a time,
// enforced by the session mutex. PBX commands are fire-and-forget (the
// Control implementation queues them), so no network I/O happens under the
// lock.
type Machine struct {
	cfg     Config
	control pbx.Control
	dir     PresenceDirectory
	window  func() quiethours.Window
	logger  *slog.Logger
	nowFunc func() time.Time

	mu       sync.Mutex
	session  *Session
	timerGen int
	pending  []Status

	listeners   []func(Status)
	transitions uint64
}

// NewMachine creates the state machine. window must return the current
// quiet-hours configuration atomically (see config.Store).
func NewMachine(cfg Config, control pbx.Control, dir PresenceDirectory, window func() quiethours.Window, logger *slog.Logger) *Machine {
	if cfg.SelectTimeout <= 0 {
		cfg.SelectTimeout = DefaultSelectTimeout
	}
	if cfg.EndedLinger <= 0 {
		cfg.EndedLinger = DefaultEndedLinger
	}
	return &Machine{
		cfg:     cfg,
		control: control,
		dir:     dir,
		window:  window,
		logger:  logger.With("subsystem", "call"),
		nowFunc: time.Now,
	}
}

// OnStateChange registers a listener invoked after every transition with the
// new status. Listeners run outside the session lock.
func (m *Machine) OnStateChange(fn func(Status)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Run consumes PBX events until the context is cancelled or the stream
// closes. Intended to be launched as the machine's single event-pump
// goroutine.
func (m *Machine) Run(ctx context.Context, events <-chan pbx.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.HandleEvent(ev)
		}
	}
}

// Status returns the current snapshot.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// State returns the current state name, for metrics.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateIdle
	}
	return m.session.State
}

// Transitions returns the number of state transitions since start.
func (m *Machine) Transitions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}

// HandsetLifted handles an off-hook transition: IDLE begins target
// selection, RINGING answers the inbound call. In any other state the lift
// is already implied and ignored.
func (m *Machine) HandsetLifted() {
	m.mu.Lock()
	defer m.unlockAndNotify()

	switch {
	case m.session == nil:
		m.session = &Session{
			ID:        uuid.NewString(),
			Role:      RoleCaller,
			StartedAt: m.nowFunc(),
		}
		m.transitionLocked(StateDialing)
		m.armSelectTimeoutLocked()
	case m.session.State == StateRinging:
		m.control.Answer(context.Background(), m.session.Handle)
		m.transitionLocked(StateInCall)
		m.session.StartedAt = m.nowFunc()
	}
}

// HandsetReplaced handles an on-hook transition: it ends whatever is in
// flight and releases the session immediately.
func (m *Machine) HandsetReplaced() {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.session == nil {
		return
	}
	switch m.session.State {
	case StateDialing, StateAwaitingConfirmation:
		m.resetLocked()
	case StateCalling, StateRinging, StateInCall:
		m.endLocked("hangup")
		m.resetLocked()
	case StateEnded:
		m.resetLocked()
	}
}

// Dial requests an outbound call to the target identity. Valid from IDLE
// (UI-initiated dial) or DIALING (handset lifted first). The target must be
// present in the discovery snapshot and must not be this phone.
func (m *Machine) Dial(target presence.Identity) error {
	// Snapshot presence before taking the session lock.
	rec, found := m.findTarget(target)

	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.session.live() && m.session.State != StateDialing {
		return ErrBusy
	}
	if !found || target == m.cfg.SelfIdentity {
		m.logger.Info("dial rejected", "target", target, "reason", "unreachable")
		return ErrUnreachable
	}

	if m.session == nil || m.session.State == StateEnded {
		m.timerGen++ // cancel any pending ended-reset
		m.session = &Session{
			ID:        uuid.NewString(),
			Role:      RoleCaller,
			StartedAt: m.nowFunc(),
		}
	}
	m.session.Peer = rec.Identity
	m.session.PeerName = rec.DisplayName

	if quiethours.RequiresConfirmation(m.nowFunc(), m.window()) {
		m.transitionLocked(StateAwaitingConfirmation)
		m.armSelectTimeoutLocked()
		return nil
	}
	m.startCallingLocked(rec)
	return nil
}

// Confirm acknowledges the quiet-hours prompt and places the call.
func (m *Machine) Confirm() error {
	// Re-validate the target: it may have been evicted while the prompt
	// was on screen.
	m.mu.Lock()
	var target presence.Identity
	if m.session != nil {
		target = m.session.Peer
	}
	m.mu.Unlock()
	rec, found := m.findTarget(target)

	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.session == nil || m.session.State != StateAwaitingConfirmation {
		return ErrBadState
	}
	if !found {
		m.resetLocked()
		return ErrUnreachable
	}
	m.session.QuietHoursAcknowledged = true
	m.startCallingLocked(rec)
	return nil
}

// Cancel declines the quiet-hours prompt or abandons target selection.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.session == nil {
		return ErrBadState
	}
	switch m.session.State {
	case StateAwaitingConfirmation, StateDialing:
		m.resetLocked()
		return nil
	}
	return ErrBadState
}

// HandleEvent applies one PBX call-progress event. Duplicate or out-of-order
// terminal events are idempotent no-ops.
func (m *Machine) HandleEvent(ev pbx.Event) {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if ev.Kind == pbx.EventInbound {
		m.handleInboundLocked(ev)
		return
	}

	if m.session == nil || m.session.Handle == "" || m.session.Handle != ev.Handle {
		return
	}

	switch ev.Kind {
	case pbx.EventRinging:
		// Outbound progress; CALLING already covers it.

	case pbx.EventAnswered:
		if m.session.State == StateCalling {
			m.transitionLocked(StateInCall)
			m.session.StartedAt = m.nowFunc()
		}
		// Duplicate answered while IN_CALL: no-op.

	case pbx.EventBusy, pbx.EventNoAnswer, pbx.EventFailed, pbx.EventRemoteHangup:
		if m.session.State == StateEnded {
			return
		}
		m.endLocked(string(ev.Kind))
		m.armEndedResetLocked()
	}
}

func (m *Machine) handleInboundLocked(ev pbx.Event) {
	if m.session.live() {
		// Conservative policy: the second call fails as busy, the active
		// session is untouched.
		m.logger.Info("inbound call rejected busy", "caller", ev.CallerExtension)
		m.control.Terminate(context.Background(), ev.Handle)
		return
	}

	peer, name := m.resolveCaller(ev.CallerExtension)
	m.session = &Session{
		ID:        uuid.NewString(),
		Role:      RoleCallee,
		Peer:      peer,
		PeerName:  name,
		Handle:    ev.Handle,
		StartedAt: m.nowFunc(),
	}
	m.transitionLocked(StateRinging)
	// Ring timeout is enforced by the PBX and surfaced as an event.
}

// startCallingLocked issues the dial command and enters CALLING. The control
// implementation queues the command; no network I/O happens here.
func (m *Machine) startCallingLocked(rec presence.Record) {
	handle, err := m.control.Dial(context.Background(), rec.Addr, rec.Extension, m.cfg.SelfExtension)
	if err != nil {
		m.logger.Error("dial command failed", "target", rec.Identity, "error", err)
		m.endLocked("pbx_unavailable")
		m.armEndedResetLocked()
		return
	}
	m.session.Handle = handle
	m.transitionLocked(StateCalling)
	m.session.StartedAt = m.nowFunc()
}

// endLocked moves the session to ENDED and issues a terminate unless one is
// already in flight.
func (m *Machine) endLocked(reason string) {
	if m.session == nil || m.session.State == StateEnded {
		return
	}
	m.session.EndReason = reason
	if !m.session.terminateSent && m.session.Handle != "" {
		m.session.terminateSent = true
		m.control.Terminate(context.Background(), m.session.Handle)
	}
	m.transitionLocked(StateEnded)
}

// resetLocked destroys the session, releasing the phone for a new call.
func (m *Machine) resetLocked() {
	m.timerGen++
	m.session = nil
	m.transitionLocked(StateIdle)
}

// transitionLocked applies the state change and queues a status snapshot for
// delivery once the lock is released.
func (m *Machine) transitionLocked(to State) {
	if m.session != nil {
		m.session.State = to
	}
	m.transitions++
	m.pending = append(m.pending, m.statusLocked())
	m.logger.Info("call state", "state", string(to))
}

// armSelectTimeoutLocked falls the machine back to IDLE if the user abandons
// the DIALING or AWAITING_CONFIRMATION flow.
func (m *Machine) armSelectTimeoutLocked() {
	m.timerGen++
	gen := m.timerGen
	time.AfterFunc(m.cfg.SelectTimeout, func() {
		m.mu.Lock()
		defer m.unlockAndNotify()
		if m.timerGen != gen || m.session == nil {
			return
		}
		if m.session.State == StateDialing || m.session.State == StateAwaitingConfirmation {
			m.logger.Info("selection timed out")
			m.resetLocked()
		}
	})
}

// armEndedResetLocked clears a finished session after the linger period if
// the handset never came back on-hook (e.g. a missed inbound call).
func (m *Machine) armEndedResetLocked() {
	m.timerGen++
	gen := m.timerGen
	time.AfterFunc(m.cfg.EndedLinger, func() {
		m.mu.Lock()
		defer m.unlockAndNotify()
		if m.timerGen != gen || m.session == nil || m.session.State != StateEnded {
			return
		}
		m.resetLocked()
	})
}

func (m *Machine) statusLocked() Status {
	if m.session == nil {
		return Status{State: StateIdle}
	}
	st := Status{
		State:    m.session.State,
		Peer:     m.session.Peer,
		PeerName: m.session.PeerName,
	}
	switch m.session.State {
	case StateCalling, StateRinging, StateInCall:
		st.Elapsed = m.nowFunc().Sub(m.session.StartedAt)
	}
	return st
}

// unlockAndNotify publishes every queued transition to listeners outside the
// lock, in order. Used as the deferred unlock for every mutating entry point.
func (m *Machine) unlockAndNotify() {
	pending := m.pending
	m.pending = nil
	listeners := append(([]func(Status))(nil), m.listeners...)
	m.mu.Unlock()
	for _, status := range pending {
		for _, fn := range listeners {
			fn(status)
		}
	}
}

// findTarget scans the presence snapshot for the identity. Stale peers are
// still diallable; only absent identities are unreachable.
func (m *Machine) findTarget(target presence.Identity) (presence.Record, bool) {
	if target == "" {
		return presence.Record{}, false
	}
	for _, rec := range m.dir.List() {
		if rec.Identity == target {
			return rec, true
		}
	}
	return presence.Record{}, false
}

// resolveCaller maps an inbound caller extension to a known peer, falling
// back to a synthetic name when the caller is not in the snapshot.
func (m *Machine) resolveCaller(callerExt string) (presence.Identity, string) {
	ext, err := strconv.Atoi(callerExt)
	if err == nil {
		for _, rec := range m.dir.List() {
			if rec.Extension == ext {
				return rec.Identity, rec.DisplayName
			}
		}
	}
	return "", "extension " + callerExt
}
