package pbx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/textproto"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// amiConnectTimeout bounds the TCP dial to the manager interface.
	amiConnectTimeout = 5 * time.Second

	// amiActionQueueSize is the buffer for outgoing manager actions. The
	// state machine fires commands without waiting; a full queue means the
	// PBX link is down and the command is dropped with an error.
	amiActionQueueSize = 16

	// amiEventQueueSize buffers call-progress events toward the state
	// machine. Call-control events are never dropped; the buffer only
	// decouples the read loop from the consumer.
	amiEventQueueSize = 64
)

// ErrNotConnected is returned when a command is issued while the manager
// connection is down or its action queue is full.
var ErrNotConnected = errors.New("pbx: manager connection unavailable")

// AMIConfig holds the Asterisk Manager Interface connection settings.
type AMIConfig struct {
	Addr     string // host:port, typically 127.0.0.1:5038
	Username string
	Secret   string

	// OutboundContext is the dialplan context used to originate calls.
	OutboundContext string
	// InboundContext is the dialplan context incoming peer calls land in.
	InboundContext string
	// AnswerContext is the dialplan context that auto-answers the local
	// handset channel.
	AnswerContext string
	// HandsetChannel is the channel of the local handset device.
	HandsetChannel string
}

func (c *AMIConfig) applyDefaults() {
	if c.OutboundContext == "" {
		c.OutboundContext = "redphone-outbound"
	}
	if c.InboundContext == "" {
		c.InboundContext = "redphone-inbound"
	}
	if c.AnswerContext == "" {
		c.AnswerContext = "redphone-answer"
	}
	if c.HandsetChannel == "" {
		c.HandsetChannel = "SIP/handset"
	}
}

// amiAction is one manager action frame, rendered as Key: Value lines.
type amiAction map[string]string

// legState tracks the channel and uniqueid belonging to one call handle.
type legState struct {
	handle   Handle
	channel  string
	answered bool
}

// AMIClient drives a co-resident Asterisk over the Manager Interface. It
// reconnects with jittered exponential backoff, translates manager events
// into the pbx event vocabulary, and writes queued actions from a single
// writer goroutine so callers never block on network I/O.
type AMIClient struct {
	cfg    AMIConfig
	logger *slog.Logger

	events  chan Event
	actions chan amiAction

	mu       sync.Mutex
	byUnique map[string]*legState // uniqueid -> leg
	byHandle map[Handle]*legState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAMIClient creates a client for the given manager endpoint.
func NewAMIClient(cfg AMIConfig, logger *slog.Logger) *AMIClient {
	cfg.applyDefaults()
	return &AMIClient{
		cfg:      cfg,
		logger:   logger.With("subsystem", "ami"),
		events:   make(chan Event, amiEventQueueSize),
		actions:  make(chan amiAction, amiActionQueueSize),
		byUnique: make(map[string]*legState),
		byHandle: make(map[Handle]*legState),
	}
}

// Events returns the call-progress event stream.
func (c *AMIClient) Events() <-chan Event {
	return c.events
}

// Start begins the connection loop. Non-blocking.
func (c *AMIClient) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Stop tears down the manager connection and waits for the loop to exit.
func (c *AMIClient) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Dial originates a call to the target peer. The returned handle correlates
// later events; call progress is delivered on Events, never synchronously.
func (c *AMIClient) Dial(_ context.Context, targetAddr string, targetExt, fromExt int) (Handle, error) {
	h := Handle(uuid.NewString())

	c.mu.Lock()
	c.byHandle[h] = &legState{handle: h}
	c.mu.Unlock()

	err := c.enqueue(amiAction{
		"Action":   "Originate",
		"ActionID": string(h),
		"Channel":  c.cfg.HandsetChannel,
		"Context":  c.cfg.OutboundContext,
		"Exten":    fmt.Sprintf("%d", targetExt),
		"Priority": "1",
		"CallerID": fmt.Sprintf("%d", fromExt),
		"Variable": "REDPHONE_PEER=" + targetAddr,
		"Async":    "true",
	})
	if err != nil {
		c.forget(h)
		return "", err
	}
	return h, nil
}

// Answer redirects the inbound leg into the auto-answer context.
func (c *AMIClient) Answer(_ context.Context, h Handle) error {
	channel, known := c.channelFor(h)
	if !known || channel == "" {
		return fmt.Errorf("pbx: unknown call handle %s", h)
	}
	return c.enqueue(amiAction{
		"Action":   "Redirect",
		"Channel":  channel,
		"Context":  c.cfg.AnswerContext,
		"Exten":    "s",
		"Priority": "1",
	})
}

// Terminate hangs up the leg. Legs the PBX already tore down are ignored.
func (c *AMIClient) Terminate(_ context.Context, h Handle) error {
	channel, known := c.channelFor(h)
	if !known {
		return nil
	}
	if channel == "" {
		// Originate still pending; cancel by ActionID is not supported,
		// the leg will fail on its own. Drop our bookkeeping.
		c.forget(h)
		return nil
	}
	return c.enqueue(amiAction{
		"Action":  "Hangup",
		"Channel": channel,
	})
}

// channelFor copies the leg's channel out under the lock; the session reader
// goroutine rebinds channels concurrently. known reports whether the handle
// is tracked at all; the channel is empty while an originate is pending.
func (c *AMIClient) channelFor(h Handle) (channel string, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	leg, ok := c.byHandle[h]
	if !ok {
		return "", false
	}
	return leg.channel, true
}

func (c *AMIClient) forget(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if leg, ok := c.byHandle[h]; ok {
		delete(c.byHandle, h)
		for uid, l := range c.byUnique {
			if l == leg {
				delete(c.byUnique, uid)
			}
		}
	}
}

func (c *AMIClient) enqueue(a amiAction) error {
	select {
	case c.actions <- a:
		return nil
	default:
		return ErrNotConnected
	}
}

// run reconnects to the manager endpoint until the context is cancelled.
func (c *AMIClient) run(ctx context.Context) {
	defer close(c.done)

	backoff := newBackoff(time.Second, 30*time.Second)
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			delay := backoff.next()
			c.logger.Warn("manager connection lost", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		backoff.reset()
	}
}

// session runs one connected manager session: login, then concurrent
// action writer and event reader until either side fails.
func (c *AMIClient) session(ctx context.Context) error {
	d := net.Dialer{Timeout: amiConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dialing manager: %w", err)
	}
	defer conn.Close()

	// Unblock the blocking reads promptly on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tp := textproto.NewReader(bufio.NewReader(conn))
	if _, err := tp.ReadLine(); err != nil { // banner: "Asterisk Call Manager/x.y"
		return fmt.Errorf("reading manager banner: %w", err)
	}

	if err := writeAction(conn, amiAction{
		"Action":   "Login",
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
		"Events":   "call",
	}); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	c.logger.Info("manager connected", "addr", c.cfg.Addr)

	writeErr := make(chan error, 1)
	writerCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go func() {
		for {
			select {
			case <-writerCtx.Done():
				return
			case a := <-c.actions:
				if err := writeAction(conn, a); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			return fmt.Errorf("writing action: %w", err)
		default:
		}

		frame, err := tp.ReadMIMEHeader()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		c.handleFrame(frame)
	}
}

// handleFrame translates one manager frame into zero or more pbx events.
func (c *AMIClient) handleFrame(frame textproto.MIMEHeader) {
	switch frame.Get("Event") {
	case "OriginateResponse":
		h := Handle(frame.Get("ActionID"))
		if frame.Get("Response") == "Failure" {
			c.emit(Event{Handle: h, Kind: EventFailed, Cause: frame.Get("Reason")})
			c.forget(h)
			return
		}
		c.bind(h, frame.Get("Uniqueid"), frame.Get("Channel"))

	case "Newchannel":
		if frame.Get("Context") != c.cfg.InboundContext {
			return
		}
		h := Handle(frame.Get("Uniqueid"))
		c.mu.Lock()
		leg := &legState{handle: h, channel: frame.Get("Channel")}
		c.byHandle[h] = leg
		c.byUnique[frame.Get("Uniqueid")] = leg
		c.mu.Unlock()
		c.emit(Event{Handle: h, Kind: EventInbound, CallerExtension: frame.Get("CallerIDNum")})

	case "Newstate":
		if leg := c.legForUnique(frame.Get("Uniqueid")); leg != nil {
			if frame.Get("ChannelStateDesc") == "Ringing" || frame.Get("ChannelStateDesc") == "Ring" {
				c.emit(Event{Handle: leg.handle, Kind: EventRinging})
			}
		}

	case "DialEnd":
		leg := c.legForUnique(frame.Get("Uniqueid"))
		if leg == nil {
			return
		}
		switch frame.Get("DialStatus") {
		case "ANSWER":
			// Asterisk can report ANSWER again on bridge updates; emit once.
			if c.markAnswered(leg.handle) {
				c.emit(Event{Handle: leg.handle, Kind: EventAnswered})
			}
		case "BUSY":
			c.emit(Event{Handle: leg.handle, Kind: EventBusy})
		case "NOANSWER":
			c.emit(Event{Handle: leg.handle, Kind: EventNoAnswer})
		case "CANCEL", "CONGESTION", "CHANUNAVAIL":
			c.emit(Event{Handle: leg.handle, Kind: EventFailed, Cause: frame.Get("DialStatus")})
		}

	case "Hangup":
		leg := c.legForUnique(frame.Get("Uniqueid"))
		if leg == nil {
			return
		}
		c.emit(Event{Handle: leg.handle, Kind: EventRemoteHangup, Cause: frame.Get("Cause-txt")})
		c.forget(leg.handle)
	}
}

func (c *AMIClient) bind(h Handle, uniqueid, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	leg, ok := c.byHandle[h]
	if !ok {
		return
	}
	leg.channel = channel
	if uniqueid != "" {
		c.byUnique[uniqueid] = leg
	}
}

// markAnswered records the leg's answer exactly once; a repeated DialEnd
// ANSWER for the same leg reports false.
func (c *AMIClient) markAnswered(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	leg, ok := c.byHandle[h]
	if !ok || leg.answered {
		return false
	}
	leg.answered = true
	return true
}

func (c *AMIClient) legForUnique(uniqueid string) *legState {
	if uniqueid == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byUnique[uniqueid]
}

// emit delivers a call-progress event. Call-control events are never
// dropped: the send blocks if the consumer falls behind the buffer.
func (c *AMIClient) emit(ev Event) {
	c.events <- ev
}

// writeAction renders a manager action frame with deterministic key order.
func writeAction(conn net.Conn, a amiAction) error {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256)
	// Action must come first; Asterisk requires it to open the frame.
	buf = append(buf, "Action: "...)
	buf = append(buf, a["Action"]...)
	buf = append(buf, '\r', '\n')
	for _, k := range keys {
		if k == "Action" {
			continue
		}
		buf = append(buf, k...)
		buf = append(buf, ": "...)
		buf = append(buf, a[k]...)
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, '\r', '\n')

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(buf)
	return err
}

// backoff implements exponential backoff with jitter for reconnect attempts.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{baseDelay: base, maxDelay: max}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++
	// ±20% jitter so a fleet of phones does not reconnect in lockstep.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < b.baseDelay {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
