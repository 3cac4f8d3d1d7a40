package pbx

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient() *AMIClient {
	return NewAMIClient(AMIConfig{Addr: "127.0.0.1:5038", Username: "redphone", Secret: "x"}, testLogger())
}

func frame(pairs ...string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func drainOne(t *testing.T, c *AMIClient) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestDialQueuesOriginate(t *testing.T) {
	c := newTestClient()

	h, err := c.Dial(context.Background(), "100.64.0.7", 102, 101)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if h == "" {
		t.Fatal("empty handle")
	}

	select {
	case a := <-c.actions:
		if a["Action"] != "Originate" {
			t.Errorf("queued action %q, want Originate", a["Action"])
		}
		if a["ActionID"] != string(h) {
			t.Errorf("ActionID %q does not match handle %q", a["ActionID"], h)
		}
		if a["Exten"] != "102" || a["CallerID"] != "101" {
			t.Errorf("unexpected extension routing: %+v", a)
		}
		if a["Variable"] != "REDPHONE_PEER=100.64.0.7" {
			t.Errorf("peer variable not set: %q", a["Variable"])
		}
	default:
		t.Fatal("no action queued")
	}
}

func TestOriginateFailureEmitsFailed(t *testing.T) {
	c := newTestClient()
	h, _ := c.Dial(context.Background(), "100.64.0.7", 102, 101)
	<-c.actions

	c.handleFrame(frame("Event", "OriginateResponse", "Response", "Failure", "ActionID", string(h), "Reason", "5"))

	ev := drainOne(t, c)
	if ev.Kind != EventFailed || ev.Handle != h {
		t.Errorf("got %+v, want failed for %s", ev, h)
	}
	if _, known := c.channelFor(h); known {
		t.Error("failed leg not forgotten")
	}
}

func TestDialProgressEvents(t *testing.T) {
	c := newTestClient()
	h, _ := c.Dial(context.Background(), "100.64.0.7", 102, 101)
	<-c.actions

	c.handleFrame(frame("Event", "OriginateResponse", "Response", "Success",
		"ActionID", string(h), "Uniqueid", "u-1", "Channel", "SIP/handset-0001"))

	c.handleFrame(frame("Event", "Newstate", "Uniqueid", "u-1", "ChannelStateDesc", "Ringing"))
	if ev := drainOne(t, c); ev.Kind != EventRinging || ev.Handle != h {
		t.Errorf("got %+v, want ringing", ev)
	}

	c.handleFrame(frame("Event", "DialEnd", "Uniqueid", "u-1", "DialStatus", "ANSWER"))
	if ev := drainOne(t, c); ev.Kind != EventAnswered || ev.Handle != h {
		t.Errorf("got %+v, want answered", ev)
	}

	c.handleFrame(frame("Event", "Hangup", "Uniqueid", "u-1", "Cause-txt", "Normal Clearing"))
	if ev := drainOne(t, c); ev.Kind != EventRemoteHangup || ev.Cause != "Normal Clearing" {
		t.Errorf("got %+v, want remote hangup", ev)
	}
}

func TestDialEndStatuses(t *testing.T) {
	tests := []struct {
		status string
		want   EventKind
	}{
		{"BUSY", EventBusy},
		{"NOANSWER", EventNoAnswer},
		{"CONGESTION", EventFailed},
		{"CHANUNAVAIL", EventFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := newTestClient()
			h, _ := c.Dial(context.Background(), "100.64.0.7", 102, 101)
			<-c.actions
			c.handleFrame(frame("Event", "OriginateResponse", "Response", "Success",
				"ActionID", string(h), "Uniqueid", "u-1", "Channel", "SIP/handset-0001"))

			c.handleFrame(frame("Event", "DialEnd", "Uniqueid", "u-1", "DialStatus", tt.status))
			if ev := drainOne(t, c); ev.Kind != tt.want {
				t.Errorf("status %s -> %s, want %s", tt.status, ev.Kind, tt.want)
			}
		})
	}
}

func TestInboundChannelEmitsInbound(t *testing.T) {
	c := newTestClient()

	c.handleFrame(frame("Event", "Newchannel", "Context", "redphone-inbound",
		"Uniqueid", "u-9", "Channel", "SIP/peer-0004", "CallerIDNum", "103"))

	ev := drainOne(t, c)
	if ev.Kind != EventInbound || ev.CallerExtension != "103" {
		t.Errorf("got %+v, want inbound from 103", ev)
	}

	// Channels outside the inbound context are not calls for us.
	c.handleFrame(frame("Event", "Newchannel", "Context", "default",
		"Uniqueid", "u-10", "Channel", "SIP/other-0005", "CallerIDNum", "999"))
	select {
	case ev := <-c.Events():
		t.Errorf("unexpected event for foreign channel: %+v", ev)
	default:
	}
}

func TestAnswerRequiresKnownChannel(t *testing.T) {
	c := newTestClient()

	if err := c.Answer(context.Background(), "nope"); err == nil {
		t.Error("answer of unknown handle should fail")
	}

	c.handleFrame(frame("Event", "Newchannel", "Context", "redphone-inbound",
		"Uniqueid", "u-9", "Channel", "SIP/peer-0004", "CallerIDNum", "103"))
	ev := drainOne(t, c)

	if err := c.Answer(context.Background(), ev.Handle); err != nil {
		t.Fatalf("answer: %v", err)
	}
	a := <-c.actions
	if a["Action"] != "Redirect" || a["Channel"] != "SIP/peer-0004" {
		t.Errorf("unexpected answer action: %+v", a)
	}
}

func TestAnswerConcurrentWithRebind(t *testing.T) {
	c := newTestClient()
	h, _ := c.Dial(context.Background(), "100.64.0.7", 102, 101)
	<-c.actions
	c.bind(h, "u-1", "SIP/handset-0001")

	// The session reader rebinds channels while callers issue Answer and
	// Terminate against the same leg.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.bind(h, "u-1", "SIP/handset-0001")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.Answer(context.Background(), h)
			c.Terminate(context.Background(), h)
			// Keep the action queue from filling up.
			for {
				select {
				case <-c.actions:
					continue
				default:
				}
				break
			}
		}
	}()
	wg.Wait()
}

func TestDuplicateAnswerEmitsOnce(t *testing.T) {
	c := newTestClient()
	h, _ := c.Dial(context.Background(), "100.64.0.7", 102, 101)
	<-c.actions
	c.handleFrame(frame("Event", "OriginateResponse", "Response", "Success",
		"ActionID", string(h), "Uniqueid", "u-1", "Channel", "SIP/handset-0001"))

	c.handleFrame(frame("Event", "DialEnd", "Uniqueid", "u-1", "DialStatus", "ANSWER"))
	if ev := drainOne(t, c); ev.Kind != EventAnswered || ev.Handle != h {
		t.Fatalf("got %+v, want answered", ev)
	}

	// Asterisk reports ANSWER again when the bridge is updated.
	c.handleFrame(frame("Event", "DialEnd", "Uniqueid", "u-1", "DialStatus", "ANSWER"))
	select {
	case ev := <-c.Events():
		t.Errorf("duplicate answer event: %+v", ev)
	default:
	}
}

func TestTerminateUnknownHandleIsNoop(t *testing.T) {
	c := newTestClient()
	if err := c.Terminate(context.Background(), "gone"); err != nil {
		t.Errorf("terminate of torn-down leg should be a no-op, got %v", err)
	}
}

func TestWriteActionFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		writeAction(client, amiAction{
			"Action":   "Login",
			"Username": "redphone",
			"Secret":   "s3cret",
		})
	}()

	tp := textproto.NewReader(bufio.NewReader(server))
	first, err := tp.ReadLine()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first != "Action: Login" {
		t.Errorf("frame must open with the Action line, got %q", first)
	}
	rest, err := tp.ReadMIMEHeader()
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if rest.Get("Username") != "redphone" || rest.Get("Secret") != "s3cret" {
		t.Errorf("unexpected frame body: %+v", rest)
	}
}

func TestBackoffProgressionCapped(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second)

	for i := 0; i < 6; i++ {
		d := b.next()
		if d < 800*time.Millisecond {
			t.Errorf("attempt %d: delay %v below jittered base", i, d)
		}
		if d > time.Duration(float64(8*time.Second)*1.2) {
			t.Errorf("attempt %d: delay %v exceeds jittered cap", i, d)
		}
	}

	b.reset()
	if d := b.next(); d > time.Duration(float64(time.Second)*1.2) {
		t.Errorf("reset did not return to base, got %v", d)
	}
}

func TestSessionLoginAgainstFakeManager(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("Asterisk Call Manager/5.0\r\n"))
		r := bufio.NewReader(conn)
		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			lines = append(lines, line)
		}
		got <- strings.Join(lines, "|")
	}()

	c := NewAMIClient(AMIConfig{Addr: ln.Addr().String(), Username: "redphone", Secret: "x"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	select {
	case login := <-got:
		if !strings.Contains(login, "Action: Login") || !strings.Contains(login, "Username: redphone") {
			t.Errorf("unexpected login frame: %s", login)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no login received")
	}
}
