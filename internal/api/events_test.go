package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redphone/redphoned/internal/call"
)

func dialEvents(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing events: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	return msg
}

func TestEventsInitialSnapshotAndBroadcast(t *testing.T) {
	calls := &fakeCalls{status: call.Status{State: call.StateIdle}}
	s := newTestServer(t, &fakePeers{}, calls, nil)

	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialEvents(t, srv.URL)

	// A fresh subscriber gets the current call status first.
	msg := readEvent(t, conn)
	if msg.Type != "call" || msg.Call == nil || msg.Call.State != "idle" {
		t.Fatalf("initial message = %+v", msg)
	}

	s.hub.Broadcast(EventMessage{
		Type:     "presence",
		Presence: &presenceEventView{Identity: "kitchen/102", Kind: "added"},
	})

	msg = readEvent(t, conn)
	if msg.Type != "presence" || msg.Presence == nil {
		t.Fatalf("broadcast message = %+v", msg)
	}
	if msg.Presence.Identity != "kitchen/102" || msg.Presence.Kind != "added" {
		t.Errorf("presence event = %+v", msg.Presence)
	}
}

func TestEventsMultipleSubscribers(t *testing.T) {
	s := newTestServer(t, &fakePeers{}, &fakeCalls{}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	first := dialEvents(t, srv.URL)
	second := dialEvents(t, srv.URL)
	readEvent(t, first)  // initial snapshot
	readEvent(t, second) // initial snapshot

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	s.hub.Broadcast(EventMessage{Type: "call", Call: &callStatusView{State: "ringing"}})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readEvent(t, conn)
		if msg.Type != "call" || msg.Call.State != "ringing" {
			t.Fatalf("subscriber message = %+v", msg)
		}
	}
}

func TestEventsClientDisconnect(t *testing.T) {
	s := newTestServer(t, &fakePeers{}, &fakeCalls{}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialEvents(t, srv.URL)
	readEvent(t, conn)
	conn.Close()

	// The read pump notices the close and removes the client.
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 subscribers after disconnect, got %d", got)
	}

	// Broadcasting with no subscribers must not panic or block.
	s.hub.Broadcast(EventMessage{Type: "call", Call: &callStatusView{State: "idle"}})
}

var _ http.Handler = (*Server)(nil)
