package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redphone/redphoned/internal/presence"
)

// fakeDirectory returns a scripted sequence of poll results.
type fakeDirectory struct {
	mu      sync.Mutex
	results []func() ([]DirectoryPeer, error)
	calls   int
}

func (f *fakeDirectory) ListTaggedPeers(_ context.Context) ([]DirectoryPeer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]()
}

func (f *fakeDirectory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func peers(ps ...DirectoryPeer) func() ([]DirectoryPeer, error) {
	return func() ([]DirectoryPeer, error) { return ps, nil }
}

func failure(err error) func() ([]DirectoryPeer, error) {
	return func() ([]DirectoryPeer, error) { return nil, err }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDirectorySourceIngestsOnlinePeers(t *testing.T) {
	dir := &fakeDirectory{results: []func() ([]DirectoryPeer, error){
		peers(
			DirectoryPeer{Identity: "bedroom/102", Name: "Bedroom", Extension: 102, Addr: "100.64.0.7", Online: true},
			DirectoryPeer{Identity: "attic/103", Name: "Attic", Extension: 103, Addr: "100.64.0.8", Online: false},
			DirectoryPeer{Identity: "office/101", Name: "Office", Extension: 101, Addr: "100.64.0.1", Online: true},
		),
	}}

	src := NewDirectorySource(dir, testSelf(), time.Hour, testLogger())
	sink := &collectSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Start(ctx, sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(sink.records()) > 0 })

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("expected only the online non-self peer, got %+v", recs)
	}
	rec := recs[0]
	if rec.Identity != "bedroom/102" || rec.Tier != presence.TierVPNDirectory {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.LastSeen.IsZero() {
		t.Error("last-seen not stamped with poll time")
	}
}

func TestDirectorySourceFailureDoesNotRemovePeers(t *testing.T) {
	reg := presence.NewRegistry(0, 0, testLogger())
	engine := NewEngine(reg, testSelf(), nil, time.Hour, testLogger())

	dir := &fakeDirectory{results: []func() ([]DirectoryPeer, error){
		peers(DirectoryPeer{Identity: "bedroom/102", Name: "Bedroom", Extension: 102, Addr: "100.64.0.7", Online: true}),
		failure(errors.New("directory timeout")),
	}}

	src := NewDirectorySource(dir, testSelf(), 20*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Start(ctx, engine); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	// Wait until at least one failed poll happened after the good one.
	waitFor(t, 2*time.Second, func() bool { return src.PollFailures() >= 2 })

	// Absence of a successful poll is not evidence of absence.
	if len(engine.List()) != 1 {
		t.Errorf("failed poll removed known peers: %+v", engine.List())
	}
}

func TestDirectorySourceRetriesWithBackoff(t *testing.T) {
	dir := &fakeDirectory{results: []func() ([]DirectoryPeer, error){
		failure(errors.New("unreachable")),
	}}

	src := NewDirectorySource(dir, testSelf(), 80*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Start(ctx, &collectSink{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	waitFor(t, 2*time.Second, func() bool { return src.PollFailures() >= 3 })
	if dir.callCount() < 3 {
		t.Errorf("expected repeated retries, got %d calls", dir.callCount())
	}
}

func TestDirectorySourceStop(t *testing.T) {
	dir := &fakeDirectory{results: []func() ([]DirectoryPeer, error){
		peers(),
	}}
	src := NewDirectorySource(dir, testSelf(), time.Hour, testLogger())
	if err := src.Start(context.Background(), &collectSink{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return promptly")
	}
}
