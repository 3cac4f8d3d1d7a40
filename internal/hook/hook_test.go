package hook

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pinFile(t *testing.T, value string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "value")
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		t.Fatalf("write pin: %v", err)
	}
	return path
}

func setPin(t *testing.T, path, value string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		t.Fatalf("set pin: %v", err)
	}
}

func TestGPIOSourceEmitsTransitions(t *testing.T) {
	pin := pinFile(t, "0\n")
	src := NewGPIOSource(GPIOConfig{ValuePath: pin, HighOnLift: true}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	setPin(t, pin, "1\n")
	select {
	case ev := <-src.Events():
		if !ev.Lifted {
			t.Errorf("expected lifted event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no lifted event")
	}

	// Debounce window must pass before the next transition registers.
	time.Sleep(150 * time.Millisecond)
	setPin(t, pin, "0\n")
	select {
	case ev := <-src.Events():
		if ev.Lifted {
			t.Errorf("expected replaced event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no replaced event")
	}
}

func TestGPIOSourcePolarityInverted(t *testing.T) {
	pin := pinFile(t, "1\n")
	src := NewGPIOSource(GPIOConfig{ValuePath: pin, HighOnLift: false}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	// Pin falling to 0 means lifted with low-on-lift wiring.
	setPin(t, pin, "0\n")
	select {
	case ev := <-src.Events():
		if !ev.Lifted {
			t.Errorf("expected lifted event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestGPIOSourceMissingPin(t *testing.T) {
	src := NewGPIOSource(GPIOConfig{ValuePath: "/nonexistent/value"}, testLogger())
	if err := src.Start(context.Background()); err == nil {
		src.Stop()
		t.Fatal("expected error for missing pin")
	}
}
