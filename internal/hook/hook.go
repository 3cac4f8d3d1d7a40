// Package hook senses the handset cradle switch and delivers discrete
// lifted/replaced transition events.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Event is one hook switch transition.
type Event struct {
	Lifted bool
	At     time.Time
}

// Source delivers hook transitions. Start begins sensing and returns
// promptly; Stop releases the underlying pin.
type Source interface {
	Events() <-chan Event
	Start(ctx context.Context) error
	Stop()
}

const (
	// pollInterval is the GPIO sampling period.
	pollInterval = 50 * time.Millisecond

	// debounce ignores contact chatter after a transition.
	debounce = 100 * time.Millisecond
)

// GPIOConfig configures the cradle switch pin.
type GPIOConfig struct {
	// ValuePath is the sysfs value file, e.g. /sys/class/gpio/gpio17/value.
	ValuePath string
	// HighOnLift is true when the switch reads 1 with the handset lifted.
	HighOnLift bool
}

// GPIOSource polls a sysfs GPIO value file and emits debounced transitions.
type GPIOSource struct {
	cfg    GPIOConfig
	logger *slog.Logger
	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGPIOSource creates a sysfs-backed hook sensor.
func NewGPIOSource(cfg GPIOConfig, logger *slog.Logger) *GPIOSource {
	return &GPIOSource{
		cfg:    cfg,
		logger: logger.With("subsystem", "hook"),
		events: make(chan Event, 8),
	}
}

// Events returns the transition stream.
func (s *GPIOSource) Events() <-chan Event {
	return s.events
}

// Start verifies the pin is readable and launches the poll loop.
func (s *GPIOSource) Start(ctx context.Context) error {
	if _, err := s.read(); err != nil {
		return fmt.Errorf("reading hook pin: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.pollLoop(runCtx)

	s.logger.Info("hook sensing started", "pin", s.cfg.ValuePath)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (s *GPIOSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *GPIOSource) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	lifted, err := s.read()
	if err != nil {
		s.logger.Error("hook pin unreadable", "error", err)
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastChange time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now, err := s.read()
		if err != nil {
			s.logger.Warn("hook pin read failed", "error", err)
			continue
		}
		if now == lifted {
			continue
		}
		if time.Since(lastChange) < debounce {
			continue
		}
		lifted = now
		lastChange = time.Now()

		select {
		case s.events <- Event{Lifted: lifted, At: lastChange}:
		default:
			s.logger.Warn("hook event dropped, consumer behind")
		}
	}
}

func (s *GPIOSource) read() (bool, error) {
	raw, err := os.ReadFile(s.cfg.ValuePath)
	if err != nil {
		return false, err
	}
	high := strings.TrimSpace(string(raw)) == "1"
	if s.cfg.HighOnLift {
		return high, nil
	}
	return !high, nil
}
