package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redphone/redphoned/internal/presence"
)

// DefaultSweepInterval is how often the staleness sweep runs, independent of
// announcement traffic.
const DefaultSweepInterval = 15 * time.Second

// subscriberBuffer is the per-subscriber notification buffer. Presence
// notifications are advisory; when a subscriber falls behind, the oldest
// notification is dropped so the engine never blocks.
const subscriberBuffer = 32

// Notification tells a subscriber that the peer list changed.
type Notification struct {
	Identity presence.Identity
	Kind     presence.ChangeKind
}

// Engine owns the peer registry, fans in the configured discovery sources,
// runs the staleness sweep, and publishes change notifications. It is the
// only component that mutates the registry.
type Engine struct {
	registry *presence.Registry
	sources  []Source
	self     SelfInfo
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan Notification
	nextSub int
	started []Source

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine over the given registry and sources. A
// non-positive sweep interval selects the default.
func NewEngine(registry *presence.Registry, self SelfInfo, sources []Source, sweepInterval time.Duration, logger *slog.Logger) *Engine {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Engine{
		registry: registry,
		sources:  sources,
		self:     self,
		interval: sweepInterval,
		logger:   logger.With("subsystem", "discovery"),
		subs:     make(map[int]chan Notification),
	}
}

// Start launches the sources and the sweep ticker. A source that fails to
// start is logged and skipped; the engine runs with whatever sources came up.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, src := range e.sources {
		if err := src.Start(runCtx, e); err != nil {
			e.logger.Error("discovery source failed to start", "source", src.Name(), "error", err)
			continue
		}
		e.started = append(e.started, src)
	}

	e.wg.Add(1)
	go e.sweepLoop(runCtx)

	e.logger.Info("discovery engine started",
		"sources", len(e.started),
		"sweep_interval", e.interval.String(),
	)
}

// Stop shuts down sources first, then the sweep loop.
func (e *Engine) Stop() {
	for _, src := range e.started {
		src.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Upsert ingests one sighting from a source, filtering out this phone's own
// announcements, and notifies subscribers of any resulting change. Engine
// implements Sink so sources never touch the registry directly.
func (e *Engine) Upsert(rec presence.Record) {
	if rec.Identity == e.self.Identity {
		return
	}
	if change := e.registry.Upsert(rec); change != nil {
		e.publish(*change)
	}
}

// List returns the current presence snapshot, ordered by display name.
// Correct to poll even though subscribers exist.
func (e *Engine) List() []presence.Record {
	return e.registry.Snapshot()
}

// Get returns the record for one identity.
func (e *Engine) Get(id presence.Identity) (presence.Record, bool) {
	return e.registry.Get(id)
}

// CountByStatus reports online and stale peer counts, for metrics.
func (e *Engine) CountByStatus() (online, stale int) {
	return e.registry.CountByStatus()
}

// Subscribe registers for change notifications. The returned cancel function
// must be called to release the subscription. Slow subscribers lose the
// oldest pending notification rather than blocking the engine.
func (e *Engine) Subscribe() (<-chan Notification, func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Notification, subscriberBuffer)
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) publish(change presence.Change) {
	n := Notification{Identity: change.Identity, Kind: change.Kind}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- n:
		default:
			// Drop the oldest pending notification to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, change := range e.registry.Sweep(now) {
				e.publish(change)
			}
		}
	}
}
