package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redphone/redphoned/internal/presence"
)

// DefaultPollInterval matches the original appliance's directory poll cadence.
const DefaultPollInterval = 30 * time.Second

// DirectoryPeer is one entry returned by a VPN peer directory.
type DirectoryPeer struct {
	Identity  presence.Identity
	Name      string
	Extension int
	Addr      string
	Online    bool
}

// DirectoryClient lists peers tagged as phones in a VPN fabric's directory.
// Failures are transient-network errors and never fatal to the engine.
type DirectoryClient interface {
	ListTaggedPeers(ctx context.Context) ([]DirectoryPeer, error)
}

// DirectorySource polls a DirectoryClient and feeds online entries into the
// registry. A failed poll backs off exponentially up to the poll interval and
// never removes previously known peers: only the staleness sweep may
// downgrade a peer, because absence of a successful poll is not evidence of
// absence.
type DirectorySource struct {
	client   DirectoryClient
	self     SelfInfo
	interval time.Duration
	logger   *slog.Logger

	// pollFailures is incremented on each failed poll; read by metrics.
	mu           sync.Mutex
	pollFailures uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirectorySource creates a polled directory source. A non-positive
// interval selects the default.
func NewDirectorySource(client DirectoryClient, self SelfInfo, interval time.Duration, logger *slog.Logger) *DirectorySource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &DirectorySource{
		client:   client,
		self:     self,
		interval: interval,
		logger:   logger.With("subsystem", "discovery", "source", "directory"),
	}
}

// Name identifies the source in logs and health output.
func (s *DirectorySource) Name() string {
	return "vpn-directory"
}

// Start launches the poll loop.
func (s *DirectorySource) Start(ctx context.Context, sink Sink) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.pollLoop(runCtx, sink)

	s.logger.Info("directory polling started", "interval", s.interval.String())
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (s *DirectorySource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// PollFailures returns the number of failed polls since start.
func (s *DirectorySource) PollFailures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollFailures
}

func (s *DirectorySource) pollLoop(ctx context.Context, sink Sink) {
	defer s.wg.Done()

	delay := time.Duration(0) // first poll is immediate
	failureDelay := s.interval / 8

	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return
		}

		if err := s.pollOnce(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.pollFailures++
			s.mu.Unlock()

			// Exponential backoff capped at the poll interval.
			delay = failureDelay
			if failureDelay < s.interval {
				failureDelay *= 2
				if failureDelay > s.interval {
					failureDelay = s.interval
				}
			}
			s.logger.Warn("directory poll failed", "error", err, "retry_in", delay.String())
			continue
		}

		failureDelay = s.interval / 8
		delay = s.interval
	}
}

func (s *DirectorySource) pollOnce(ctx context.Context, sink Sink) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	peers, err := s.client.ListTaggedPeers(pollCtx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, peer := range peers {
		if peer.Identity == s.self.Identity || !peer.Online {
			continue
		}
		sink.Upsert(presence.Record{
			Identity:    peer.Identity,
			DisplayName: peer.Name,
			Extension:   peer.Extension,
			Addr:        peer.Addr,
			Tier:        presence.TierVPNDirectory,
			LastSeen:    now,
		})
	}
	return nil
}
