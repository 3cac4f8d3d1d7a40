package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redphone/redphoned/internal/presence"
)

// announceVersion is the presence datagram protocol version. Datagrams with
// any other version are dropped.
const announceVersion = 1

// DefaultAnnounceInterval matches the original appliance's 30s cadence.
const DefaultAnnounceInterval = 30 * time.Second

// maxDatagramSize bounds a single presence datagram.
const maxDatagramSize = 1024

// announcement is the JSON presence datagram exchanged between phones.
type announcement struct {
	Version   int    `json:"version"`
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	Extension int    `json:"extension"`
	Addr      string `json:"addr,omitempty"`
}

// UDPSourceConfig configures one broadcast announcer/listener instance.
// The same implementation serves both the local network segment and the VPN
// subnet; only the broadcast address and tier differ.
type UDPSourceConfig struct {
	// ListenAddr is the UDP address to receive announcements on, e.g. ":5199".
	ListenAddr string
	// BroadcastAddr is where announcements are sent, e.g.
	// "255.255.255.255:5199" for the local segment or the VPN subnet's
	// broadcast address.
	BroadcastAddr string
	// Interval between announcements. Zero selects the default.
	Interval time.Duration
	// Tier recorded on sightings ingested by this instance.
	Tier presence.Tier
}

// UDPSource periodically announces this phone as a broadcast datagram and
// concurrently listens for peers' announcements. Malformed or wrong-version
// datagrams are dropped without disturbing the listener.
type UDPSource struct {
	cfg    UDPSourceConfig
	self   SelfInfo
	logger *slog.Logger

	received atomic.Uint64
	dropped  atomic.Uint64

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPSource creates a broadcast announcer/listener.
func NewUDPSource(cfg UDPSourceConfig, self SelfInfo, logger *slog.Logger) *UDPSource {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	return &UDPSource{
		cfg:    cfg,
		self:   self,
		logger: logger.With("subsystem", "discovery", "source", string(cfg.Tier)),
	}
}

// Name identifies the source in logs and health output.
func (s *UDPSource) Name() string {
	return "udp-" + string(s.cfg.Tier)
}

// AnnounceStats reports how many peer datagrams this source has accepted and
// how many it has dropped (malformed, wrong version, incomplete, or echoes
// of our own broadcast).
func (s *UDPSource) AnnounceStats() (received, dropped uint64) {
	return s.received.Load(), s.dropped.Load()
}

// Start opens the socket and launches the announce and listen loops.
func (s *UDPSource) Start(ctx context.Context, sink Sink) error {
	conn, err := net.ListenPacket("udp4", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.announceLoop(runCtx, conn)
	go s.listenLoop(runCtx, conn, sink)

	s.logger.Info("announcer started",
		"listen", s.cfg.ListenAddr,
		"broadcast", s.cfg.BroadcastAddr,
		"interval", s.cfg.Interval.String(),
	)
	return nil
}

// Stop closes the socket, which unblocks the listener promptly, and waits
// for both loops to exit.
func (s *UDPSource) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *UDPSource) announceLoop(ctx context.Context, conn net.PacketConn) {
	defer s.wg.Done()

	dst, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
	if err != nil {
		s.logger.Error("invalid broadcast address", "addr", s.cfg.BroadcastAddr, "error", err)
		return
	}

	payload, err := json.Marshal(announcement{
		Version:   announceVersion,
		Identity:  string(s.self.Identity),
		Name:      s.self.Name,
		Extension: s.self.Extension,
		Addr:      s.self.Addr,
	})
	if err != nil {
		s.logger.Error("encoding announcement", "error", err)
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Announce immediately so peers see us without waiting a full interval.
	for {
		if _, err := conn.WriteTo(payload, dst); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("announcement send failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *UDPSource) listenLoop(ctx context.Context, conn net.PacketConn, sink Sink) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient read errors (ICMP port unreachable surfacing on
			// the socket, interface flaps) must not kill this tier.
			s.logger.Warn("listener read failed", "error", err)
			continue
		}

		rec, ok := s.decode(buf[:n], from)
		if !ok {
			s.dropped.Add(1)
			continue
		}
		s.received.Add(1)
		sink.Upsert(rec)
	}
}

// decode parses one datagram into a presence record. Returns ok=false for
// malformed payloads, foreign protocol versions, and our own announcements.
func (s *UDPSource) decode(payload []byte, from net.Addr) (presence.Record, bool) {
	var ann announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		s.logger.Debug("dropping malformed datagram", "from", from.String(), "error", err)
		return presence.Record{}, false
	}
	if ann.Version != announceVersion {
		s.logger.Debug("dropping datagram with unknown version", "from", from.String(), "version", ann.Version)
		return presence.Record{}, false
	}
	if ann.Identity == "" || ann.Extension <= 0 {
		s.logger.Debug("dropping incomplete datagram", "from", from.String())
		return presence.Record{}, false
	}
	if presence.Identity(ann.Identity) == s.self.Identity {
		return presence.Record{}, false
	}

	// Prefer the sender's source address over the announced one: it is the
	// address we can actually reach the peer at on this segment.
	addr := ann.Addr
	if host, _, err := net.SplitHostPort(from.String()); err == nil {
		addr = host
	}

	now := time.Now()
	return presence.Record{
		Identity:    presence.Identity(ann.Identity),
		DisplayName: ann.Name,
		Extension:   ann.Extension,
		Addr:        addr,
		Tier:        s.cfg.Tier,
		LastSeen:    now,
	}, true
}
