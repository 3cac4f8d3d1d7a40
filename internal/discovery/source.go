// Package discovery maintains the live view of reachable peer phones. It
// fans independent discovery sources (local-segment broadcast, VPN broadcast,
// polled VPN directory) into one registry, runs the staleness sweep, and
// notifies subscribers when the peer list changes.
package discovery

import (
	"context"

	"github.com/redphone/redphoned/internal/presence"
)

// Sink receives peer sightings from sources. Sources perform all network I/O
// before calling Upsert, so the sink never blocks on the wire.
type Sink interface {
	Upsert(rec presence.Record)
}

// Source is one replaceable discovery strategy. Start begins background
// activity and returns promptly; Stop shuts the source down, unblocking any
// pending receive. The active set of sources is a configuration decision.
type Source interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
	Stop()
}

// SelfInfo describes this phone for announcements and self-filtering.
type SelfInfo struct {
	Identity  presence.Identity
	Name      string
	Extension int
	Addr      string
}
