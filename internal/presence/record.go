package presence

import (
	"fmt"
	"time"
)

// Identity is the stable unique key for one phone node, independent of its
// network address. It is derived from the hostname/extension pair so that a
// phone keeps its identity across DHCP renewals and VPN address changes.
type Identity string

// NewIdentity derives an identity from a hostname and extension number.
func NewIdentity(hostname string, extension int) Identity {
	return Identity(fmt.Sprintf("%s/%d", hostname, extension))
}

// Tier identifies which discovery mechanism produced a sighting.
type Tier string

const (
	TierLocalSegment Tier = "local-segment"
	TierVPNDirectory Tier = "vpn-directory"
	TierVPNBroadcast Tier = "vpn-broadcast"
)

// Status is the reachability classification of a peer.
type Status string

const (
	// StatusOnline means the peer announced within the staleness threshold.
	StatusOnline Status = "online"

	// StatusStale means the peer has been silent longer than the staleness
	// threshold but has not yet been evicted. Stale peers remain listed so
	// the UI does not flap on a single missed announcement.
	StatusStale Status = "stale"
)

// Record is the last-known reachability and identity metadata for one peer.
type Record struct {
	Identity    Identity  `json:"identity"`
	DisplayName string    `json:"display_name"`
	Extension   int       `json:"extension"`
	Addr        string    `json:"addr"`
	Tier        Tier      `json:"tier"`
	Status      Status    `json:"status"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Age returns how long ago the peer was last sighted.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastSeen)
}
