package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultStaleAfter is how long a peer may stay silent before it is
	// downgraded to stale.
	DefaultStaleAfter = 120 * time.Second

	// DefaultEvictAfter is how long a peer may stay silent before it is
	// removed entirely. Ten times the staleness threshold: long enough to
	// avoid UI flapping, short enough to bound registry growth.
	DefaultEvictAfter = 10 * DefaultStaleAfter
)

// Change describes a single registry mutation observed by a sweep or upsert.
type Change struct {
	Identity Identity
	Kind     ChangeKind
}

// ChangeKind classifies a registry mutation.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeStaled  ChangeKind = "staled"
	ChangeEvicted ChangeKind = "evicted"
)

// Registry is the concurrency-safe map of peer identity to last-known
// presence record. It is owned exclusively by the discovery engine; external
// consumers only ever see snapshots.
type Registry struct {
	mu         sync.RWMutex
	records    map[Identity]Record
	staleAfter time.Duration
	evictAfter time.Duration
	logger     *slog.Logger
}

// NewRegistry creates an empty registry with the given thresholds. Zero
// thresholds select the defaults.
func NewRegistry(staleAfter, evictAfter time.Duration, logger *slog.Logger) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}
	return &Registry{
		records:    make(map[Identity]Record),
		staleAfter: staleAfter,
		evictAfter: evictAfter,
		logger:     logger.With("subsystem", "registry"),
	}
}

// Upsert merges a sighting into the registry. The stored record keeps the
// most recent last-seen timestamp, so duplicate or out-of-order delivery of
// old announcements never rolls a peer backwards. The first-seen timestamp of
// an existing record is preserved. Returns the resulting change, or nil if
// the sighting was older than what is already stored.
func (reg *Registry) Upsert(rec Record) *Change {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	stored, ok := reg.records[rec.Identity]
	if !ok {
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = rec.LastSeen
		}
		rec.Status = StatusOnline
		reg.records[rec.Identity] = rec
		reg.logger.Debug("peer added", "identity", rec.Identity, "tier", rec.Tier, "addr", rec.Addr)
		return &Change{Identity: rec.Identity, Kind: ChangeAdded}
	}

	// Late-arriving older announcement: keep what we have.
	if rec.LastSeen.Before(stored.LastSeen) {
		return nil
	}

	rec.FirstSeen = stored.FirstSeen
	rec.Status = StatusOnline
	reg.records[rec.Identity] = rec
	return &Change{Identity: rec.Identity, Kind: ChangeUpdated}
}

// Snapshot returns an immutable copy of all records ordered by display name.
// Safe to call concurrently with Upsert and Sweep.
func (reg *Registry) Snapshot() []Record {
	reg.mu.RLock()
	out := make([]Record, 0, len(reg.records))
	for _, rec := range reg.records {
		out = append(out, rec)
	}
	reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Get returns the record for one identity, if present.
func (reg *Registry) Get(id Identity) (Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.records[id]
	return rec, ok
}

// Len returns the number of records currently held.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}

// CountByStatus returns how many records currently carry each status.
func (reg *Registry) CountByStatus() (online, stale int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, rec := range reg.records {
		if rec.Status == StatusStale {
			stale++
		} else {
			online++
		}
	}
	return online, stale
}

// Sweep downgrades silent peers to stale and evicts peers silent beyond the
// eviction threshold. Runs on a fixed interval regardless of announcement
// traffic so presence degrades predictably even when all sources go quiet.
// Returns the changes applied, in no particular order.
func (reg *Registry) Sweep(now time.Time) []Change {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var changes []Change
	for id, rec := range reg.records {
		age := now.Sub(rec.LastSeen)
		switch {
		case age > reg.evictAfter:
			delete(reg.records, id)
			reg.logger.Info("peer evicted", "identity", id, "silent_for", age.Round(time.Second).String())
			changes = append(changes, Change{Identity: id, Kind: ChangeEvicted})
		case age > reg.staleAfter && rec.Status != StatusStale:
			rec.Status = StatusStale
			reg.records[id] = rec
			reg.logger.Info("peer stale", "identity", id, "silent_for", age.Round(time.Second).String())
			changes = append(changes, Change{Identity: id, Kind: ChangeStaled})
		}
	}
	return changes
}
