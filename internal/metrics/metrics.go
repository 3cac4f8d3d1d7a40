// Package metrics exposes Prometheus metrics for the phone node. The
// collector gathers everything at scrape time from small provider
// interfaces, so the instrumented subsystems carry no Prometheus types.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/redphone/redphoned/internal/call"
)

// PeerCountProvider exposes the current peer registry counts.
type PeerCountProvider interface {
	CountByStatus() (online, stale int)
}

// CallStateProvider exposes the call state machine's current state and
// lifetime transition count.
type CallStateProvider interface {
	State() call.State
	Transitions() uint64
}

// PollFailureCounter exposes the directory source's failed poll count.
type PollFailureCounter interface {
	PollFailures() uint64
}

// AnnounceStatsProvider exposes a broadcast source's datagram counters.
type AnnounceStatsProvider interface {
	Name() string
	AnnounceStats() (received, dropped uint64)
}

// callStates is the fixed label set for the call state gauge.
var callStates = []call.State{
	call.StateIdle,
	call.StateDialing,
	call.StateAwaitingConfirmation,
	call.StateCalling,
	call.StateRinging,
	call.StateInCall,
	call.StateEnded,
}

// Collector is a prometheus.Collector gathering phone node metrics at
// scrape time.
type Collector struct {
	peers      PeerCountProvider
	calls      CallStateProvider
	directory  PollFailureCounter
	announcers []AnnounceStatsProvider
	startTime  time.Time

	peersDesc           *prometheus.Desc
	callStateDesc       *prometheus.Desc
	callTransitionsDesc *prometheus.Desc
	pollFailuresDesc    *prometheus.Desc
	announceDesc        *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates the collector. Any provider may be nil if the
// corresponding subsystem is not configured.
func NewCollector(peers PeerCountProvider, calls CallStateProvider, directory PollFailureCounter, announcers []AnnounceStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		peers:      peers,
		calls:      calls,
		directory:  directory,
		announcers: announcers,
		startTime:  startTime,

		peersDesc: prometheus.NewDesc(
			"redphone_peers",
			"Number of known peer phones by presence status",
			[]string{"status"}, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"redphone_call_state",
			"Current call session state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		callTransitionsDesc: prometheus.NewDesc(
			"redphone_call_transitions_total",
			"Total call state machine transitions since start",
			nil, nil,
		),
		pollFailuresDesc: prometheus.NewDesc(
			"redphone_directory_poll_failures_total",
			"Total failed VPN directory polls since start",
			nil, nil,
		),
		announceDesc: prometheus.NewDesc(
			"redphone_announcements_total",
			"Presence datagrams handled by each broadcast source",
			[]string{"source", "result"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"redphone_uptime_seconds",
			"Seconds since the redphoned process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.peersDesc
	ch <- c.callStateDesc
	ch <- c.callTransitionsDesc
	ch <- c.pollFailuresDesc
	ch <- c.announceDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.peers != nil {
		online, stale := c.peers.CountByStatus()
		ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(online), "online")
		ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(stale), "stale")
	}

	if c.calls != nil {
		current := c.calls.State()
		for _, state := range callStates {
			v := 0.0
			if state == current {
				v = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.callStateDesc, prometheus.GaugeValue, v, string(state))
		}
		ch <- prometheus.MustNewConstMetric(c.callTransitionsDesc, prometheus.CounterValue, float64(c.calls.Transitions()))
	}

	if c.directory != nil {
		ch <- prometheus.MustNewConstMetric(c.pollFailuresDesc, prometheus.CounterValue, float64(c.directory.PollFailures()))
	}

	for _, a := range c.announcers {
		received, dropped := a.AnnounceStats()
		ch <- prometheus.MustNewConstMetric(c.announceDesc, prometheus.CounterValue, float64(received), a.Name(), "received")
		ch <- prometheus.MustNewConstMetric(c.announceDesc, prometheus.CounterValue, float64(dropped), a.Name(), "dropped")
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
