// Package directory adapts VPN peer directories to the discovery engine's
// DirectoryClient capability. The only fabric with a queryable directory in
// the fleet today is Tailscale, exposed through its local CLI.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/redphone/redphoned/internal/discovery"
	"github.com/redphone/redphoned/internal/presence"
)

const (
	// statusTimeout bounds the tailscale CLI invocation.
	statusTimeout = 10 * time.Second

	// infoTimeout bounds the per-peer info fetch.
	infoTimeout = 2 * time.Second
)

// TailscaleClient lists peers on the tailnet carrying the phone tag. Each
// candidate is asked for its identity over the phone info endpoint, so the
// directory reports the same identities the broadcast sources do.
type TailscaleClient struct {
	tag      string
	infoPort int
	logger   *slog.Logger

	// status runs `tailscale status --json`; injectable for tests.
	status func(ctx context.Context) ([]byte, error)
	http   *http.Client
}

// NewTailscaleClient creates a directory client filtering on tag:<tag>.
func NewTailscaleClient(tag string, infoPort int, logger *slog.Logger) *TailscaleClient {
	return &TailscaleClient{
		tag:      tag,
		infoPort: infoPort,
		logger:   logger.With("subsystem", "directory"),
		status:   runTailscaleStatus,
		http:     &http.Client{Timeout: infoTimeout},
	}
}

func runTailscaleStatus(ctx context.Context) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	return exec.CommandContext(runCtx, "tailscale", "status", "--json").Output()
}

// tsStatus is the subset of `tailscale status --json` we consume.
type tsStatus struct {
	Peer map[string]tsPeer `json:"Peer"`
}

type tsPeer struct {
	HostName     string   `json:"HostName"`
	DNSName      string   `json:"DNSName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	Tags         []string `json:"Tags"`
	Online       bool     `json:"Online"`
}

// infoEnvelope wraps the phone info endpoint's response body.
type infoEnvelope struct {
	Data infoPayload `json:"data"`
}

type infoPayload struct {
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	Extension int    `json:"extension"`
}

// ListTaggedPeers implements discovery.DirectoryClient. Errors are transient:
// a failed CLI run or unparsable status aborts the poll, while a peer whose
// info endpoint does not respond is skipped and retried next poll.
func (c *TailscaleClient) ListTaggedPeers(ctx context.Context) ([]discovery.DirectoryPeer, error) {
	out, err := c.status(ctx)
	if err != nil {
		return nil, fmt.Errorf("running tailscale status: %w", err)
	}

	var status tsStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, fmt.Errorf("parsing tailscale status: %w", err)
	}

	wantTag := "tag:" + c.tag
	var result []discovery.DirectoryPeer
	for _, peer := range status.Peer {
		if !hasTag(peer.Tags, wantTag) || len(peer.TailscaleIPs) == 0 {
			continue
		}
		entry := discovery.DirectoryPeer{
			Name:   peer.HostName,
			Addr:   peer.TailscaleIPs[0],
			Online: peer.Online,
		}
		if !peer.Online {
			result = append(result, entry)
			continue
		}

		info, err := c.fetchInfo(ctx, entry.Addr)
		if err != nil {
			// Tagged but not answering yet (booting, old firmware).
			// Skip rather than invent an identity that would collide
			// with what the peer announces over broadcast.
			c.logger.Debug("peer info fetch failed", "addr", entry.Addr, "error", err)
			continue
		}
		entry.Identity = presence.Identity(info.Identity)
		if info.Name != "" {
			entry.Name = info.Name
		}
		entry.Extension = info.Extension
		result = append(result, entry)
	}
	return result, nil
}

func (c *TailscaleClient) fetchInfo(ctx context.Context, addr string) (*infoPayload, error) {
	url := fmt.Sprintf("http://%s:%d/api/v1/info", addr, c.infoPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info endpoint returned %d", resp.StatusCode)
	}

	var envelope infoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding info response: %w", err)
	}
	if envelope.Data.Identity == "" || envelope.Data.Extension <= 0 {
		return nil, fmt.Errorf("info response incomplete")
	}
	return &envelope.Data, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
