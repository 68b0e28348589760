package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/cyph3rasi/synapsis/internal/models"
)

// GossipBatchCap bounds the number of node/handle delta entries sent in a
// single gossip exchange (the "K entries" cap of spec.md §4.7).
const GossipBatchCap = 200

// GossipSampleSize is how many known active nodes a single gossip round
// contacts.
const GossipSampleSize = 5

// AnnounceRequest describes an announce body with an inline signature and ts.
// announceTo does not send it: it posts the bare DiscoveryInfo and carries
// the signature and timestamp in the node-envelope headers.
type AnnounceRequest struct {
	DiscoveryInfo
	Signature string    `json:"signature"`
	Ts        time.Time `json:"ts"`
}

// GossipPayload is the payload exchanged by /swarm/gossip in both
// directions: sender info, the active nodes this node knows (at most
// GossipBatchCap, sent in full rather than filtered by Since), and the
// handle-registry entries updated since the last gossip exchange with that
// peer.
type GossipPayload struct {
	Sender  DiscoveryInfo               `json:"sender"`
	Nodes   []DiscoveryInfo             `json:"nodes"`
	Handles []models.HandleRegistryEntry `json:"handles"`
	Since   *time.Time                  `json:"since,omitempty"`
	Ts      time.Time                   `json:"ts"`
}

// AnnounceToSeeds posts this node's info to each configured seed domain. A
// seed that accepts the announcement is upserted into the registry; a seed
// that fails to respond is left unregistered (it was never pinged
// successfully, so there is no failureCount to increment).
func (s *Service) AnnounceToSeeds(ctx context.Context, seeds []string, logger *slog.Logger) {
	for _, seed := range seeds {
		if seed == s.nodeDomain {
			continue
		}
		if err := s.announceTo(ctx, seed); err != nil {
			logger.Warn("swarm announce failed", slog.String("seed", seed), slog.String("error", err.Error()))
			continue
		}
		logger.Info("swarm announce succeeded", slog.String("seed", seed))
	}
}

func (s *Service) announceTo(ctx context.Context, domain string) error {
	info, err := s.SelfInfo(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://%s/swarm/announce", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := s.ApplyEnvelope(req, body); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting announce to %s: %w", domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("announce to %s returned %d", domain, resp.StatusCode)
	}

	var peerInfo DiscoveryInfo
	if err := json.NewDecoder(resp.Body).Decode(&peerInfo); err != nil {
		return fmt.Errorf("decoding announce response from %s: %w", domain, err)
	}
	return s.UpsertNode(ctx, peerInfo)
}

// HandleAnnounce implements the server side of /swarm/announce: upserts the
// announcer into the registry and returns this node's own info.
func (s *Service) HandleAnnounce(ctx context.Context, info DiscoveryInfo) (DiscoveryInfo, error) {
	if err := s.UpsertNode(ctx, info); err != nil {
		return DiscoveryInfo{}, fmt.Errorf("upserting announcer: %w", err)
	}
	return s.SelfInfo(ctx)
}

// GossipRound runs one round of C7 gossip: sample active nodes, exchange
// deltas, and record success/failure. Ordering across peers is
// unspecified; each peer contact is independent.
func (s *Service) GossipRound(ctx context.Context, handles HandleRegistryStore, logger *slog.Logger) {
	peers, err := s.ListActive(ctx, GossipSampleSize*4)
	if err != nil {
		logger.Warn("gossip: listing active nodes failed", slog.String("error", err.Error()))
		return
	}
	if len(peers) == 0 {
		return
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > GossipSampleSize {
		peers = peers[:GossipSampleSize]
	}

	for _, peer := range peers {
		if err := s.gossipWith(ctx, peer.Domain, handles); err != nil {
			logger.Debug("gossip round failed", slog.String("peer", peer.Domain), slog.String("error", err.Error()))
			_ = s.MarkNodeFailure(ctx, peer.Domain)
			continue
		}
		_ = s.MarkNodeSuccess(ctx, peer.Domain)
	}
}

// HandleRegistryStore is the subset of handle-registry persistence the
// gossip engine needs; internal/api wires this to a concrete
// pgxpool-backed implementation shared with the identity/pull-federation
// paths.
type HandleRegistryStore interface {
	DeltaSince(ctx context.Context, since *time.Time) ([]models.HandleRegistryEntry, error)
	Merge(ctx context.Context, entries []models.HandleRegistryEntry) error
	LastGossipAt(ctx context.Context, peerDomain string) (*time.Time, error)
	RecordGossip(ctx context.Context, peerDomain string, at time.Time) error
}

func (s *Service) gossipWith(ctx context.Context, domain string, handles HandleRegistryStore) error {
	since, err := handles.LastGossipAt(ctx, domain)
	if err != nil {
		return fmt.Errorf("reading last gossip time for %s: %w", domain, err)
	}

	nodes, err := s.ListActive(ctx, GossipBatchCap)
	if err != nil {
		return err
	}
	nodeInfos := make([]DiscoveryInfo, 0, len(nodes))
	for _, n := range nodes {
		var pub string
		if n.PublicKey != nil {
			pub = *n.PublicKey
		}
		var sv string
		if n.SoftwareVersion != nil {
			sv = *n.SoftwareVersion
		}
		nodeInfos = append(nodeInfos, DiscoveryInfo{
			Domain: n.Domain, PublicKey: pub, SoftwareVersion: sv,
			Capabilities: n.Capabilities, UserCount: n.UserCount, PostCount: n.PostCount,
		})
	}

	handleDelta, err := handles.DeltaSince(ctx, since)
	if err != nil {
		return err
	}
	if len(handleDelta) > GossipBatchCap {
		handleDelta = handleDelta[:GossipBatchCap]
	}

	self, err := s.SelfInfo(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	payload := GossipPayload{Sender: self, Nodes: nodeInfos, Handles: handleDelta, Since: since, Ts: now}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://%s/swarm/gossip", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := s.ApplyEnvelope(req, body); err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("gossip with %s returned %d", domain, resp.StatusCode)
	}

	var reply GossipPayload
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return fmt.Errorf("decoding gossip reply from %s: %w", domain, err)
	}
	if err := s.applyGossipPayload(ctx, reply, handles); err != nil {
		return err
	}
	return handles.RecordGossip(ctx, domain, now)
}

// HandleGossip implements the server side of /swarm/gossip: applies the
// peer's delta and returns this node's own delta since its own last contact
// with that peer.
func (s *Service) HandleGossip(ctx context.Context, peerDomain string, payload GossipPayload, handles HandleRegistryStore) (GossipPayload, error) {
	// Read the last-contact watermark before applying anything or recording
	// this exchange, so the reply delta covers everything the peer has not
	// seen yet rather than the empty window since "just now".
	since, err := handles.LastGossipAt(ctx, peerDomain)
	if err != nil {
		return GossipPayload{}, err
	}

	if err := s.applyGossipPayload(ctx, payload, handles); err != nil {
		return GossipPayload{}, err
	}
	_ = handles.RecordGossip(ctx, peerDomain, time.Now().UTC())
	nodes, err := s.ListActive(ctx, GossipBatchCap)
	if err != nil {
		return GossipPayload{}, err
	}
	nodeInfos := make([]DiscoveryInfo, 0, len(nodes))
	for _, n := range nodes {
		var pub, sv string
		if n.PublicKey != nil {
			pub = *n.PublicKey
		}
		if n.SoftwareVersion != nil {
			sv = *n.SoftwareVersion
		}
		nodeInfos = append(nodeInfos, DiscoveryInfo{
			Domain: n.Domain, PublicKey: pub, SoftwareVersion: sv,
			Capabilities: n.Capabilities, UserCount: n.UserCount, PostCount: n.PostCount,
		})
	}
	handleDelta, err := handles.DeltaSince(ctx, since)
	if err != nil {
		return GossipPayload{}, err
	}
	if len(handleDelta) > GossipBatchCap {
		handleDelta = handleDelta[:GossipBatchCap]
	}
	self, err := s.SelfInfo(ctx)
	if err != nil {
		return GossipPayload{}, err
	}
	return GossipPayload{Sender: self, Nodes: nodeInfos, Handles: handleDelta, Ts: time.Now().UTC()}, nil
}

func (s *Service) applyGossipPayload(ctx context.Context, payload GossipPayload, handles HandleRegistryStore) error {
	if payload.Sender.Domain != "" {
		if err := s.UpsertNode(ctx, payload.Sender); err != nil {
			return err
		}
	}
	for _, n := range payload.Nodes {
		if n.Domain == "" || n.Domain == s.nodeDomain {
			continue
		}
		if err := s.UpsertNode(ctx, n); err != nil {
			return err
		}
	}
	if len(payload.Handles) > 0 {
		if err := handles.Merge(ctx, payload.Handles); err != nil {
			return err
		}
	}
	return nil
}
