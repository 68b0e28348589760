package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// EnsureNodeKnown resolves domain's public key and discovery info on a
// registry miss by fetching GET /swarm/info, per spec.md §4.6 ("fetched on
// first contact at /swarm/info"). It is a no-op if domain is already
// registered. Callers on a hot path (interaction delivery, pull federation)
// call this before VerifyEnvelope/delivery so a never-before-seen peer isn't
// rejected purely for being new.
func (s *Service) EnsureNodeKnown(ctx context.Context, domain string) error {
	if s.IsKnownSwarmDomain(ctx, domain) {
		return nil
	}

	url := fmt.Sprintf("https://%s/swarm/info", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", Version)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fetching %s returned %d", url, resp.StatusCode)
	}

	var info DiscoveryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	if info.Domain == "" {
		info.Domain = domain
	}
	if info.Domain != domain {
		return fmt.Errorf("swarm: %s reported mismatched domain %q", domain, info.Domain)
	}
	return s.UpsertNode(ctx, info)
}
