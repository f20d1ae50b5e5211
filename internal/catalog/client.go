package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/setupshare/setupshare/internal/registry"
)

// DefaultQueryTimeout bounds a single remote catalog query.
const DefaultQueryTimeout = 10 * time.Second

const maxCatalogBytes = 1 << 20

// Client queries remote peer catalogs over HTTP. Every failure mode
// collapses to an empty catalog so fan-out over many peers can simply
// skip the ones that misbehave.
type Client struct {
	http *http.Client
}

// NewClient returns a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// List fetches a peer's full catalog.
func (c *Client) List(ctx context.Context, peer registry.PeerAddress) map[string][]string {
	empty := map[string][]string{}

	u := url.URL{Scheme: "http", Host: peer.String(), Path: "/list"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return empty
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debugf("catalog query to %s failed: %v", peer, err)
		return empty
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debugf("catalog query to %s returned %s", peer, resp.Status)
		return empty
	}

	var listing map[string][]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBytes)).Decode(&listing); err != nil {
		log.Debugf("catalog from %s malformed: %v", peer, err)
		return empty
	}
	if listing == nil {
		return empty
	}
	return listing
}

// ListCategory returns one category's items from a peer, empty when the
// peer is unreachable or does not carry the category.
func (c *Client) ListCategory(ctx context.Context, peer registry.PeerAddress, category string) []string {
	return c.List(ctx, peer)[category]
}
