package cluster

import (
	"context"
	"sync"
)

// Client is the shared per-node handle kept alive for the process lifetime
// as a transport-pool optimization. Its selected model is process-global
// mutable state: callers must NOT change it for a single request, because a
// concurrent turn on the same node would observe the mutation. Chat turns go
// through CreateScopedClient instead.
type Client struct {
	nodeID string
	nc     NodeClient

	mu    sync.Mutex
	model string
}

// NodeID returns the owning node's identity.
func (c *Client) NodeID() string { return c.nodeID }

// Model returns the currently selected model.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel changes the shared handle's model. See the type comment for the
// concurrency hazard; prefer CreateScopedClient.
func (c *Client) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
}

// WebSearch proxies a web search through the node.
func (c *Client) WebSearch(ctx context.Context, query string, max int) ([]WebSearchResult, error) {
	return c.nc.WebSearch(ctx, query, max)
}

// ScopedClient is a short-lived handle bound to one node and one model for
// the duration of one chat turn. It is owned exclusively by the turn that
// created it and must not outlive it.
type ScopedClient struct {
	nodeID string
	model  string
	nc     NodeClient
}

// NodeID returns the bound node's identity.
func (s *ScopedClient) NodeID() string { return s.nodeID }

// Model returns the pinned model identifier.
func (s *ScopedClient) Model() string { return s.model }

// Generate drives one streaming generation against the bound node and model.
// onToken is invoked for every token; ctx cancellation aborts the stream.
func (s *ScopedClient) Generate(ctx context.Context, req GenerateRequest, onToken TokenFunc) (string, error) {
	req.Model = s.model
	return s.nc.Generate(ctx, req, onToken)
}

// WebSearch proxies a web search through the bound node.
func (s *ScopedClient) WebSearch(ctx context.Context, query string, max int) ([]WebSearchResult, error) {
	return s.nc.WebSearch(ctx, query, max)
}
