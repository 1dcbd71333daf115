// Package cluster tracks the fleet of inference nodes and selects one per
// chat turn. The manager owns node records and their shared transport
// handles; turns obtain short-lived scoped clients that pin one model.
package cluster

import (
	"context"
	"math"
	"strings"
	"time"
)

// NodeStatus is the probe-derived liveness of a node.
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusOffline NodeStatus = "offline"
)

// Node is the registry record for one inference node. Identity is host:port.
// Latency is re-measured by health probes and never trusted across restarts.
type Node struct {
	ID        string     `json:"id"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Name      string     `json:"name"`
	Status    NodeStatus `json:"status"`
	Models    []string   `json:"models"`
	LatencyMS float64    `json:"latencyMs"`
	LastSeen  time.Time  `json:"lastSeen"`
}

// HasModel reports whether the node advertises a model whose identifier
// contains model as a substring. Deployed identifiers carry suffixes
// (e.g. "llama3:8b-instruct-q4"), so the match is deliberately loose.
func (n Node) HasModel(model string) bool {
	for _, m := range n.Models {
		if strings.Contains(m, model) {
			return true
		}
	}
	return false
}

// latencyUnknown sorts unknown latencies after every measured one.
var latencyUnknown = math.Inf(1)

// WebSearchResult is one hit returned by a node-side web search.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// GenerateRequest describes one streaming generation.
type GenerateRequest struct {
	Model    string
	Messages []ChatMessage
	Images   []string
	Options  map[string]any
}

// ChatMessage is the wire shape sent to a node.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenFunc receives one generated token. Returning an error aborts the
// stream; the error propagates out of Generate unchanged.
type TokenFunc func(token string) error

// NodeClient is the per-node transport contract. Implementations must honor
// context cancellation at every blocking call.
type NodeClient interface {
	IsAvailable(ctx context.Context) bool
	ListModels(ctx context.Context) ([]string, error)
	WebSearch(ctx context.Context, query string, max int) ([]WebSearchResult, error)
	Generate(ctx context.Context, req GenerateRequest, onToken TokenFunc) (string, error)
}

// ClientFactory builds the transport for a node; tests inject fakes.
type ClientFactory func(host string, port int) NodeClient
