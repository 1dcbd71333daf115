package cluster

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/openmake/infergate/internal/observability"
)

// Event types emitted on node status transitions.
const (
	EventNodeOnline  = "node:online"
	EventNodeOffline = "node:offline"
	EventNodeUpdated = "node:updated"
)

// Event describes one node transition. Node is a copy; consumers never see
// manager-owned state.
type Event struct {
	Type string `json:"type"`
	Node Node   `json:"node"`
}

// Config controls probing cadence.
type Config struct {
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

type nodeState struct {
	rec    Node
	client NodeClient
	shared *Client
}

// Manager is the live registry of inference nodes. Administrative operations
// and the health-check loop mutate it; chat turns only read.
type Manager struct {
	cfg     Config
	factory ClientFactory

	mu    sync.RWMutex
	nodes map[string]*nodeState
	order []string

	subMu sync.Mutex
	subs  map[int]chan Event
	nextS int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager with the given client factory.
func NewManager(cfg Config, factory ClientFactory) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		factory: factory,
		nodes:   make(map[string]*nodeState),
		subs:    make(map[int]chan Event),
	}
}

// NodeID derives a node identity from host and port.
func NodeID(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Start launches the periodic health-check loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		t := time.NewTicker(m.cfg.HealthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.checkAll(ctx)
			}
		}
	}()
}

// Stop cancels the health-check loop and clears the registry.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	m.nodes = make(map[string]*nodeState)
	m.order = nil
	m.mu.Unlock()
}

// AddNode registers a node. It is idempotent on (host, port): a nil return
// means the node was already present. The node is registered even when the
// initial probe fails, with status offline and no models.
func (m *Manager) AddNode(ctx context.Context, host string, port int, name string) *Node {
	id := NodeID(host, port)
	if name == "" {
		name = id
	}

	m.mu.Lock()
	if _, exists := m.nodes[id]; exists {
		m.mu.Unlock()
		return nil
	}
	client := m.factory(host, port)
	st := &nodeState{
		rec: Node{
			ID:        id,
			Host:      host,
			Port:      port,
			Name:      name,
			Status:    StatusOffline,
			LatencyMS: latencyUnknown,
		},
		client: client,
		shared: &Client{nodeID: id, nc: client},
	}
	m.nodes[id] = st
	m.order = append(m.order, id)
	m.mu.Unlock()

	rec := m.probe(ctx, st)
	m.mu.Lock()
	st.rec = rec
	m.mu.Unlock()
	m.updateOnlineGauge()

	slog.Info("node registered",
		slog.String("node", id),
		slog.String("status", string(rec.Status)),
		slog.Int("models", len(rec.Models)))
	out := rec
	return &out
}

// RemoveNode drops a node from the registry.
func (m *Manager) RemoveNode(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return false
	}
	delete(m.nodes, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// GetNodes returns copies of all registered nodes in insertion order.
func (m *Manager) GetNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id].rec)
	}
	return out
}

// GetOnlineNodes returns copies of all online nodes in insertion order.
func (m *Manager) GetOnlineNodes() []Node {
	var out []Node
	for _, n := range m.GetNodes() {
		if n.Status == StatusOnline {
			out = append(out, n)
		}
	}
	return out
}

// GetNodesWithModel returns online nodes advertising a model containing name.
func (m *Manager) GetNodesWithModel(name string) []Node {
	var out []Node
	for _, n := range m.GetOnlineNodes() {
		if n.HasModel(name) {
			out = append(out, n)
		}
	}
	return out
}

// GetClient returns the shared handle for a node, or nil. The shared handle's
// model must not be mutated per request; chat turns use CreateScopedClient.
func (m *Manager) GetClient(id string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.nodes[id]
	if !ok {
		return nil
	}
	return st.shared
}

// CreateScopedClient returns a fresh handle bound to the given model for
// exactly one turn, or nil when the node is unknown.
func (m *Manager) CreateScopedClient(nodeID, model string) *ScopedClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	return &ScopedClient{nodeID: nodeID, model: model, nc: st.client}
}

// GetBestNode selects the lowest-latency online node. When model is set and
// not "default", candidates are narrowed to nodes advertising an identifier
// that contains model as a substring — a node advertising a longer variant
// of the requested name is an intentional match. Ties keep insertion order.
func (m *Manager) GetBestNode(model string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *nodeState
	for _, id := range m.order {
		st := m.nodes[id]
		if st.rec.Status != StatusOnline {
			continue
		}
		if model != "" && model != "default" && !st.rec.HasModel(model) {
			continue
		}
		if best == nil || st.rec.LatencyMS < best.rec.LatencyMS {
			best = st
		}
	}
	if best == nil {
		return nil
	}
	out := best.rec
	return &out
}

// Stats summarizes the cluster.
type Stats struct {
	TotalNodes  int      `json:"totalNodes"`
	OnlineNodes int      `json:"onlineNodes"`
	Models      []string `json:"models"`
}

// GetStats returns node counts and the unique set of advertised models.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{TotalNodes: len(m.nodes)}
	seen := map[string]struct{}{}
	for _, st := range m.nodes {
		if st.rec.Status == StatusOnline {
			s.OnlineNodes++
		}
		for _, mdl := range st.rec.Models {
			seen[mdl] = struct{}{}
		}
	}
	for mdl := range seen {
		s.Models = append(s.Models, mdl)
	}
	sort.Strings(s.Models)
	return s
}

// Subscribe registers an event consumer. Events are copy-on-send and dropped
// rather than blocking a slow consumer.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextS
	m.nextS++
	ch := make(chan Event, 16)
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// probe measures a node once: liveness, then models and latency when alive.
func (m *Manager) probe(ctx context.Context, st *nodeState) Node {
	rec := st.rec

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	alive := st.client.IsAvailable(pctx)
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if !alive {
		observability.NodeProbesTotal.WithLabelValues("offline").Inc()
		rec.Status = StatusOffline
		return rec
	}

	observability.NodeProbesTotal.WithLabelValues("online").Inc()
	rec.Status = StatusOnline
	rec.LatencyMS = latency
	rec.LastSeen = time.Now().UTC()

	models, err := st.client.ListModels(pctx)
	if err != nil {
		slog.Warn("model enumeration failed", slog.String("node", rec.ID), slog.Any("error", err))
	} else {
		rec.Models = models
	}
	return rec
}

// checkAll probes every registered node in parallel and emits one event per
// status transition, plus node:updated when an online node's fields changed.
func (m *Manager) checkAll(ctx context.Context) {
	m.mu.RLock()
	states := make([]*nodeState, 0, len(m.order))
	for _, id := range m.order {
		states = append(states, m.nodes[id])
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *nodeState) {
			defer wg.Done()

			m.mu.RLock()
			before := st.rec
			m.mu.RUnlock()

			after := m.probe(ctx, st)

			m.mu.Lock()
			st.rec = after
			m.mu.Unlock()

			switch {
			case before.Status != after.Status && after.Status == StatusOnline:
				m.emit(Event{Type: EventNodeOnline, Node: after})
			case before.Status != after.Status && after.Status == StatusOffline:
				m.emit(Event{Type: EventNodeOffline, Node: after})
			case after.Status == StatusOnline && nodeChanged(before, after):
				m.emit(Event{Type: EventNodeUpdated, Node: after})
			}
		}(st)
	}
	wg.Wait()
	m.updateOnlineGauge()
}

func (m *Manager) updateOnlineGauge() {
	observability.NodesOnline.Set(float64(m.GetStats().OnlineNodes))
}

func nodeChanged(a, b Node) bool {
	if a.LatencyMS != b.LatencyMS || len(a.Models) != len(b.Models) {
		return true
	}
	for i := range a.Models {
		if a.Models[i] != b.Models[i] {
			return true
		}
	}
	return false
}
