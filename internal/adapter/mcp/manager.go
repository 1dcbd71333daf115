package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openmake/infergate/internal/tools"
)

// serversFile is the on-disk shape of the MCP configuration.
type serversFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServersFile reads server configs from a YAML file. A missing file is
// not an error: the platform simply runs without external tools.
func LoadServersFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=mcp.load_config: %w", err)
	}
	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("op=mcp.load_config: parse %s: %w", path, err)
	}
	for _, cfg := range f.Servers {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
	}
	return f.Servers, nil
}

// ManagerConfig tunes connection behaviour.
type ManagerConfig struct {
	ConnectTimeout time.Duration // per-server initial connect budget
	PingInterval   time.Duration // 0 disables the liveness loop
}

// Manager owns the external server clients and keeps the tool registry in
// sync with what each connected server advertises.
type Manager struct {
	cfg      ManagerConfig
	registry *tools.Registry

	mu      sync.Mutex
	clients map[string]*Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager bound to registry.
func NewManager(cfg ManagerConfig, registry *tools.Registry) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		clients:  make(map[string]*Client),
	}
}

// Start connects every enabled server and, when PingInterval is set, begins
// the liveness loop. Individual connect failures are logged, not fatal.
func (m *Manager) Start(ctx context.Context, configs []ServerConfig) {
	m.Reload(ctx, configs)

	if m.cfg.PingInterval > 0 {
		lctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.pingLoop(lctx)
	}
}

// Reload applies a new server set: removed servers are disconnected and
// unregistered, new or changed ones are (re)connected. Used at startup and
// when a client pushes new settings.
func (m *Manager) Reload(ctx context.Context, configs []ServerConfig) {
	wanted := make(map[string]ServerConfig)
	for _, cfg := range configs {
		if cfg.IsEnabled() {
			wanted[cfg.ID] = cfg
		}
	}

	m.mu.Lock()
	for id, client := range m.clients {
		if _, keep := wanted[id]; !keep {
			client.Disconnect()
			m.registry.UnregisterExternal(id)
			delete(m.clients, id)
			slog.Info("mcp server removed", slog.String("server", id))
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cfg := range wanted {
		wg.Add(1)
		go func(cfg ServerConfig) {
			defer wg.Done()
			m.connectOne(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
}

func (m *Manager) connectOne(ctx context.Context, cfg ServerConfig) {
	client, err := NewClient(cfg)
	if err != nil {
		slog.Error("mcp server config rejected", slog.String("server", cfg.ID), slog.Any("error", err))
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		slog.Warn("mcp server unavailable", slog.String("server", cfg.ID), slog.Any("error", err))
		m.mu.Lock()
		m.clients[cfg.ID] = client
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if prev, ok := m.clients[cfg.ID]; ok && prev != client {
		prev.Disconnect()
	}
	m.clients[cfg.ID] = client
	m.mu.Unlock()

	m.registry.RegisterExternal(cfg.ID, cfg.Name, toRegistryTools(client.GetTools()), client)
}

// pingLoop reconnects servers that stopped answering.
func (m *Manager) pingLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, client := range clients {
		if client.GetStatus() == StatusConnected {
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}
			slog.Warn("mcp server stopped answering", slog.String("server", client.ID()), slog.Any("error", err))
			m.registry.UnregisterExternal(client.ID())
		}

		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := client.Connect(cctx)
		cancel()
		if err != nil {
			continue
		}
		m.registry.RegisterExternal(client.ID(), client.Name(), toRegistryTools(client.GetTools()), client)
	}
}

// ServerStatus is the externally reported state of one server.
type ServerStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Tools  int    `json:"tools"`
}

// Statuses lists every managed server sorted by id.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, ServerStatus{
			ID:     c.ID(),
			Name:   c.Name(),
			Status: c.GetStatus(),
			Tools:  len(c.GetTools()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop ends the liveness loop and disconnects every server.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		client.Disconnect()
		m.registry.UnregisterExternal(id)
		delete(m.clients, id)
	}
}

func toRegistryTools(defs []ToolDefinition) []tools.Tool {
	out := make([]tools.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, tools.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
