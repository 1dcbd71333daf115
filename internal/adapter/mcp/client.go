package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openmake/infergate/internal/domain"
)

// Status of one external server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio | http | sse
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Enabled   *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (c ServerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c ServerConfig) validate() error {
	if c.ID == "" || c.Name == "" {
		return errors.New("op=mcp.config: id and name are required")
	}
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("op=mcp.config: server %s: stdio transport needs a command", c.ID)
		}
	case "http", "sse":
		if c.URL == "" {
			return fmt.Errorf("op=mcp.config: server %s: %s transport needs a url", c.ID, c.Transport)
		}
	default:
		return fmt.Errorf("op=mcp.config: server %s: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

// Client holds one server connection. It satisfies tools.ExternalExecutor.
type Client struct {
	cfg        ServerConfig
	httpClient *http.Client

	mu     sync.Mutex
	tr     transport
	status Status
	info   serverInfo
	tools  []ToolDefinition
}

// NewClient builds a disconnected client for cfg.
func NewClient(cfg ServerConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, status: StatusDisconnected}, nil
}

func (c *Client) ID() string   { return c.cfg.ID }
func (c *Client) Name() string { return c.cfg.Name }

// GetStatus reports the current connection state.
func (c *Client) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the server, runs the initialize handshake and fetches the
// tool list. Connecting an already connected client reconnects from scratch.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()

	tr, err := c.dial(ctx)
	if err != nil {
		c.status = StatusError
		return err
	}

	var initRes initializeResult
	err = tr.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "infergate", Version: "1.0"},
	}, &initRes)
	if err != nil {
		_ = tr.close()
		c.status = StatusError
		return fmt.Errorf("op=mcp.connect: initialize %s: %w", c.cfg.ID, err)
	}
	// Per protocol the client acknowledges before issuing requests. This is
	// a notification, so no reply is awaited.
	if err := tr.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		slog.Debug("mcp initialized notification failed", slog.String("server", c.cfg.ID), slog.Any("error", err))
	}

	var listRes toolsListResult
	if err := tr.call(ctx, "tools/list", map[string]any{}, &listRes); err != nil {
		_ = tr.close()
		c.status = StatusError
		return fmt.Errorf("op=mcp.connect: tools/list %s: %w", c.cfg.ID, err)
	}

	c.tr = tr
	c.status = StatusConnected
	c.info = initRes.ServerInfo
	c.tools = listRes.Tools
	slog.Info("mcp server connected",
		slog.String("server", c.cfg.ID),
		slog.String("transport", c.cfg.Transport),
		slog.Int("tools", len(listRes.Tools)))
	return nil
}

func (c *Client) dial(ctx context.Context) (transport, error) {
	switch c.cfg.Transport {
	case "stdio":
		var env []string
		for k, v := range c.cfg.Env {
			env = append(env, k+"="+v)
		}
		return newStdioTransport(ctx, c.cfg.Command, c.cfg.Args, env)
	default:
		return newHTTPTransport(c.cfg.URL, c.httpClient)
	}
}

// Disconnect closes the transport and marks the client disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Client) dropLocked() {
	if c.tr != nil {
		_ = c.tr.close()
		c.tr = nil
	}
	c.status = StatusDisconnected
	c.tools = nil
}

// GetTools returns the tool list cached at connect time.
func (c *Client) GetTools() []ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDefinition(nil), c.tools...)
}

// CallTool invokes tools/call with the tool's original name. Empty content
// from the server becomes the literal "(empty result)" so downstream renderers
// always have text to show.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return domain.ToolResult{}, fmt.Errorf("op=mcp.call: server %s is not connected", c.cfg.ID)
	}

	if args == nil {
		args = map[string]any{}
	}
	var res toolCallResult
	if err := tr.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args}, &res); err != nil {
		c.markBroken(err)
		return domain.ToolResult{}, fmt.Errorf("op=mcp.call: %s/%s: %w", c.cfg.ID, name, err)
	}

	out := domain.ToolResult{IsError: res.IsError}
	for _, block := range res.Content {
		if block.Type == "text" && block.Text != "" {
			out.Content = append(out.Content, domain.ToolContent{Type: "text", Text: block.Text})
		}
	}
	if len(out.Content) == 0 {
		out.Content = []domain.ToolContent{{Type: "text", Text: "(empty result)"}}
	}
	return out, nil
}

// Ping checks server liveness; servers without a ping method still count as
// alive when they answer with method-not-found.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("op=mcp.ping: server %s is not connected", c.cfg.ID)
	}
	err := tr.call(ctx, "ping", map[string]any{}, nil)
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && rpcErr.Code == errCodeMethodNotFound {
		return nil
	}
	if err != nil {
		c.markBroken(err)
	}
	return err
}

// markBroken flips to error state on transport-level failures; rpc-level
// errors leave the connection usable.
func (c *Client) markBroken(err error) {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return
	}
	c.mu.Lock()
	c.status = StatusError
	c.mu.Unlock()
}

// ConnectWithRetry keeps dialing with exponential backoff until the context
// is done or the connect succeeds.
func (c *Client) ConnectWithRetry(ctx context.Context, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := c.Connect(ctx)
		if err != nil {
			slog.Warn("mcp connect failed, retrying",
				slog.String("server", c.cfg.ID),
				slog.Any("error", err))
		}
		return err
	}, backoff.WithContext(bo, ctx))
}
