// Package tools provides the unified registry over built-in tools and tools
// discovered from external tool servers, with tier-based access control and
// sandboxed path arguments.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/observability"
)

// Separator joins an external server name and its tool's original name.
// It is not a valid character sequence inside tool names.
const Separator = "::"

// Tool is the externally visible description of one tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	External    bool           `json:"external"`
}

// Handler executes a built-in tool with the caller's user context.
type Handler func(ctx context.Context, args map[string]any, uc domain.UserContext) (domain.ToolResult, error)

// ExternalExecutor invokes a tool on an external server using the tool's
// original (un-namespaced) name.
type ExternalExecutor interface {
	CallTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)
}

type builtinEntry struct {
	tool    Tool
	handler Handler
}

type serverEntry struct {
	serverName string
	tools      []Tool // namespaced
	exec       ExternalExecutor
}

// Registry owns built-in entries and co-owns external entries with their
// clients; RegisterExternal for a server id atomically replaces its prior set.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]builtinEntry
	order    []string // builtin listing order
	servers  map[string]*serverEntry
	byName   map[string]string // namespaced name -> server id

	sandbox *Sandbox
}

// NewRegistry constructs an empty registry with the given sandbox.
func NewRegistry(sandbox *Sandbox) *Registry {
	return &Registry{
		builtins: make(map[string]builtinEntry),
		servers:  make(map[string]*serverEntry),
		byName:   make(map[string]string),
		sandbox:  sandbox,
	}
}

// RegisterBuiltin adds a built-in tool under its original name.
func (r *Registry) RegisterBuiltin(tool Tool, h Handler) error {
	if strings.Contains(tool.Name, Separator) {
		return fmt.Errorf("op=tools.register_builtin: %q contains the namespace separator", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.builtins[tool.Name]; !dup {
		r.order = append(r.order, tool.Name)
	}
	tool.External = false
	r.builtins[tool.Name] = builtinEntry{tool: tool, handler: h}
	return nil
}

// RegisterExternal replaces any prior registration for serverID with the
// given tool set and executor. Tools are presented as serverName::original.
func (r *Registry) RegisterExternal(serverID, serverName string, tools []Tool, exec ExternalExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropServerLocked(serverID)

	entry := &serverEntry{serverName: serverName, exec: exec}
	for _, t := range tools {
		namespaced := serverName + Separator + t.Name
		nt := t
		nt.Name = namespaced
		nt.External = true
		entry.tools = append(entry.tools, nt)
		r.byName[namespaced] = serverID
	}
	r.servers[serverID] = entry
	slog.Info("external tools registered",
		slog.String("server", serverName),
		slog.Int("tools", len(entry.tools)))
}

// UnregisterExternal removes every tool and the executor for serverID.
func (r *Registry) UnregisterExternal(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropServerLocked(serverID)
}

func (r *Registry) dropServerLocked(serverID string) {
	prev, ok := r.servers[serverID]
	if !ok {
		return
	}
	for _, t := range prev.tools {
		delete(r.byName, t.Name)
	}
	delete(r.servers, serverID)
}

// ListAll returns built-ins under original names followed by external tools
// in namespaced form.
func (r *Registry) ListAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.builtins))
	for _, name := range r.order {
		out = append(out, r.builtins[name].tool)
	}
	serverIDs := make([]string, 0, len(r.servers))
	for id := range r.servers {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)
	for _, id := range serverIDs {
		out = append(out, r.servers[id].tools...)
	}
	return out
}

// ListForTier filters ListAll by the tier policy.
func (r *Registry) ListForTier(tier domain.Tier) []Tool {
	var out []Tool
	for _, t := range r.ListAll() {
		if allowedForTier(tier, t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Execute runs the named tool after the tier check, rewriting path arguments
// through the sandbox. Unknown names and policy violations come back as
// error-typed results, never as panics.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, uc domain.UserContext) domain.ToolResult {
	if !allowedForTier(uc.Principal.Tier, name) {
		observability.ToolExecutionsTotal.WithLabelValues(kindOf(name), "denied").Inc()
		return domain.ErrorResult(fmt.Sprintf("tool %q is not available on the %s tier", name, uc.Principal.Tier))
	}

	if r.sandbox != nil {
		args = r.sandbox.RewriteArgs(uc.Principal.Key(uc.AnonSessionID), args)
	}

	if strings.Contains(name, Separator) {
		return r.executeExternal(ctx, name, args)
	}
	return r.executeBuiltin(ctx, name, args, uc)
}

func (r *Registry) executeBuiltin(ctx context.Context, name string, args map[string]any, uc domain.UserContext) domain.ToolResult {
	r.mu.RLock()
	entry, ok := r.builtins[name]
	r.mu.RUnlock()
	if !ok {
		observability.ToolExecutionsTotal.WithLabelValues("builtin", "unknown").Inc()
		return domain.ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	res, err := entry.handler(ctx, args, uc)
	if err != nil {
		observability.ToolExecutionsTotal.WithLabelValues("builtin", "error").Inc()
		slog.Error("builtin tool failed", slog.String("tool", name), slog.Any("error", err))
		return domain.ErrorResult(fmt.Sprintf("tool %s failed", name))
	}
	observability.ToolExecutionsTotal.WithLabelValues("builtin", "ok").Inc()
	return res
}

// executeExternal forwards the original name (not the namespaced form) to
// the executor registered for the owning server.
func (r *Registry) executeExternal(ctx context.Context, name string, args map[string]any) domain.ToolResult {
	r.mu.RLock()
	serverID, ok := r.byName[name]
	var exec ExternalExecutor
	if ok {
		exec = r.servers[serverID].exec
	}
	r.mu.RUnlock()
	if !ok || exec == nil {
		observability.ToolExecutionsTotal.WithLabelValues("external", "unknown").Inc()
		return domain.ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	original := name[strings.Index(name, Separator)+len(Separator):]
	res, err := exec.CallTool(ctx, original, args)
	if err != nil {
		observability.ToolExecutionsTotal.WithLabelValues("external", "error").Inc()
		slog.Error("external tool failed", slog.String("tool", name), slog.Any("error", err))
		return domain.ErrorResult(fmt.Sprintf("tool %s failed", name))
	}
	observability.ToolExecutionsTotal.WithLabelValues("external", "ok").Inc()
	return res
}

func kindOf(name string) string {
	if strings.Contains(name, Separator) {
		return "external"
	}
	return "builtin"
}
