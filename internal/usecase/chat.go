// Package usecase holds the per-turn chat orchestration: model resolution,
// rate limiting, node acquisition, session persistence and streaming
// generation with cooperative cancellation.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/observability"
	"github.com/openmake/infergate/internal/tools"
)

// minSessionIDLen separates real session ids from short node identifiers:
// an inbound session id shorter than this is treated as absent.
const minSessionIDLen = 10

// historyLimit caps how much stored conversation a reused session replays
// into the model context when the client sends none.
const historyLimit = 20

// webSearchTool is the registry name of the built-in search tool.
const webSearchTool = "web_search"

// ScopedGenerator is the turn-owned generation handle.
type ScopedGenerator interface {
	NodeID() string
	Model() string
	Generate(ctx context.Context, req cluster.GenerateRequest, onToken cluster.TokenFunc) (string, error)
}

// NodeSource hands out nodes and scoped handles; backed by the cluster
// manager in production.
type NodeSource interface {
	GetBestNode(model string) *cluster.Node
	ScopedClient(nodeID, model string) (ScopedGenerator, bool)
}

// RateLimiter is the daily per-principal ceiling.
type RateLimiter interface {
	Check(ctx context.Context, key string, role domain.Role, tier domain.Tier) error
}

// TokenCounter estimates token usage for accounting events.
type TokenCounter interface {
	Count(s string) int
}

// ToolRunner exposes the tier-filtered tool surface to the pipeline.
type ToolRunner interface {
	ListForTier(tier domain.Tier) []tools.Tool
	Execute(ctx context.Context, name string, args map[string]any, uc domain.UserContext) domain.ToolResult
}

// ChatTurn is the input for one turn.
type ChatTurn struct {
	SessionID        string
	Message          string
	Model            string
	NodeID           string
	Images           []string
	DocID            string
	WebSearchContext string
	History          []cluster.ChatMessage

	Discussion    bool
	DeepResearch  bool
	Thinking      bool
	ThinkingLevel string
	EnabledTools  []string
}

// TurnCallbacks stream intermediate events back to the session. Nil
// callbacks are skipped.
type TurnCallbacks struct {
	SessionCreated     func(sessionID string)
	AgentSelected      func(model, nodeID string)
	DiscussionProgress func(stage string)
	ResearchProgress   func(stage string)
	Token              func(token string) error
}

// TurnResult is the success outcome of one turn.
type TurnResult struct {
	SessionID string
	Response  string
	Model     string
	NodeID    string
}

// ChatPipeline drives one chat turn end to end.
type ChatPipeline struct {
	nodes    NodeSource
	limiter  RateLimiter
	sessions domain.SessionRepository
	selector ModelSelector

	// optional accounting collaborators
	usage   domain.UsageSink
	counter TokenCounter

	// optional tool surface
	tools ToolRunner
}

// NewChatPipeline wires the mandatory collaborators.
func NewChatPipeline(nodes NodeSource, limiter RateLimiter, sessions domain.SessionRepository) *ChatPipeline {
	return &ChatPipeline{
		nodes:    nodes,
		limiter:  limiter,
		sessions: sessions,
		selector: DefaultModelSelector(),
	}
}

// WithUsage enables per-turn usage accounting.
func (p *ChatPipeline) WithUsage(sink domain.UsageSink, counter TokenCounter) *ChatPipeline {
	p.usage = sink
	p.counter = counter
	return p
}

// WithTools enables tier gating of the turn's tool set and the in-turn
// web_search call.
func (p *ChatPipeline) WithTools(runner ToolRunner) *ChatPipeline {
	p.tools = runner
	return p
}

// WithSelector overrides the default model selector.
func (p *ChatPipeline) WithSelector(sel ModelSelector) *ChatPipeline {
	p.selector = sel
	return p
}

// Process runs one turn. ctx is the turn's cancellation handle: observing
// cancellation at any step returns domain.ErrAborted, which callers must not
// render as a generic error. All other failures map to the typed error
// vocabulary; unexpected ones are logged here and come back wrapped in
// UpstreamError, which transports render with the generic client message.
func (p *ChatPipeline) Process(ctx context.Context, turn ChatTurn, uc domain.UserContext, cb TurnCallbacks) (TurnResult, error) {
	start := time.Now()
	res, err := p.process(ctx, turn, uc, cb)
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	observability.ChatTurnsTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		observability.GenerationDuration.WithLabelValues(res.Model).Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (p *ChatPipeline) process(ctx context.Context, turn ChatTurn, uc domain.UserContext, cb TurnCallbacks) (TurnResult, error) {
	if turn.Message == "" {
		return TurnResult{}, &domain.InvalidRequestError{Message: "메시지가 필요합니다"}
	}

	model := turn.Model
	if model == "" || model == "default" {
		model = p.selector.Select(turn.Message)
	}

	key := uc.Principal.Key(uc.AnonSessionID)
	if err := p.limiter.Check(ctx, key, uc.Principal.Role, uc.Principal.Tier); err != nil {
		return TurnResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return TurnResult{}, domain.ErrAborted
	}

	client, err := p.acquire(turn.NodeID, model, cb)
	if err != nil {
		return TurnResult{}, err
	}

	sessionID, err := p.bindSession(ctx, turn, uc, cb)
	if err != nil {
		return TurnResult{}, err
	}

	history := turn.History
	if len(history) == 0 && sessionID == turn.SessionID {
		history = p.loadHistory(ctx, sessionID)
	}
	enabled := p.allowedTools(turn.EnabledTools, uc.Principal.Tier)

	var userMeta map[string]any
	if turn.DocID != "" || len(enabled) > 0 {
		userMeta = map[string]any{}
		if turn.DocID != "" {
			userMeta["doc_id"] = turn.DocID
		}
		if len(enabled) > 0 {
			userMeta["tools"] = enabled
		}
	}
	if err := p.sessions.AddMessage(ctx, sessionID, domain.RoleMsgUser, turn.Message, userMeta); err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, domain.ErrAborted
		}
		slog.Warn("user message not persisted", slog.String("session", sessionID), slog.Any("error", err))
	}

	response, err := p.generate(ctx, client, turn, uc, history, enabled, cb)
	if err != nil {
		return TurnResult{}, err
	}

	meta := map[string]any{"model": client.Model(), "node": client.NodeID()}
	if err := p.sessions.AddMessage(ctx, sessionID, domain.RoleMsgAssistant, response, meta); err != nil {
		slog.Warn("assistant message not persisted", slog.String("session", sessionID), slog.Any("error", err))
	}

	p.publishUsage(ctx, key, sessionID, client, turn.Message, response)

	return TurnResult{SessionID: sessionID, Response: response, Model: client.Model(), NodeID: client.NodeID()}, nil
}

// acquire resolves the node and pins a scoped handle for this turn.
func (p *ChatPipeline) acquire(nodeID, model string, cb TurnCallbacks) (ScopedGenerator, error) {
	if nodeID == "" {
		node := p.nodes.GetBestNode(model)
		if node == nil {
			return nil, domain.ErrNoNodeAvailable
		}
		nodeID = node.ID
	}
	client, ok := p.nodes.ScopedClient(nodeID, model)
	if !ok {
		return nil, domain.ErrNoNodeAvailable
	}
	if cb.AgentSelected != nil {
		cb.AgentSelected(client.Model(), client.NodeID())
	}
	return client, nil
}

func (p *ChatPipeline) bindSession(ctx context.Context, turn ChatTurn, uc domain.UserContext, cb TurnCallbacks) (string, error) {
	if len(turn.SessionID) >= minSessionIDLen {
		return turn.SessionID, nil
	}
	sess, err := p.sessions.CreateSession(ctx, uc.Principal.UserID, titleFrom(turn.Message), "", uc.AnonSessionID)
	if err != nil {
		if ctx.Err() != nil {
			return "", domain.ErrAborted
		}
		slog.Error("session create failed", slog.Any("error", err))
		return "", fmt.Errorf("op=chat.bind_session: %w", &domain.UpstreamError{Cause: err})
	}
	if cb.SessionCreated != nil {
		cb.SessionCreated(sess.ID)
	}
	return sess.ID, nil
}

func (p *ChatPipeline) generate(ctx context.Context, client ScopedGenerator, turn ChatTurn, uc domain.UserContext, history []cluster.ChatMessage, enabled []string, cb TurnCallbacks) (string, error) {
	if turn.Discussion && cb.DiscussionProgress != nil {
		cb.DiscussionProgress("preparing")
	}
	if turn.DeepResearch && cb.ResearchProgress != nil {
		cb.ResearchProgress("preparing")
	}

	webCtx := turn.WebSearchContext
	if webCtx == "" && p.tools != nil && slices.Contains(enabled, webSearchTool) {
		webCtx = p.searchContext(ctx, turn.Message, uc)
	}

	messages := append(append([]cluster.ChatMessage(nil), history...), cluster.ChatMessage{
		Role:    domain.RoleMsgUser,
		Content: turn.Message,
	})
	if webCtx != "" {
		messages = append([]cluster.ChatMessage{{
			Role:    domain.RoleMsgSystem,
			Content: "Web search context:\n" + webCtx,
		}}, messages...)
	}
	req := cluster.GenerateRequest{
		Model:    client.Model(),
		Messages: messages,
		Images:   turn.Images,
	}
	opts := map[string]any{}
	if turn.Thinking {
		opts["thinking"] = true
		if turn.ThinkingLevel != "" {
			opts["thinking_level"] = turn.ThinkingLevel
		}
	}
	if turn.DocID != "" {
		opts["doc_id"] = turn.DocID
	}
	if len(enabled) > 0 {
		opts["tools"] = enabled
	}
	if len(opts) > 0 {
		req.Options = opts
	}

	response, err := client.Generate(ctx, req, func(token string) error {
		if ctx.Err() != nil {
			return domain.ErrAborted
		}
		observability.TokensStreamedTotal.Inc()
		if cb.Token != nil {
			return cb.Token(token)
		}
		return nil
	})
	if err != nil {
		return "", mapGenerateError(ctx, err)
	}
	return response, nil
}

// loadHistory replays the stored conversation of a reused session. Failures
// degrade to an empty history: the turn proceeds without context.
func (p *ChatPipeline) loadHistory(ctx context.Context, sessionID string) []cluster.ChatMessage {
	msgs, err := p.sessions.GetMessages(ctx, sessionID, historyLimit)
	if err != nil {
		slog.Warn("history load failed", slog.String("session", sessionID), slog.Any("error", err))
		return nil
	}
	out := make([]cluster.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleMsgUser && m.Role != domain.RoleMsgAssistant {
			continue
		}
		out = append(out, cluster.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// allowedTools filters the requested tool names down to those visible at the
// caller's tier. Without a registry the request passes through untouched.
func (p *ChatPipeline) allowedTools(requested []string, tier domain.Tier) []string {
	if p.tools == nil || len(requested) == 0 {
		return requested
	}
	visible := make(map[string]struct{})
	for _, t := range p.tools.ListForTier(tier) {
		visible[t.Name] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := visible[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// searchContext runs web_search for the turn and flattens its text output
// into one context block. Tool failures produce no context, not an error.
func (p *ChatPipeline) searchContext(ctx context.Context, query string, uc domain.UserContext) string {
	res := p.tools.Execute(ctx, webSearchTool, map[string]any{"query": query}, uc)
	if res.IsError {
		return ""
	}
	var b strings.Builder
	for _, c := range res.Content {
		if c.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

// mapGenerateError keeps the typed vocabulary intact and collapses everything
// else into an internal upstream failure with the generic client message.
func mapGenerateError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, domain.ErrAborted) || errors.Is(err, context.Canceled) {
		return domain.ErrAborted
	}
	var (
		quota   *domain.QuotaExceededError
		keys    *domain.KeysExhaustedError
		limited *domain.RateLimitedError
		invalid *domain.InvalidRequestError
	)
	if errors.As(err, &quota) || errors.As(err, &keys) || errors.As(err, &limited) || errors.As(err, &invalid) {
		return err
	}
	slog.Error("generation failed", slog.Any("error", err))
	return fmt.Errorf("op=chat.generate: %w", &domain.UpstreamError{Cause: err})
}

func (p *ChatPipeline) publishUsage(ctx context.Context, key, sessionID string, client ScopedGenerator, prompt, response string) {
	if p.usage == nil {
		return
	}
	ev := domain.UsageEvent{
		PrincipalKey: key,
		SessionID:    sessionID,
		Model:        client.Model(),
		NodeID:       client.NodeID(),
		At:           time.Now().UTC(),
	}
	if p.counter != nil {
		ev.PromptTokens = p.counter.Count(prompt)
		ev.CompletionTokens = p.counter.Count(response)
	}
	if err := p.usage.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.Debug("usage event dropped", slog.Any("error", err))
	}
}

// titleFrom trims the message to a 30-rune session title.
func titleFrom(message string) string {
	runes := []rune(message)
	if len(runes) <= 30 {
		return message
	}
	return string(runes[:30])
}

// ClusterSource adapts the concrete cluster manager to NodeSource.
func ClusterSource(m *cluster.Manager) NodeSource { return managerSource{m} }

type managerSource struct{ m *cluster.Manager }

func (s managerSource) GetBestNode(model string) *cluster.Node { return s.m.GetBestNode(model) }

func (s managerSource) ScopedClient(nodeID, model string) (ScopedGenerator, bool) {
	sc := s.m.CreateScopedClient(nodeID, model)
	if sc == nil {
		return nil, false
	}
	return sc, true
}
