// Package ws terminates duplex client connections: authentication, framed
// dispatch, per-turn cancellation, heartbeat and broadcast.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/observability"
	"github.com/openmake/infergate/internal/tools"
	"github.com/openmake/infergate/internal/usecase"
)

// TurnProcessor runs one chat turn; satisfied by the chat pipeline.
type TurnProcessor interface {
	Process(ctx context.Context, turn usecase.ChatTurn, uc domain.UserContext, cb usecase.TurnCallbacks) (usecase.TurnResult, error)
}

// ClusterView is the read surface the session handler needs from the
// cluster manager.
type ClusterView interface {
	GetStats() cluster.Stats
	GetNodes() []cluster.Node
	Subscribe() (<-chan cluster.Event, func())
}

// ToolLister enumerates tools visible to a tier.
type ToolLister interface {
	ListForTier(tier domain.Tier) []tools.Tool
}

// Config tunes the handler. Zero values take the platform defaults.
type Config struct {
	ServerName        string
	MaxFrameBytes     int64
	HeartbeatInterval time.Duration
}

// Deps are the handler's collaborators. Verifier and Directory are
// optional: without them every session is a guest.
type Deps struct {
	Cluster   ClusterView
	Pipeline  TurnProcessor
	Tools     ToolLister
	Verifier  domain.TokenVerifier
	Directory domain.UserDirectory
}

// Handler owns the session registry. Sessions are added on accept and
// removed on close or heartbeat timeout; removal always fires the session's
// active cancellation handle.
type Handler struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*ConnectedSession

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewHandler builds the session handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "infergate"
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*ConnectedSession),
	}
}

// Start launches the heartbeat loop and cluster event forwarding.
func (h *Handler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.loopCancel = cancel
	h.loopDone = make(chan struct{})
	go h.run(ctx)
}

// Stop ends the loops and closes every session.
func (h *Handler) Stop() {
	if h.loopCancel != nil {
		h.loopCancel()
		<-h.loopDone
		h.loopCancel = nil
	}
	h.mu.Lock()
	victims := make([]*ConnectedSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		victims = append(victims, s)
	}
	h.mu.Unlock()
	for _, s := range victims {
		h.closeSession(s)
	}
}

func (h *Handler) run(ctx context.Context) {
	defer close(h.loopDone)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var events <-chan cluster.Event
	if h.deps.Cluster != nil {
		ch, unsub := h.deps.Cluster.Subscribe()
		defer unsub()
		events = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.Broadcast(Frame{Type: outClusterEvent, Event: &ev})
		}
	}
}

// ServeHTTP upgrades the connection and runs its read loop to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	id := ulid.Make().String()
	principal := h.authenticate(r)
	anonID := ""
	if principal.UserID == nil {
		anonID = id
	}
	sess := newConnectedSession(id, conn, principal, anonID)

	// Read twice the frame cap so an oversize frame is still readable and
	// answerable instead of killing the connection outright.
	conn.SetReadLimit(h.cfg.MaxFrameBytes * 2)
	conn.SetPongHandler(func(string) error {
		sess.markAlive()
		return nil
	})

	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()
	observability.SessionsActive.Inc()
	slog.Info("session opened",
		slog.String("session", id),
		slog.String("role", string(principal.Role)),
		slog.String("tier", string(principal.Tier)))

	h.sendWelcome(sess)
	h.readLoop(sess)
	h.closeSession(sess)
}

// authenticate resolves the principal from the auth_token cookie or the
// Authorization header. Any failure leaves the session as guest.
func (h *Handler) authenticate(r *http.Request) domain.Principal {
	token := ""
	if c, err := r.Cookie("auth_token"); err == nil {
		token = c.Value
	}
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" || h.deps.Verifier == nil {
		return domain.Guest()
	}

	claims, err := h.deps.Verifier.Verify(token)
	if err != nil {
		slog.Debug("token rejected", slog.Any("error", err))
		return domain.Guest()
	}
	principal := domain.Principal{UserID: &claims.UserID, Role: claims.Role, Tier: claims.Tier}
	if h.deps.Directory != nil {
		if enriched, err := h.deps.Directory.Lookup(r.Context(), claims.UserID); err == nil {
			principal = enriched
		}
	}
	return principal
}

func (h *Handler) sendWelcome(sess *ConnectedSession) {
	stats, nodes := h.clusterSnapshot()
	_ = sess.Send(Frame{Type: outInit, Name: h.cfg.ServerName, Stats: stats, Nodes: nodes})
	_ = sess.Send(Frame{Type: outStats, Stats: stats})
}

func (h *Handler) clusterSnapshot() (*cluster.Stats, []cluster.Node) {
	if h.deps.Cluster == nil {
		return &cluster.Stats{}, nil
	}
	stats := h.deps.Cluster.GetStats()
	return &stats, h.deps.Cluster.GetNodes()
}

func (h *Handler) readLoop(sess *ConnectedSession) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				_ = sess.Send(Frame{Type: outError, Error: msgFrameTooLarge})
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("session read failed", slog.String("session", sess.id), slog.Any("error", err))
			}
			return
		}
		h.dispatch(sess, data)
	}
}

func (h *Handler) dispatch(sess *ConnectedSession, data []byte) {
	if int64(len(data)) > h.cfg.MaxFrameBytes {
		_ = sess.Send(Frame{Type: outError, Error: msgFrameTooLarge})
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		_ = sess.Send(Frame{Type: outError, Error: msgMalformedFrame})
		return
	}
	var frameType string
	if raw, ok := probe["type"]; !ok || json.Unmarshal(raw, &frameType) != nil || frameType == "" {
		_ = sess.Send(Frame{Type: outError, Error: msgMalformedFrame})
		return
	}

	switch frameType {
	case inRefresh:
		stats, nodes := h.clusterSnapshot()
		_ = sess.Send(Frame{Type: outUpdate, Stats: stats, Nodes: nodes})

	case inMCPSettings:
		var f inboundFrame
		_ = json.Unmarshal(data, &f)
		applied := sess.setMCPSettings(func(m *MCPSettings) {
			if f.SequentialThinking != nil {
				m.SequentialThinking = *f.SequentialThinking
			}
			if f.WebSearch != nil {
				m.WebSearch = *f.WebSearch
			}
		})
		_ = sess.Send(Frame{Type: outMCPSettingsAck, MCP: &applied})

	case inRequestAgents:
		_ = sess.Send(Frame{Type: outAgents, Agents: h.agents(sess)})

	case inChat:
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = sess.Send(Frame{Type: outError, Error: msgMalformedFrame})
			return
		}
		go h.handleChat(sess, f)

	case inAbort:
		if sess.fireCancel() {
			_ = sess.Send(Frame{Type: outAborted})
		}

	default:
		// unknown types are ignored
	}
}

// agents advertises the registry's tools for the session's tier.
// External tools render as mcp://serverName/originalName, built-ins as
// local://name.
func (h *Handler) agents(sess *ConnectedSession) []AgentInfo {
	if h.deps.Tools == nil {
		return nil
	}
	uc := sess.userContext()
	listed := h.deps.Tools.ListForTier(uc.Principal.Tier)
	out := make([]AgentInfo, 0, len(listed))
	for _, t := range listed {
		url := "local://" + t.Name
		if t.External {
			server, original, _ := strings.Cut(t.Name, tools.Separator)
			url = "mcp://" + server + "/" + original
		}
		out = append(out, AgentInfo{URL: url, Name: t.Name, Description: t.Description, External: t.External})
	}
	return out
}

func (h *Handler) handleChat(sess *ConnectedSession, f inboundFrame) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := sess.setCancel(cancel)
	defer func() {
		sess.clearCancel(seq)
		cancel()
	}()

	messageID := ulid.Make().String()
	uc := sess.userContext()
	settings := sess.mcpSettings()

	turn := usecase.ChatTurn{
		SessionID:        f.SessionID,
		Message:          f.Message,
		Model:            f.Model,
		NodeID:           f.NodeID,
		Images:           f.Images,
		DocID:            f.DocID,
		WebSearchContext: f.WebSearchContext,
		Discussion:       f.Discussion,
		DeepResearch:     f.DeepResearch,
		Thinking:         f.Thinking,
		ThinkingLevel:    f.ThinkingLevel,
		EnabledTools:     f.Tools,
		History:          historyMessages(f.History),
	}
	if settings.SequentialThinking {
		turn.EnabledTools = appendUnique(turn.EnabledTools, "sequential_thinking")
	}
	if settings.WebSearch {
		turn.EnabledTools = appendUnique(turn.EnabledTools, "web_search")
	}

	cb := usecase.TurnCallbacks{
		SessionCreated: func(id string) {
			_ = sess.Send(Frame{Type: outSessionCreated, MessageID: messageID, SessionID: id})
		},
		AgentSelected: func(model, nodeID string) {
			_ = sess.Send(Frame{Type: outAgentSelected, MessageID: messageID, Model: model, NodeID: nodeID})
		},
		DiscussionProgress: func(stage string) {
			_ = sess.Send(Frame{Type: outDiscussionProgress, MessageID: messageID, Stage: stage})
		},
		ResearchProgress: func(stage string) {
			_ = sess.Send(Frame{Type: outResearchProgress, MessageID: messageID, Stage: stage})
		},
		Token: func(token string) error {
			return sess.Send(Frame{Type: outToken, MessageID: messageID, Token: token})
		},
	}

	res, err := h.deps.Pipeline.Process(ctx, turn, uc, cb)
	if err != nil {
		h.sendTurnError(sess, messageID, err, uc.Language)
		return
	}
	_ = sess.Send(Frame{Type: outDone, MessageID: messageID, SessionID: res.SessionID, Model: res.Model})
}

// sendTurnError maps the typed failure vocabulary to client frames. An
// aborted turn sends nothing here: the abort dispatch already answered with
// its own frame, and teardown-driven cancellation has no reader left.
func (h *Handler) sendTurnError(sess *ConnectedSession, messageID string, err error, lang string) {
	var (
		limited *domain.RateLimitedError
		quota   *domain.QuotaExceededError
		keys    *domain.KeysExhaustedError
		invalid *domain.InvalidRequestError
	)
	switch {
	case errors.Is(err, domain.ErrAborted):
	case errors.As(err, &limited):
		_ = sess.Send(Frame{Type: outError, MessageID: messageID, Error: limited.Error(), ErrorType: "rate_limited", RetryAfter: limited.RetryAfterSeconds})
	case errors.As(err, &quota):
		_ = sess.Send(Frame{Type: outError, MessageID: messageID, Error: quota.Error(), ErrorType: "quota_exceeded", RetryAfter: quota.RetryAfterSeconds})
	case errors.As(err, &keys):
		_ = sess.Send(Frame{Type: outError, MessageID: messageID, Error: keys.DisplayMessage(lang), ErrorType: "keys_exhausted", RetryAfter: keys.RetryAfterSeconds})
	case errors.As(err, &invalid):
		_ = sess.Send(Frame{Type: outError, MessageID: messageID, Error: invalid.Message})
	case errors.Is(err, domain.ErrNoNodeAvailable):
		_ = sess.Send(Frame{Type: outError, MessageID: messageID, Error: msgNoNode})
	default:
		slog.Error("turn failed", slog.String("session", sess.id), slog.Any("error", err))
		_ = sess.Send(Frame{Type: outError, MessageID: messageID, Error: msgGenericError})
	}
}

// heartbeat pings every session and reaps those that missed the last pong.
// Victims are collected from a snapshot before any registry mutation.
func (h *Handler) heartbeat() {
	h.mu.Lock()
	snapshot := make([]*ConnectedSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	var victims []*ConnectedSession
	for _, s := range snapshot {
		if !s.sweepAlive() {
			victims = append(victims, s)
			continue
		}
		deadline := time.Now().Add(writeTimeout)
		if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		slog.Info("session timed out", slog.String("session", s.id))
		h.closeSession(s)
	}
}

// closeSession removes the session, fires its cancellation handle and closes
// the transport. Idempotent.
func (h *Handler) closeSession(sess *ConnectedSession) {
	if !sess.markClosed() {
		return
	}
	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()

	sess.fireCancel()
	_ = sess.conn.Close()
	observability.SessionsActive.Dec()
	slog.Info("session closed", slog.String("session", sess.id))
}

// Broadcast sends a frame to every open session.
func (h *Handler) Broadcast(f Frame) {
	h.mu.Lock()
	snapshot := make([]*ConnectedSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()
	for _, s := range snapshot {
		if s.isOpen() {
			_ = s.Send(f)
		}
	}
}

// SessionCount reports the number of live sessions.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// historyMessages converts client-replayed history into generation messages.
func historyMessages(entries []historyEntry) []cluster.ChatMessage {
	if len(entries) == 0 {
		return nil
	}
	out := make([]cluster.ChatMessage, 0, len(entries))
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		out = append(out, cluster.ChatMessage{Role: e.Role, Content: e.Content})
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
