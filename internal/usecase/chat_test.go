package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/tools"
)

// stubGenerator streams scripted tokens.
type stubGenerator struct {
	nodeID   string
	model    string
	tokens   []string
	err      error
	captured *cluster.GenerateRequest
}

func (g *stubGenerator) NodeID() string { return g.nodeID }
func (g *stubGenerator) Model() string  { return g.model }

func (g *stubGenerator) Generate(ctx context.Context, req cluster.GenerateRequest, onToken cluster.TokenFunc) (string, error) {
	if g.captured != nil {
		*g.captured = req
	}
	if g.err != nil {
		return "", g.err
	}
	var out string
	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return out, err
		}
		out += tok
	}
	return out, nil
}

type stubNodes struct {
	best *cluster.Node
	gen  *stubGenerator
}

func (s *stubNodes) GetBestNode(string) *cluster.Node { return s.best }

func (s *stubNodes) ScopedClient(nodeID, model string) (ScopedGenerator, bool) {
	if s.gen == nil {
		return nil, false
	}
	g := *s.gen
	g.nodeID = nodeID
	if model != "" && model != "default" {
		g.model = model
	}
	return &g, true
}

type stubLimiter struct{ err error }

func (s *stubLimiter) Check(context.Context, string, domain.Role, domain.Tier) error { return s.err }

// stubRepo records persistence calls.
type stubRepo struct {
	mu        sync.Mutex
	sessions  []domain.Session
	messages  []domain.Message
	history   []domain.Message
	createErr error
	getErr    error
	nextID    string
}

func (r *stubRepo) CreateSession(_ context.Context, userID *int64, title, parent, anon string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return domain.Session{}, r.createErr
	}
	id := r.nextID
	if id == "" {
		id = "sess-0123456789"
	}
	sess := domain.Session{ID: id, UserID: userID, Title: title, AnonSessionID: anon}
	r.sessions = append(r.sessions, sess)
	return sess, nil
}

func (r *stubRepo) AddMessage(_ context.Context, sessionID, role, content string, meta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, domain.Message{SessionID: sessionID, Role: role, Content: content, Meta: meta})
	return nil
}

func (r *stubRepo) GetMessages(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	out := append([]domain.Message(nil), r.history...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stubTools scripts the tool surface visible to the pipeline.
type stubTools struct {
	visible []tools.Tool
	execRes domain.ToolResult

	mu       sync.Mutex
	execName string
	execArgs map[string]any
	execUC   domain.UserContext
}

func (s *stubTools) ListForTier(domain.Tier) []tools.Tool { return s.visible }

func (s *stubTools) Execute(_ context.Context, name string, args map[string]any, uc domain.UserContext) domain.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execName, s.execArgs, s.execUC = name, args, uc
	return s.execRes
}

func proUser() domain.UserContext {
	uid := int64(42)
	return domain.UserContext{Principal: domain.Principal{UserID: &uid, Role: domain.RoleUser, Tier: domain.TierPro}}
}

func newPipeline(nodes *stubNodes, limiter *stubLimiter, repo *stubRepo) *ChatPipeline {
	return NewChatPipeline(nodes, limiter, repo)
}

func TestProcess_HappyPath(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{}
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1", Status: cluster.StatusOnline},
		gen:  &stubGenerator{model: "llama3.1", tokens: []string{"He", "llo"}},
	}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	var created string
	var streamed []string
	res, err := p.Process(context.Background(), ChatTurn{Message: "Hi"}, proUser(), TurnCallbacks{
		SessionCreated: func(id string) { created = id },
		Token:          func(tok string) error { streamed = append(streamed, tok); return nil },
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(created), 10)
	assert.Equal(t, created, res.SessionID)
	assert.Equal(t, []string{"He", "llo"}, streamed)
	assert.Equal(t, "Hello", res.Response)

	require.Len(t, repo.messages, 2, "user then assistant message persisted")
	assert.Equal(t, domain.RoleMsgUser, repo.messages[0].Role)
	assert.Equal(t, "Hi", repo.messages[0].Content)
	assert.Equal(t, domain.RoleMsgAssistant, repo.messages[1].Role)
	assert.Equal(t, "Hello", repo.messages[1].Content)
}

func TestProcess_EmptyMessage(t *testing.T) {
	t.Parallel()
	p := newPipeline(&stubNodes{}, &stubLimiter{}, &stubRepo{})
	_, err := p.Process(context.Background(), ChatTurn{}, proUser(), TurnCallbacks{})
	var invalid *domain.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "메시지가 필요합니다", invalid.Message)
}

func TestProcess_RateLimited(t *testing.T) {
	t.Parallel()
	limited := &domain.RateLimitedError{Limit: 100, RetryAfterSeconds: 1200}
	p := newPipeline(&stubNodes{}, &stubLimiter{err: limited}, &stubRepo{})

	_, err := p.Process(context.Background(), ChatTurn{Message: "x"}, proUser(), TurnCallbacks{})
	var rl *domain.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "일일 채팅 제한 초과 (100회/일)", rl.Error())
}

func TestProcess_NoNodeAvailable(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{}
	p := newPipeline(&stubNodes{}, &stubLimiter{}, repo)

	_, err := p.Process(context.Background(), ChatTurn{Message: "Hello"}, proUser(), TurnCallbacks{})
	assert.ErrorIs(t, err, domain.ErrNoNodeAvailable)
	assert.Empty(t, repo.messages, "nothing persisted without a node")
}

func TestProcess_AbortMidStream(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{}
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "llama3.1", tokens: []string{"a", "b", "c"}},
	}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	ctx, cancel := context.WithCancel(context.Background())
	var streamed int
	_, err := p.Process(ctx, ChatTurn{Message: "Hi"}, proUser(), TurnCallbacks{
		Token: func(string) error {
			streamed++
			cancel()
			return nil
		},
	})
	assert.ErrorIs(t, err, domain.ErrAborted)
	assert.Equal(t, 1, streamed, "no tokens after the abort")
	require.Len(t, repo.messages, 1, "assistant message never persisted on abort")
}

func TestProcess_QuotaExceededPassesThrough(t *testing.T) {
	t.Parallel()
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", err: domain.NewQuotaExceededError(domain.QuotaScopeHourly, 150, 150)},
	}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{})

	_, err := p.Process(context.Background(), ChatTurn{Message: "x"}, proUser(), TurnCallbacks{})
	var quota *domain.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 3600, quota.RetryAfterSeconds)
}

func TestProcess_UpstreamFailureIsWrapped(t *testing.T) {
	t.Parallel()
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", err: errors.New("connection refused")},
	}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{})

	_, err := p.Process(context.Background(), ChatTurn{Message: "x"}, proUser(), TurnCallbacks{})
	var upstream *domain.UpstreamError
	require.ErrorAs(t, err, &upstream)
}

func TestProcess_SessionReuse(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{}
	nodes := &stubNodes{best: &cluster.Node{ID: "n:1"}, gen: &stubGenerator{model: "m", tokens: []string{"ok"}}}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	res, err := p.Process(context.Background(), ChatTurn{SessionID: "sess-reuse-me", Message: "hi"}, proUser(), TurnCallbacks{
		SessionCreated: func(string) { t.Fatal("existing session must be reused") },
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-reuse-me", res.SessionID)
	assert.Empty(t, repo.sessions)
}

func TestProcess_ShortSessionIDCreatesNew(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{}
	nodes := &stubNodes{best: &cluster.Node{ID: "n:1"}, gen: &stubGenerator{model: "m", tokens: []string{"ok"}}}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	res, err := p.Process(context.Background(), ChatTurn{SessionID: "n:1", Message: "hi"}, proUser(), TurnCallbacks{})
	require.NoError(t, err)
	assert.NotEqual(t, "n:1", res.SessionID, "short ids are node identifiers, not sessions")
	require.Len(t, repo.sessions, 1)
}

func TestProcess_TitleTruncation(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{}
	nodes := &stubNodes{best: &cluster.Node{ID: "n:1"}, gen: &stubGenerator{model: "m", tokens: []string{"ok"}}}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	long := "안녕하세요 오늘 날씨가 어떤지 궁금해서 여쭤봅니다 자세히 알려주세요"
	_, err := p.Process(context.Background(), ChatTurn{Message: long}, proUser(), TurnCallbacks{})
	require.NoError(t, err)
	require.Len(t, repo.sessions, 1)
	title := []rune(repo.sessions[0].Title)
	assert.Len(t, title, 30, "titles cut at 30 runes, never mid-rune")
	assert.Equal(t, []rune(long)[:30], title)
}

func TestProcess_PinnedNodeBypassesSelection(t *testing.T) {
	t.Parallel()
	nodes := &stubNodes{gen: &stubGenerator{model: "m", tokens: []string{"ok"}}}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{})

	var selectedNode string
	res, err := p.Process(context.Background(), ChatTurn{Message: "hi", NodeID: "pinned:9"}, proUser(), TurnCallbacks{
		AgentSelected: func(_, nodeID string) { selectedNode = nodeID },
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned:9", res.NodeID)
	assert.Equal(t, "pinned:9", selectedNode)
}

func TestProcess_HistoryReachesGeneration(t *testing.T) {
	t.Parallel()
	var got cluster.GenerateRequest
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", tokens: []string{"ok"}, captured: &got},
	}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{})

	history := []cluster.ChatMessage{
		{Role: domain.RoleMsgUser, Content: "what is Go"},
		{Role: domain.RoleMsgAssistant, Content: "a programming language"},
	}
	_, err := p.Process(context.Background(), ChatTurn{
		SessionID: "sess-0123456789",
		Message:   "who made it",
		History:   history,
	}, proUser(), TurnCallbacks{})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3, "prior turns precede the new message")
	assert.Equal(t, history[0], got.Messages[0])
	assert.Equal(t, history[1], got.Messages[1])
	assert.Equal(t, "who made it", got.Messages[2].Content)
}

func TestProcess_SessionReuseLoadsStoredHistory(t *testing.T) {
	t.Parallel()
	var got cluster.GenerateRequest
	repo := &stubRepo{history: []domain.Message{
		{Role: domain.RoleMsgUser, Content: "first question"},
		{Role: domain.RoleMsgAssistant, Content: "first answer"},
		{Role: "system", Content: "internal note"},
	}}
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", tokens: []string{"ok"}, captured: &got},
	}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	_, err := p.Process(context.Background(), ChatTurn{SessionID: "sess-0123456789", Message: "next"}, proUser(), TurnCallbacks{})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3, "stored user/assistant turns replayed, system rows skipped")
	assert.Equal(t, "first question", got.Messages[0].Content)
	assert.Equal(t, "first answer", got.Messages[1].Content)
	assert.Equal(t, "next", got.Messages[2].Content)
}

func TestProcess_HistoryLoadFailureDegrades(t *testing.T) {
	t.Parallel()
	var got cluster.GenerateRequest
	repo := &stubRepo{getErr: errors.New("db down")}
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", tokens: []string{"ok"}, captured: &got},
	}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	_, err := p.Process(context.Background(), ChatTurn{SessionID: "sess-0123456789", Message: "hi"}, proUser(), TurnCallbacks{})
	require.NoError(t, err, "the turn proceeds without context")
	require.Len(t, got.Messages, 2, "user message only, no history")
}

func TestProcess_ToolsFilteredByTier(t *testing.T) {
	t.Parallel()
	var got cluster.GenerateRequest
	repo := &stubRepo{}
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", tokens: []string{"ok"}, captured: &got},
	}
	runner := &stubTools{visible: []tools.Tool{{Name: "calculator"}, {Name: "read_file"}}}
	p := newPipeline(nodes, &stubLimiter{}, repo).WithTools(runner)

	_, err := p.Process(context.Background(), ChatTurn{
		Message:      "hi",
		EnabledTools: []string{"calculator", "execute_command"},
	}, proUser(), TurnCallbacks{})
	require.NoError(t, err)

	require.NotNil(t, got.Options)
	assert.Equal(t, []string{"calculator"}, got.Options["tools"], "tools outside the tier are dropped")
	require.GreaterOrEqual(t, len(repo.messages), 1)
	assert.Equal(t, []string{"calculator"}, repo.messages[0].Meta["tools"])
}

func TestProcess_WebSearchToolRuns(t *testing.T) {
	t.Parallel()
	var got cluster.GenerateRequest
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", tokens: []string{"ok"}, captured: &got},
	}
	runner := &stubTools{
		visible: []tools.Tool{{Name: "web_search"}},
		execRes: domain.TextResult("golang.org: Go is an open source language"),
	}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{}).WithTools(runner)

	uc := proUser()
	_, err := p.Process(context.Background(), ChatTurn{
		Message:      "what is Go",
		EnabledTools: []string{"web_search"},
	}, uc, TurnCallbacks{})
	require.NoError(t, err)

	assert.Equal(t, "web_search", runner.execName)
	assert.Equal(t, "what is Go", runner.execArgs["query"])
	assert.Equal(t, uc.Principal.Tier, runner.execUC.Principal.Tier, "the caller's context reaches the tool")
	require.GreaterOrEqual(t, len(got.Messages), 2)
	assert.Equal(t, domain.RoleMsgSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Web search context:")
	assert.Contains(t, got.Messages[0].Content, "golang.org")
}

func TestProcess_DocIDReachesGeneration(t *testing.T) {
	t.Parallel()
	var got cluster.GenerateRequest
	nodes := &stubNodes{
		best: &cluster.Node{ID: "n:1"},
		gen:  &stubGenerator{model: "m", tokens: []string{"ok"}, captured: &got},
	}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{})

	_, err := p.Process(context.Background(), ChatTurn{Message: "summarize", DocID: "doc-7"}, proUser(), TurnCallbacks{})
	require.NoError(t, err)
	require.NotNil(t, got.Options)
	assert.Equal(t, "doc-7", got.Options["doc_id"])
}

func TestProcess_SessionCreateFailureIsUpstream(t *testing.T) {
	t.Parallel()
	repo := &stubRepo{createErr: errors.New("insert failed")}
	nodes := &stubNodes{best: &cluster.Node{ID: "n:1"}, gen: &stubGenerator{model: "m", tokens: []string{"ok"}}}
	p := newPipeline(nodes, &stubLimiter{}, repo)

	_, err := p.Process(context.Background(), ChatTurn{Message: "hi"}, proUser(), TurnCallbacks{})
	var upstream *domain.UpstreamError
	require.ErrorAs(t, err, &upstream, "storage failures are upstream, not invalid requests")
	var invalid *domain.InvalidRequestError
	assert.False(t, errors.As(err, &invalid))
}

type captureSink struct {
	mu  sync.Mutex
	evs []domain.UsageEvent
}

func (c *captureSink) Publish(_ context.Context, ev domain.UsageEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(s) }

func TestProcess_UsageEvent(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	nodes := &stubNodes{best: &cluster.Node{ID: "n:1"}, gen: &stubGenerator{model: "m", tokens: []string{"abc"}}}
	p := newPipeline(nodes, &stubLimiter{}, &stubRepo{}).WithUsage(sink, wordCounter{})

	_, err := p.Process(context.Background(), ChatTurn{Message: "hi"}, proUser(), TurnCallbacks{})
	require.NoError(t, err)
	require.Len(t, sink.evs, 1)
	assert.Equal(t, "42", sink.evs[0].PrincipalKey)
	assert.Equal(t, 2, sink.evs[0].PromptTokens)
	assert.Equal(t, 3, sink.evs[0].CompletionTokens)
}
