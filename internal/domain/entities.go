package domain

import (
	"context"
	"strconv"
	"time"
)

// Role is the coarse authorization class derived from the auth token.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Tier is the tool-access class, independent from Role.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Principal is the identity used for quota and tool-access decisions.
// UserID is nil for anonymous sessions.
type Principal struct {
	UserID *int64
	Role   Role
	Tier   Tier
}

// Guest is the principal assigned to unauthenticated sessions.
func Guest() Principal { return Principal{Role: RoleGuest, Tier: TierFree} }

// Key returns the rate-limit key for this principal: the authenticated user
// id, or the supplied anonymous session id, or the constant "guest".
func (p Principal) Key(anonSessionID string) string {
	if p.UserID != nil {
		return fmt64(*p.UserID)
	}
	if anonSessionID != "" {
		return anonSessionID
	}
	return "guest"
}

func fmt64(v int64) string { return strconv.FormatInt(v, 10) }

// Message roles
const (
	RoleMsgUser      = "user"
	RoleMsgAssistant = "assistant"
	RoleMsgSystem    = "system"
	RoleMsgTool      = "tool"
)

// Session is a persisted conversation.
type Session struct {
	ID              string
	UserID          *int64
	Title           string
	ParentSessionID string
	AnonSessionID   string
	CreatedAt       time.Time
}

// Message is one persisted conversation turn.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Meta      map[string]any
	CreatedAt time.Time
}

// ToolContent is one chunk of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the normalized shape every tool invocation returns. Unknown
// tools and handler failures come back as IsError results, never as panics.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult builds a single-chunk text result.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult builds an error-typed result with the given message.
func ErrorResult(msg string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: msg}}, IsError: true}
}

// UserContext travels with built-in tool invocations.
type UserContext struct {
	Principal     Principal
	AnonSessionID string
	Language      string
}

// AuthClaims is the verified content of a bearer token.
type AuthClaims struct {
	UserID int64
	Role   Role
	Tier   Tier
}

// Ports

// SessionRepository persists conversations. Failures on the message-append
// path are best effort: callers log and continue.
type SessionRepository interface {
	CreateSession(ctx context.Context, userID *int64, title, parentSessionID, anonSessionID string) (Session, error)
	AddMessage(ctx context.Context, sessionID, role, content string, meta map[string]any) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// TokenVerifier resolves a bearer token to claims; nil claims with nil error
// never happens, unresolvable tokens return an error.
type TokenVerifier interface {
	Verify(token string) (*AuthClaims, error)
}

// UserDirectory enriches verified claims with directory data (tier upgrades,
// suspensions). Implementations may be backed by Postgres or a remote service.
type UserDirectory interface {
	Lookup(ctx context.Context, userID int64) (Principal, error)
}

// UsageEvent is the per-turn accounting record published after generation.
type UsageEvent struct {
	PrincipalKey     string    `json:"principal_key"`
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model"`
	NodeID           string    `json:"node_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	At               time.Time `json:"at"`
}

// UsageSink receives usage events; publishing is fire-and-forget.
type UsageSink interface {
	Publish(ctx context.Context, ev UsageEvent) error
}
