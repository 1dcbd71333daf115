package ws

import (
	"github.com/openmake/infergate/internal/cluster"
)

// Inbound frame types. Anything else is silently ignored.
const (
	inRefresh       = "refresh"
	inMCPSettings   = "mcp_settings"
	inRequestAgents = "request_agents"
	inChat          = "chat"
	inAbort         = "abort"
)

// Outbound frame types.
const (
	outInit               = "init"
	outStats              = "stats"
	outUpdate             = "update"
	outMCPSettingsAck     = "mcp_settings_ack"
	outAgents             = "agents"
	outToken              = "token"
	outSessionCreated     = "session_created"
	outAgentSelected      = "agent_selected"
	outDiscussionProgress = "discussion_progress"
	outResearchProgress   = "research_progress"
	outDone               = "done"
	outAborted            = "aborted"
	outError              = "error"
	outClusterEvent       = "cluster_event"
)

// Client error messages. These are user-facing and fixed.
const (
	msgFrameTooLarge  = "메시지가 너무 큽니다"
	msgMalformedFrame = "잘못된 메시지 형식입니다"
	msgNoNode         = "사용 가능한 노드가 없습니다"
	msgGenericError   = "처리 중 오류가 발생했습니다"
)

// inboundFrame is the union of every accepted inbound payload. The dispatch
// set is closed; fields outside the frame's type are ignored.
type inboundFrame struct {
	Type string `json:"type"`

	// chat
	Message          string         `json:"message"`
	SessionID        string         `json:"sessionId"`
	Model            string         `json:"model"`
	NodeID           string         `json:"nodeId"`
	Images           []string       `json:"images"`
	DocID            string         `json:"docId"`
	WebSearchContext string         `json:"webSearchContext"`
	History          []historyEntry `json:"history"`
	Discussion       bool           `json:"discussion"`
	DeepResearch     bool           `json:"deepResearch"`
	Thinking         bool           `json:"thinking"`
	ThinkingLevel    string         `json:"thinkingLevel"`
	Tools            []string       `json:"tools"`

	// mcp_settings: a closed record, not an open bag
	SequentialThinking *bool `json:"sequentialThinking"`
	WebSearch          *bool `json:"webSearch"`
}

// historyEntry is one prior conversation message replayed by the client.
type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Frame is the single outbound shape; unused fields are omitted per type.
type Frame struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId,omitempty"`
	Token      string `json:"token,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Model      string `json:"model,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`

	Name   string          `json:"name,omitempty"`
	Stats  *cluster.Stats  `json:"stats,omitempty"`
	Nodes  []cluster.Node  `json:"nodes,omitempty"`
	Agents []AgentInfo     `json:"agents,omitempty"`
	Event  *cluster.Event  `json:"event,omitempty"`
	MCP    *MCPSettings    `json:"mcp,omitempty"`
}

// AgentInfo advertises one tool to the client. External tools use
// mcp://serverName/originalName, built-ins local://name.
type AgentInfo struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
	External    bool   `json:"external"`
}

// MCPSettings is the per-session feature state toggled by mcp_settings.
type MCPSettings struct {
	SequentialThinking bool `json:"sequentialThinking"`
	WebSearch          bool `json:"webSearch"`
}
