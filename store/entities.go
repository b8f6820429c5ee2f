// Package store is the persistence facade (spec.md §6): a narrow
// transactional interface over the entities of spec.md §3, implemented by
// PostgresStore (pgx-backed) and FakeStore (in-memory, for tests).
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is immutable-id, unique-email.
type User struct {
	ID    string
	Email string
}

// Agent is a user-owned, addressable role with a model alias and a bounded
// tool set. (owner, agent_key) is unique among non-deleted agents.
type Agent struct {
	ID              string
	OwnerID         string
	AgentKey        string
	Name            string
	ModelAlias      string
	RolePrompt      string
	ToolPermissions []string
	DeletedAt       *time.Time
}

// HasTool reports whether the agent is permitted to use the named tool.
func (a *Agent) HasTool(name string) bool {
	for _, t := range a.ToolPermissions {
		if t == name {
			return true
		}
	}
	return false
}

const (
	ModeManual       = "manual"
	ModeTag          = "tag"
	ModeRoundtable   = "roundtable"
	ModeOrchestrator = "orchestrator"
	ModeStandalone   = "standalone"
)

// Room is a container of agents plus a conversational mode.
type Room struct {
	ID          string
	OwnerID     string
	Name        string
	CurrentMode string
	PendingMode *string // queued mode switch; loaded but not read by the turn pipeline, which runs CurrentMode
	Goal        string
	DeletedAt   *time.Time
}

// RoomAgent fixes a total order of agents within a room.
type RoomAgent struct {
	RoomID   string
	AgentID  string
	Position int
}

// RoomAgentView joins RoomAgent with its Agent for ordered iteration.
type RoomAgentView struct {
	RoomAgent
	Agent Agent
}

// Session is scoped either to a room or to a standalone agent, never both.
type Session struct {
	ID        string
	RoomID    *string
	AgentID   *string // set only for standalone sessions
	StartedBy string
	DeletedAt *time.Time
}

// IsStandalone reports whether the session is bound to a single agent
// rather than a room.
func (s *Session) IsStandalone() bool { return s.AgentID != nil }

const (
	TurnStatusCompleted = "completed"
	TurnStatusPartial   = "partial"
	TurnStatusFailed    = "failed"
)

// Turn is one user input with the resulting assistant output(s).
type Turn struct {
	ID              string
	SessionID       string
	TurnIndex       int
	Mode            string
	UserInput       string
	AssistantOutput string
	Status          string
	ModelAliasUsed  string
	CreatedAt       time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	VisibilityShared  = "shared"
	VisibilityPrivate = "private"
)

// Message is one entry in session history.
type Message struct {
	ID             string
	SessionID      string
	TurnID         *string
	Role           string
	Visibility     string
	AgentKey       *string // the agent this private message belongs to
	SourceAgentKey *string // which agent authored an assistant message
	ToolCallID     string  // set for role=tool messages
	Content        string
	CreatedAt      time.Time
}

// SessionSummary covers a contiguous prefix range of shared history.
type SessionSummary struct {
	ID              string
	SessionID       string
	FromMessageID   string
	ToMessageID     string
	SummaryText     string
	KeyFacts        []string
	Decisions       []string
	OpenQuestions   []string
	ActionItems     []string
	UsedFallback    bool
	CreatedAt       time.Time
}

// TurnContextAudit is the one-per-turn budget audit trail.
type TurnContextAudit struct {
	ID                  string
	TurnID              string
	ModelContextLimit   int
	InputBudget         int
	EstimatedBefore     int
	EstimatedAfterSummary int
	EstimatedAfterPrune  int
	SummaryTriggered    bool
	PruneTriggered      bool
	OverflowRejected    bool
	OutputReserve       int
	OverheadReserve     int
}

const (
	CallStatusSuccess = "success"
	CallStatusError   = "error"
)

// LlmCallEvent is an append-only row, one per metered LLM call made during a
// turn: every agent call, plus the orchestrator manager's synthesis call
// (AgentID == nil). The manager's routing and round-evaluation calls are not
// recorded.
type LlmCallEvent struct {
	ID             string
	UserID         string
	RoomID         *string
	SessionID      *string
	TurnID         *string
	AgentID        *string
	Provider       string
	ModelAlias     string
	ProviderModel  string
	Fresh          int
	Cached         int
	Output         int
	Total          int
	OETokens       decimal.Decimal
	CreditsBurned  decimal.Decimal
	PricingVersion string
	Status         string
	CreatedAt      time.Time
}

// ToolCallEvent is an append-only row, one per tool invocation.
type ToolCallEvent struct {
	ID             string
	UserID         string
	RoomID         *string
	SessionID      string
	TurnID         string
	AgentKey       *string
	ToolName       string
	ToolInputJSON  string
	ToolOutputJSON string
	Status         string
	LatencyMs      int64
	CreditsCharged decimal.Decimal
	CreatedAt      time.Time
}

// PricingVersion is an immutable snapshot of alias->multiplier. Exactly one
// version is active at a time.
type PricingVersion struct {
	Version       string
	Label         string
	EffectiveDate time.Time
	IsActive      bool
}

// ModelPricing is one (version, model_alias) -> multiplier row.
type ModelPricing struct {
	Version    string
	ModelAlias string
	Multiplier float64
}

const (
	FileParsePending   = "pending"
	FileParseCompleted = "completed"
	FileParseFailed    = "failed"
)

// UploadedFile backs the file_read tool. Scoped to either a room or a
// standalone session (spec.md §4.5 — extends original_source's room-only
// file_tool.py snapshot with standalone-session scoping).
type UploadedFile struct {
	ID           string
	RoomID       *string
	SessionID    *string
	ParseStatus  string
	ParsedText   *string
	ErrorMessage *string
}
