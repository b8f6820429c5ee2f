package turn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pantheon-labs/pantheon-core/agentinvoke"
	gwcontext "github.com/pantheon-labs/pantheon-core/context"
	"github.com/pantheon-labs/pantheon-core/gwcore"
	"github.com/pantheon-labs/pantheon-core/pricing"
	"github.com/pantheon-labs/pantheon-core/routingmgr"
	"github.com/pantheon-labs/pantheon-core/store"
	"github.com/pantheon-labs/pantheon-core/summary"
	"github.com/pantheon-labs/pantheon-core/toolset"
	"github.com/pantheon-labs/pantheon-core/usage"
	"github.com/pantheon-labs/pantheon-core/wallet"
)

type fakeGateway struct {
	text string
	err  error
}

func (f *fakeGateway) ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gwcore.GatewayResponse{
		Text:          f.text,
		ProviderModel: "fake-model-v1",
		Usage:         gwcore.Usage{Fresh: 10, Output: 5, Total: 15},
	}, nil
}

func (f *fakeGateway) ChatCompletionStream(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.StreamHandle, error) {
	deltas := make(chan gwcore.StreamDelta, 1)
	deltas <- gwcore.StreamDelta{Text: f.text}
	close(deltas)
	u := gwcore.NewOneShot[gwcore.Usage]()
	u.Resolve(gwcore.Usage{Fresh: 10, Output: 5, Total: 15})
	m := gwcore.NewOneShot[string]()
	m.Resolve("fake-model-v1")
	return &gwcore.StreamHandle{Deltas: deltas, Usage: u, ProviderModel: m}, nil
}

func defaultTestConfig() Config {
	return Config{
		ModelContextLimit:   8192,
		MaxOutputTokens:     512,
		SummaryTriggerRatio: 0.7,
		PruneTriggerRatio:   0.9,
		RecentTurnsToKeep:   4,
		SummaryModelAlias:   "summary-fast",
		Orchestrator: OrchestratorConfig{
			ManagerModelAlias:        "manager-fast",
			MaxDepth:                 3,
			MaxSpecialistInvocations: 6,
		},
		LowBalanceThreshold: decimal.NewFromInt(5),
	}
}

// gateway is the narrow agentinvoke.Gateway + routingmgr.Gateway surface
// every test double below satisfies, so newCoordinatorWithConfig can accept
// either a fakeGateway or a scriptedGateway.
type gateway interface {
	ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error)
	ChatCompletionStream(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.StreamHandle, error)
}

func newCoordinatorWithConfig(t *testing.T, fs *store.FakeStore, gw gateway, search toolset.SearchProvider, cfg Config) *Coordinator {
	t.Helper()
	pricingCache, err := pricing.NewCache(fs)
	if err != nil {
		t.Fatalf("pricing cache: %v", err)
	}
	planner := gwcontext.NewPlanner(cfg.MaxOutputTokens, cfg.SummaryTriggerRatio, cfg.PruneTriggerRatio, cfg.MandatorySummaryTurn, cfg.RecentTurnsToKeep)
	pipeline := summary.NewPipeline(gw)
	routingMgr := routingmgr.NewManager(gw)
	return NewCoordinator(fs, wallet.NewLedger(), usage.NewMeter(), pricingCache, planner, pipeline, routingMgr, gw, search, cfg)
}

func newCoordinator(t *testing.T, fs *store.FakeStore, gw *fakeGateway) *Coordinator {
	t.Helper()
	return newCoordinatorWithConfig(t, fs, gw, nil, defaultTestConfig())
}

// scriptedGateway returns its canned responses in order, one per
// ChatCompletion call, for tests that need the model to behave differently
// across a multi-round-trip loop (e.g. a tool call followed by a final
// answer).
type scriptedGateway struct {
	responses []gwcore.GatewayResponse
	calls     int
}

func (s *scriptedGateway) ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error) {
	if s.calls >= len(s.responses) {
		return nil, errBoom{}
	}
	resp := s.responses[s.calls]
	s.calls++
	return &resp, nil
}

func (s *scriptedGateway) ChatCompletionStream(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.StreamHandle, error) {
	return nil, errBoom{}
}

// fakeSearch is a canned toolset.SearchProvider for exercising the tool
// dispatch loop without a real search backend.
type fakeSearch struct {
	results []toolset.SearchResult
}

func (f *fakeSearch) Search(ctx context.Context, query string, maxResults int) ([]toolset.SearchResult, error) {
	return f.results, nil
}

func TestExecuteStandaloneSingleAgentHappyPath(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "You write things."})
	fs.PutSession(&store.Session{ID: "session-1", AgentID: strPtr("agent-1"), StartedBy: "user-1"})

	gw := &fakeGateway{text: "hello there"}
	coord := newCoordinator(t, fs, gw)

	result, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-1", UserInput: "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}
	if result.AssistantOutput != "hello there" {
		t.Fatalf("assistant_output = %q", result.AssistantOutput)
	}
	if result.ModelAliasUsed != "writer-alias" {
		t.Fatalf("model_alias_used = %q", result.ModelAliasUsed)
	}
	if result.TurnIndex != 1 {
		t.Fatalf("turn_index = %d, want 1", result.TurnIndex)
	}
	if result.BalanceAfter == nil {
		t.Fatalf("expected balance_after to be set")
	}

	msgs := fs.Messages("session-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (user+assistant), got %d", len(msgs))
	}
	if len(fs.LlmEvents()) != 1 {
		t.Fatalf("expected 1 llm call event")
	}
	if len(fs.Transactions()) != 1 {
		t.Fatalf("expected 1 wallet debit transaction")
	}
}

func TestExecuteRoomRoundtableJoinsEveryAgent(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutRoom(&store.Room{ID: "room-1", OwnerID: "user-1", Name: "Team", CurrentMode: store.ModeRoundtable, Goal: "ship it"})
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	fs.PutAgent(&store.Agent{ID: "agent-2", OwnerID: "user-1", AgentKey: "critic", Name: "Critic", ModelAlias: "critic-alias", RolePrompt: "critique"})
	fs.AddRoomAgent("room-1", "agent-1", 0)
	fs.AddRoomAgent("room-1", "agent-2", 1)
	fs.PutSession(&store.Session{ID: "session-2", RoomID: strPtr("room-1"), StartedBy: "user-1"})

	gw := &fakeGateway{text: "response text"}
	coord := newCoordinator(t, fs, gw)

	result, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-2", UserInput: "let's discuss"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ModelAliasUsed != "roundtable" {
		t.Fatalf("model_alias_used = %q, want roundtable", result.ModelAliasUsed)
	}
	if result.AssistantOutput == "" {
		t.Fatalf("expected non-empty assistant_output")
	}

	msgs := fs.Messages("session-2")
	// 1 user message + 2 assistant messages (one per agent)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}

func TestExecuteRejectsDeletedSession(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	now := time.Now()
	fs.PutSession(&store.Session{ID: "session-3", AgentID: strPtr("agent-1"), StartedBy: "user-1", DeletedAt: &now})

	gw := &fakeGateway{text: "unused"}
	coord := newCoordinator(t, fs, gw)

	_, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-3", UserInput: "hi"})
	if err != store.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExecuteGatewayErrorYieldsFailedStatus(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	fs.PutSession(&store.Session{ID: "session-4", AgentID: strPtr("agent-1"), StartedBy: "user-1"})

	gw := &fakeGateway{err: errBoom{}}
	coord := newCoordinator(t, fs, gw)

	result, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-4", UserInput: "hi"})
	if err != nil {
		t.Fatalf("Execute should not error at the coordinator level: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
}

func TestExecuteManualTagModeRequiresValidTag(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutRoom(&store.Room{ID: "room-2", OwnerID: "user-1", Name: "Team", CurrentMode: store.ModeTag})
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	fs.AddRoomAgent("room-2", "agent-1", 0)
	fs.PutSession(&store.Session{ID: "session-5", RoomID: strPtr("room-2"), StartedBy: "user-1"})

	gw := &fakeGateway{text: "hi"}
	coord := newCoordinator(t, fs, gw)

	_, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-5", UserInput: "no tag here"})
	if err != ErrNoValidTaggedAgents {
		t.Fatalf("err = %v, want ErrNoValidTaggedAgents", err)
	}
}

// TestExecuteOrchestratorAllMetersManagerSynthesis covers scenario S4: an
// "all "-prefixed request fans out to every room agent in one round, and the
// manager's synthesis call must be metered as its own LlmCallEvent with
// agent_id=null (spec.md §4.10, §3 LlmCallEvent, §8 S4).
func TestExecuteOrchestratorAllMetersManagerSynthesis(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutRoom(&store.Room{ID: "room-3", OwnerID: "user-1", Name: "Team", CurrentMode: store.ModeOrchestrator, Goal: "ship it"})
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	fs.PutAgent(&store.Agent{ID: "agent-2", OwnerID: "user-1", AgentKey: "critic", Name: "Critic", ModelAlias: "critic-alias", RolePrompt: "critique"})
	fs.PutAgent(&store.Agent{ID: "agent-3", OwnerID: "user-1", AgentKey: "editor", Name: "Editor", ModelAlias: "editor-alias", RolePrompt: "edit"})
	fs.AddRoomAgent("room-3", "agent-1", 0)
	fs.AddRoomAgent("room-3", "agent-2", 1)
	fs.AddRoomAgent("room-3", "agent-3", 2)
	fs.PutSession(&store.Session{ID: "session-6", RoomID: strPtr("room-3"), StartedBy: "user-1"})

	gw := &fakeGateway{text: "specialist output"}
	coord := newCoordinator(t, fs, gw)

	result, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-6", UserInput: "get input from all of you"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}

	events := fs.LlmEvents()
	if len(events) != 4 {
		t.Fatalf("expected 4 LlmCallEvents (3 specialists + 1 manager synthesis), got %d", len(events))
	}
	managerEvents := 0
	for _, e := range events {
		if e.AgentID == nil {
			managerEvents++
		}
	}
	if managerEvents != 1 {
		t.Fatalf("expected exactly 1 LlmCallEvent with agent_id=null (manager synthesis), got %d", managerEvents)
	}
}

// TestExecuteRejectsOverflowingInput covers scenario S5: a user input that
// cannot fit even after summarization/pruning is rejected with a
// BudgetExceededError rather than persisted (spec.md §7, §8 S5).
func TestExecuteRejectsOverflowingInput(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	fs.PutSession(&store.Session{ID: "session-7", AgentID: strPtr("agent-1"), StartedBy: "user-1"})

	gw := &fakeGateway{text: "unused"}
	cfg := defaultTestConfig()
	cfg.ModelContextLimit = 2048
	cfg.MaxOutputTokens = 256
	coord := newCoordinatorWithConfig(t, fs, gw, nil, cfg)

	hugeInput := strings.Repeat("x", 6000)
	_, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-7", UserInput: hugeInput})
	var budgetErr *gwcontext.BudgetExceededError
	if !errAsBudgetExceeded(err, &budgetErr) {
		t.Fatalf("err = %v, want *gwcontext.BudgetExceededError", err)
	}

	if len(fs.Turns("session-7")) != 0 {
		t.Fatalf("expected no turn persisted on overflow rejection")
	}
}

func errAsBudgetExceeded(err error, target **gwcontext.BudgetExceededError) bool {
	be, ok := err.(*gwcontext.BudgetExceededError)
	if ok {
		*target = be
	}
	return ok
}

// TestExecuteTriggersSummaryAtMandatoryTurnCount covers scenario S6: once
// turn_count_since_last_summary reaches the mandatory threshold, the next
// turn folds the oldest history into a SessionSummary (spec.md §4.6, §8 S6).
func TestExecuteTriggersSummaryAtMandatoryTurnCount(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "writer", Name: "Writer", ModelAlias: "writer-alias", RolePrompt: "write"})
	fs.PutSession(&store.Session{ID: "session-8", AgentID: strPtr("agent-1"), StartedBy: "user-1"})

	gw := &fakeGateway{text: "ok"}
	cfg := defaultTestConfig()
	cfg.MandatorySummaryTurn = 2
	cfg.RecentTurnsToKeep = 1
	coord := newCoordinatorWithConfig(t, fs, gw, nil, cfg)

	var last *TurnResult
	for i := 0; i < 3; i++ {
		result, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-8", UserInput: "turn message"})
		if err != nil {
			t.Fatalf("Execute (turn %d): %v", i+1, err)
		}
		last = result
	}

	if !last.SummaryTriggered {
		t.Fatalf("expected the third turn to trigger summarization once turn_count_since_last_summary reached the mandatory threshold")
	}
}

// TestExecuteDrivesToolCallLoop covers scenario S7: the model requests a
// tool, the registry dispatches it and reports telemetry, and the follow-up
// gateway round-trip produces the final answer (spec.md §4.5, §8 S7).
func TestExecuteDrivesToolCallLoop(t *testing.T) {
	fs := store.NewFakeStore()
	fs.PutAgent(&store.Agent{ID: "agent-1", OwnerID: "user-1", AgentKey: "researcher", Name: "Researcher", ModelAlias: "researcher-alias", RolePrompt: "research", ToolPermissions: []string{"search"}})
	fs.PutSession(&store.Session{ID: "session-9", AgentID: strPtr("agent-1"), StartedBy: "user-1"})

	gw := &scriptedGateway{responses: []gwcore.GatewayResponse{
		{
			Text:          "",
			ProviderModel: "fake-model-v1",
			ToolCalls:     []gwcore.ToolCall{{ID: "tc1", Name: "search", ArgsJSON: `{"query":"pantheon"}`}},
			Usage:         gwcore.Usage{Fresh: 8, Output: 2, Total: 10},
		},
		{
			Text:          "here is what I found",
			ProviderModel: "fake-model-v1",
			Usage:         gwcore.Usage{Fresh: 12, Output: 6, Total: 18},
		},
	}}
	search := &fakeSearch{results: []toolset.SearchResult{{Title: "Pantheon", URL: "https://example.com", Snippet: "..."}}}
	coord := newCoordinatorWithConfig(t, fs, gw, search, defaultTestConfig())

	result, err := coord.Execute(context.Background(), ExecuteInput{UserID: "user-1", SessionID: "session-9", UserInput: "look this up"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}
	if result.AssistantOutput != "here is what I found" {
		t.Fatalf("assistant_output = %q", result.AssistantOutput)
	}

	toolEvents := fs.ToolEvents()
	if len(toolEvents) != 1 {
		t.Fatalf("expected 1 ToolCallEvent, got %d", len(toolEvents))
	}
	if toolEvents[0].ToolName != "search" || toolEvents[0].Status != toolset.StatusSuccess {
		t.Fatalf("unexpected tool event: %+v", toolEvents[0])
	}

	llmEvents := fs.LlmEvents()
	if len(llmEvents) != 2 {
		t.Fatalf("expected 2 LlmCallEvents (tool round + final round), got %d", len(llmEvents))
	}
}

func strPtr(s string) *string { return &s }

type errBoom struct{}

func (errBoom) Error() string { return "gateway unavailable" }
