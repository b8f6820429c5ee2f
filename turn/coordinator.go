package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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

// Config bundles the tunable ratios and aliases a Coordinator needs,
// grounded on original_source's settings.orchestrator_*/context_* fields.
type Config struct {
	ModelContextLimit     int
	MaxOutputTokens       int
	SummaryTriggerRatio   float64
	PruneTriggerRatio     float64
	MandatorySummaryTurn  int
	RecentTurnsToKeep     int
	AgentPrivateTurnsKeep int
	SummaryModelAlias     string
	Orchestrator          OrchestratorConfig
	LowBalanceThreshold   decimal.Decimal
	PricingVersionLabel   string
}

// Coordinator is the TurnCoordinator: the end-to-end control flow for one
// turn, from fetching the session through committing every side effect in
// a single transaction. Grounded on original_source
// api/v1/routes/sessions.py::create_turn.
type Coordinator struct {
	store      store.Store
	wallet     *wallet.Ledger
	meter      *usage.Meter
	pricing    *pricing.Cache
	planner    *gwcontext.Planner
	summarizer *summary.Pipeline
	routingMgr *routingmgr.Manager
	gateway    agentinvoke.Gateway
	search     toolset.SearchProvider
	cfg        Config
}

// NewCoordinator wires a Coordinator from its constructed dependencies.
// search may be nil (file_read still works; search tool calls report an
// error outcome through the usual tool-telemetry path).
func NewCoordinator(s store.Store, ledger *wallet.Ledger, meter *usage.Meter, pricingCache *pricing.Cache, planner *gwcontext.Planner, summarizer *summary.Pipeline, routingMgr *routingmgr.Manager, gateway agentinvoke.Gateway, search toolset.SearchProvider, cfg Config) *Coordinator {
	return &Coordinator{
		store: s, wallet: ledger, meter: meter, pricing: pricingCache,
		planner: planner, summarizer: summarizer, routingMgr: routingMgr,
		gateway: gateway, search: search, cfg: cfg,
	}
}

// ExecuteInput is one turn request.
type ExecuteInput struct {
	UserID    string
	SessionID string
	UserInput string
	EventSink agentinvoke.EventSink
}

// TurnResult is the TurnResult response shape (spec.md §4.11 step 9).
type TurnResult struct {
	TurnID           string
	SessionID        string
	TurnIndex        int
	Mode             string
	UserInput        string
	AssistantOutput  string
	Status           string
	ModelAliasUsed   string
	SummaryTriggered bool
	PruneTriggered   bool
	OverflowRejected bool
	CreatedAt        time.Time
	BalanceAfter     *decimal.Decimal
	LowBalance       bool
}

// Execute runs one full turn. Every write happens inside a single
// store.WithTx call; on any error nothing is persisted.
func (c *Coordinator) Execute(ctx context.Context, in ExecuteInput) (*TurnResult, error) {
	var result *TurnResult

	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		session, err := tx.GetSessionForUpdate(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if session.DeletedAt != nil {
			return store.ErrNotFound
		}

		var room *store.Room
		var roomAgents []agentinvoke.ActiveAgent
		isRoom := session.RoomID != nil

		if session.IsStandalone() {
			agent, err := tx.GetAgent(ctx, *session.AgentID)
			if err != nil {
				return err
			}
			roomAgents = []agentinvoke.ActiveAgent{toActiveAgent(agent)}
		} else {
			room, err = tx.GetRoom(ctx, *session.RoomID)
			if err != nil {
				return err
			}
			if room.DeletedAt != nil {
				return store.ErrNotFound
			}
			views, err := tx.ListRoomAgents(ctx, *session.RoomID)
			if err != nil {
				return err
			}
			for _, v := range views {
				agentCopy := v.Agent
				roomAgents = append(roomAgents, toActiveAgent(&agentCopy))
			}
		}

		mode := store.ModeStandalone
		if isRoom {
			mode = room.CurrentMode
		}

		var activeAgents []agentinvoke.ActiveAgent
		switch mode {
		case store.ModeManual, store.ModeTag:
			activeAgents, err = ResolveTaggedAgents(in.UserInput, roomAgents)
			if err != nil {
				return err
			}
		case store.ModeRoundtable, store.ModeOrchestrator:
			if len(roomAgents) == 0 {
				return ErrNoRoomAgents
			}
			activeAgents = roomAgents
		default:
			activeAgents = roomAgents
		}

		maxTurnIndex, err := tx.MaxTurnIndex(ctx, in.SessionID)
		if err != nil {
			return err
		}
		turnIndex := maxTurnIndex + 1

		rawMessages, err := tx.ListMessages(ctx, in.SessionID)
		if err != nil {
			return err
		}
		nameByKey := agentNamesByKey(roomAgents)
		historyRows := toHistoryRows(rawMessages, nameByKey)
		historyMessages := gwcontext.BuildHistoryMessages(historyRows, isRoom, nil, c.cfg.AgentPrivateTurnsKeep)

		latestSummary, err := tx.LatestSummary(ctx, in.SessionID)
		if err != nil {
			return err
		}
		var latestSummaryText *string
		var since *time.Time
		if latestSummary != nil {
			latestSummaryText = &latestSummary.SummaryText
			since = &latestSummary.CreatedAt
		}
		turnCountSinceSummary, err := tx.CountTurnsSince(ctx, in.SessionID, since)
		if err != nil {
			return err
		}

		var systemMessages []gwcontext.Message
		if isRoom {
			systemMessages = append(systemMessages, gwcontext.Message{Role: gwcontext.RoleSystem, Content: "Room mode: " + mode})
			if room.Goal != "" {
				systemMessages = append(systemMessages, gwcontext.Message{Role: gwcontext.RoleSystem, Content: "Room goal: " + room.Goal})
			}
		}

		prep, err := c.planner.Prepare(gwcontext.PrepareInput{
			ModelContextLimit:         c.cfg.ModelContextLimit,
			SystemMessages:            systemMessages,
			HistoryMessages:           historyMessages,
			LatestSummaryText:         latestSummaryText,
			TurnCountSinceLastSummary: turnCountSinceSummary,
			UserInput:                 in.UserInput,
		})
		if err != nil {
			var budgetErr *gwcontext.BudgetExceededError
			if errors.As(err, &budgetErr) {
				return budgetErr
			}
			return err
		}

		primaryContext := toGatewayMessages(prep.Messages)

		// The file_read tool reads through the active transaction (store.Tx
		// satisfies toolset.FileStore structurally), so the registry is
		// built fresh per turn rather than held on the Coordinator.
		tools := toolset.NewRegistry(c.search, tx)

		var modeResult ModeResult
		switch mode {
		case store.ModeManual, store.ModeTag:
			modeResult = ExecuteManual(ctx, c.gateway, tools, activeAgents, primaryContext, c.cfg.MaxOutputTokens, in.EventSink)
		case store.ModeRoundtable:
			modeResult = ExecuteRoundtable(ctx, c.gateway, tools, activeAgents, primaryContext, c.cfg.MaxOutputTokens, in.EventSink)
		case store.ModeOrchestrator:
			modeResult = ExecuteOrchestrator(ctx, c.gateway, tools, c.routingMgr, activeAgents, primaryContext, in.UserInput, c.cfg.MaxOutputTokens, c.cfg.Orchestrator, in.EventSink)
		default:
			modeResult = ExecuteManual(ctx, c.gateway, tools, activeAgents, primaryContext, c.cfg.MaxOutputTokens, in.EventSink)
		}

		assistantOutput, modelAliasUsed := buildAssistantOutput(mode, modeResult, activeAgents)
		status := modeResult.Status()

		turnID := uuid.NewString()
		now := time.Now()

		if err := tx.InsertTurn(ctx, &store.Turn{
			ID: turnID, SessionID: in.SessionID, TurnIndex: turnIndex, Mode: mode,
			UserInput: in.UserInput, AssistantOutput: assistantOutput, Status: status,
			ModelAliasUsed: modelAliasUsed, CreatedAt: now,
		}); err != nil {
			return err
		}

		if err := tx.InsertMessage(ctx, &store.Message{
			SessionID: in.SessionID, TurnID: &turnID, Role: store.RoleUser,
			Visibility: store.VisibilityShared, Content: in.UserInput, CreatedAt: now,
		}); err != nil {
			return err
		}

		isMultiAgentMode := mode == store.ModeRoundtable || mode == store.ModeOrchestrator || len(modeResult.AssistantEntries) > 1
		for _, entry := range modeResult.AssistantEntries {
			msg := &store.Message{
				SessionID: in.SessionID, TurnID: &turnID, Role: store.RoleAssistant,
				Visibility: store.VisibilityShared, Content: entry.Text, CreatedAt: now,
			}
			if isMultiAgentMode && entry.Agent.AgentKey != nil {
				msg.SourceAgentKey = entry.Agent.AgentKey
			}
			if err := tx.InsertMessage(ctx, msg); err != nil {
				return err
			}
		}
		if modeResult.FinalSynthesis != nil {
			managerKey := "manager"
			if err := tx.InsertMessage(ctx, &store.Message{
				SessionID: in.SessionID, TurnID: &turnID, Role: store.RoleAssistant,
				Visibility: store.VisibilityShared, Content: *modeResult.FinalSynthesis,
				SourceAgentKey: &managerKey, CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		if prep.SummaryTriggered {
			rawText := flattenHistoryRange(prep.SummarizableRange)
			gen := c.summarizer.Generate(ctx, rawText, c.cfg.SummaryModelAlias)
			structured := c.summarizer.Extract(ctx, gen.SummaryText, c.cfg.SummaryModelAlias)
			fromID, toID := "", ""
			if prep.SummaryFromMessageID != nil {
				fromID = *prep.SummaryFromMessageID
			}
			if prep.SummaryToMessageID != nil {
				toID = *prep.SummaryToMessageID
			}
			if err := tx.InsertSummary(ctx, &store.SessionSummary{
				SessionID: in.SessionID, FromMessageID: fromID, ToMessageID: toID,
				SummaryText: gen.SummaryText, KeyFacts: structured.KeyFacts,
				Decisions: structured.Decisions, OpenQuestions: structured.OpenQuestions,
				ActionItems: structured.ActionItems, UsedFallback: gen.UsedFallback, CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		if err := tx.InsertAudit(ctx, &store.TurnContextAudit{
			TurnID: turnID, ModelContextLimit: prep.ModelContextLimit, InputBudget: prep.InputBudget,
			EstimatedBefore: prep.EstimatedInputTokensBefore, EstimatedAfterSummary: prep.EstimatedInputTokensAfterSummary,
			EstimatedAfterPrune: prep.EstimatedInputTokensAfterPrune, SummaryTriggered: prep.SummaryTriggered,
			PruneTriggered: prep.PruneTriggered, OverflowRejected: false,
			OutputReserve: prep.OutputReserve, OverheadReserve: prep.OverheadReserve,
		}); err != nil {
			return err
		}

		var lastDebit wallet.DebitResult
		for _, u := range modeResult.UsageEntries {
			multiplier := c.pricing.Get(u.ModelAlias)
			oeTokens, creditsBurned := c.meter.Compute(usage.Tokens{
				Fresh: u.InputTokensFresh, Cached: u.InputTokensCached, Output: u.OutputTokens, Total: u.TotalTokens,
			}, multiplier)

			if err := tx.InsertLlmCallEvent(ctx, &store.LlmCallEvent{
				UserID: in.UserID, RoomID: session.RoomID, SessionID: &in.SessionID, TurnID: &turnID,
				AgentID: u.AgentID, ModelAlias: u.ModelAlias, ProviderModel: u.ProviderModel,
				Fresh: u.InputTokensFresh, Cached: u.InputTokensCached, Output: u.OutputTokens, Total: u.TotalTokens,
				OETokens: oeTokens, CreditsBurned: creditsBurned, PricingVersion: c.pricing.ActiveVersion(),
				Status: store.CallStatusSuccess, CreatedAt: now,
			}); err != nil {
				return err
			}

			lastDebit, err = c.wallet.StageDebit(ctx, tx, in.UserID, creditsBurned, turnID, "turn:"+turnID)
			if err != nil {
				return err
			}
		}

		for _, trace := range modeResult.ToolTraceEntries {
			for _, rec := range trace.Records {
				if err := tx.InsertToolCallEvent(ctx, &store.ToolCallEvent{
					UserID: in.UserID, RoomID: session.RoomID, SessionID: in.SessionID, TurnID: turnID,
					AgentKey: trace.Agent.AgentKey, ToolName: rec.ToolName, ToolInputJSON: rec.InputJSON,
					ToolOutputJSON: rec.OutputJSON, Status: rec.Status, LatencyMs: rec.LatencyMs,
					CreditsCharged: decimal.Zero, CreatedAt: now,
				}); err != nil {
					return err
				}
			}
		}

		result = &TurnResult{
			TurnID: turnID, SessionID: in.SessionID, TurnIndex: turnIndex, Mode: mode,
			UserInput: in.UserInput, AssistantOutput: assistantOutput, Status: status,
			ModelAliasUsed: modelAliasUsed, SummaryTriggered: prep.SummaryTriggered,
			PruneTriggered: prep.PruneTriggered, OverflowRejected: false, CreatedAt: now,
		}
		if len(modeResult.UsageEntries) > 0 {
			balance := lastDebit.NewBalance
			result.BalanceAfter = &balance
			if !c.cfg.LowBalanceThreshold.IsZero() && balance.LessThan(c.cfg.LowBalanceThreshold) {
				result.LowBalance = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func toActiveAgent(a *store.Agent) agentinvoke.ActiveAgent {
	agentID := a.ID
	agentKey := a.AgentKey
	return agentinvoke.ActiveAgent{
		AgentID: &agentID, AgentKey: &agentKey, Name: a.Name,
		ModelAlias: a.ModelAlias, RolePrompt: a.RolePrompt, ToolPermissions: a.ToolPermissions,
	}
}

func agentNamesByKey(agents []agentinvoke.ActiveAgent) map[string]string {
	out := make(map[string]string, len(agents))
	for _, a := range agents {
		if a.AgentKey != nil {
			out[*a.AgentKey] = a.Name
		}
	}
	return out
}

func toHistoryRows(messages []store.Message, nameByKey map[string]string) []gwcontext.HistoryRow {
	out := make([]gwcontext.HistoryRow, 0, len(messages))
	for _, m := range messages {
		name := ""
		if m.SourceAgentKey != nil {
			name = nameByKey[*m.SourceAgentKey]
		}
		out = append(out, gwcontext.HistoryRow{
			ID: m.ID, TurnID: m.TurnID, Role: m.Role, Visibility: m.Visibility,
			AgentKey: m.AgentKey, SourceAgentKey: m.SourceAgentKey, AgentName: name,
			Content: m.Content, CreatedAt: m.CreatedAt,
		})
	}
	return out
}

func toGatewayMessages(messages []gwcontext.Message) []gwcore.GatewayMessage {
	out := make([]gwcore.GatewayMessage, 0, len(messages))
	for _, m := range messages {
		role := gwcore.RoleSystem
		switch m.Role {
		case gwcontext.RoleUser:
			role = gwcore.RoleUser
		case gwcontext.RoleAssistant:
			role = gwcore.RoleAssistant
		}
		out = append(out, gwcore.GatewayMessage{Role: role, Content: m.Content})
	}
	return out
}

func flattenHistoryRange(rows []gwcontext.HistoryMessage) string {
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(r.Role))
		b.WriteString(": ")
		b.WriteString(r.Content)
	}
	return b.String()
}

// buildAssistantOutput derives the visible assistant_output text and the
// turn's model_alias_used label, per spec.md §4.11 step 7.
func buildAssistantOutput(mode string, result ModeResult, activeAgents []agentinvoke.ActiveAgent) (string, string) {
	if len(result.AssistantEntries) == 1 && mode != store.ModeRoundtable && mode != store.ModeOrchestrator {
		alias := ""
		if len(activeAgents) > 0 {
			alias = activeAgents[0].ModelAlias
		}
		return result.AssistantEntries[0].Text, alias
	}

	parts := make([]string, 0, len(result.AssistantEntries))
	for _, e := range result.AssistantEntries {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Agent.Name, e.Text))
	}
	text := strings.Join(parts, "\n\n")

	if mode == store.ModeOrchestrator && result.FinalSynthesis != nil {
		text += "\n\n---\n\n" + *result.FinalSynthesis
	}

	var modelAliasUsed string
	switch {
	case mode == store.ModeRoundtable:
		modelAliasUsed = "roundtable"
	case mode == store.ModeOrchestrator && len(result.AssistantEntries) > 1:
		modelAliasUsed = "multi-agent"
	case len(activeAgents) > 0:
		modelAliasUsed = activeAgents[0].ModelAlias
	}
	return text, modelAliasUsed
}
