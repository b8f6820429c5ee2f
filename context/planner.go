package context

import "fmt"

// BudgetExceededError is ContextBudgetExceeded (spec.md §7): the planner
// could not fit the user input after prune, with diagnostic fields the
// caller can surface to the user.
type BudgetExceededError struct {
	ModelContextLimit int
	InputBudget       int
	EstimatedTokens   int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("context budget exceeded: limit=%d input_budget=%d estimated=%d",
		e.ModelContextLimit, e.InputBudget, e.EstimatedTokens)
}

// Planner is the ContextPlanner: a pure, stateless budgeting/assembly
// procedure over its configured ratios.
type Planner struct {
	maxOutputTokens     int
	summaryTriggerRatio float64
	pruneTriggerRatio   float64
	mandatorySummaryTurn int
	recentTurnsToKeep   int
}

// NewPlanner constructs a Planner, clamping inputs exactly as
// context_manager.py's ContextManager.__init__ does.
func NewPlanner(maxOutputTokens int, summaryTriggerRatio, pruneTriggerRatio float64, mandatorySummaryTurn, recentTurnsToKeep int) *Planner {
	if maxOutputTokens < 256 {
		maxOutputTokens = 256
	}
	summaryTriggerRatio = clamp(summaryTriggerRatio, 0.1, 1.0)
	pruneTriggerRatio = clamp(pruneTriggerRatio, summaryTriggerRatio, 1.0)
	if mandatorySummaryTurn < 1 {
		mandatorySummaryTurn = 1
	}
	if recentTurnsToKeep < 1 {
		recentTurnsToKeep = 1
	}
	return &Planner{
		maxOutputTokens:      maxOutputTokens,
		summaryTriggerRatio:  summaryTriggerRatio,
		pruneTriggerRatio:    pruneTriggerRatio,
		mandatorySummaryTurn: mandatorySummaryTurn,
		recentTurnsToKeep:    recentTurnsToKeep,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PrepareInput is the Prepare() call's full argument set (spec.md §4.6).
type PrepareInput struct {
	ModelContextLimit         int
	SystemMessages            []Message
	HistoryMessages           []HistoryMessage
	LatestSummaryText         *string
	TurnCountSinceLastSummary int
	UserInput                 string
}

// Preparation is the ContextPlanner's output: the final bounded message
// list plus the full audit trail TurnContextAudit persists.
type Preparation struct {
	Messages                       []Message
	ModelContextLimit              int
	InputBudget                    int
	OutputReserve                  int
	OverheadReserve                int
	EstimatedInputTokensBefore      int
	EstimatedInputTokensAfterSummary int
	EstimatedInputTokensAfterPrune  int
	SummaryTriggered                bool
	PruneTriggered                   bool
	OverflowRejected                 bool
	SummaryFromMessageID            *string
	SummaryToMessageID              *string
	// SummarizableRange is the contiguous history slice the SummaryPipeline
	// should fold into a SessionSummary when SummaryTriggered is true.
	SummarizableRange []HistoryMessage
}

// Prepare runs the summarize → prune → reject procedure exactly as
// context_manager.py's ContextManager.prepare does.
func (p *Planner) Prepare(in PrepareInput) (*Preparation, error) {
	modelLimit := in.ModelContextLimit
	if modelLimit < 2048 {
		modelLimit = 2048
	}
	outputReserve := p.maxOutputTokens
	if cap20 := int(float64(modelLimit) * 0.20); cap20 < outputReserve {
		outputReserve = cap20
	}
	overheadReserve := int(float64(modelLimit) * 0.05)
	if overheadReserve < 1024 {
		overheadReserve = 1024
	}
	inputBudget := modelLimit - outputReserve - overheadReserve
	if inputBudget <= 0 {
		return nil, &BudgetExceededError{ModelContextLimit: modelLimit, InputBudget: inputBudget, EstimatedTokens: 0}
	}

	baseMessages := []Message{{Role: RoleSystem, Content: "--- SYSTEM ---"}}
	baseMessages = append(baseMessages, in.SystemMessages...)
	if in.LatestSummaryText != nil && *in.LatestSummaryText != "" {
		baseMessages = append(baseMessages, Message{Role: RoleSystem, Content: "Session summary: " + *in.LatestSummaryText})
	}

	rawHistory := toFlatMessages(in.HistoryMessages)
	var historyBlock []Message
	if len(rawHistory) > 0 {
		historyBlock = append([]Message{{Role: RoleSystem, Content: "--- HISTORY ---"}}, rawHistory...)
	}

	beforeMessages := append(append(append([]Message{}, baseMessages...), historyBlock...),
		Message{Role: RoleSystem, Content: "--- CURRENT TURN ---"},
		Message{Role: RoleUser, Content: in.UserInput},
	)
	estimatedBefore := estimateTokens(beforeMessages)

	summaryTriggered := false
	pruneTriggered := false
	var summaryFromID, summaryToID *string
	var summarizableRange []HistoryMessage

	workingHistory := append([]HistoryMessage{}, in.HistoryMessages...)

	shouldSummarize := estimatedBefore >= int(float64(inputBudget)*p.summaryTriggerRatio) ||
		in.TurnCountSinceLastSummary >= p.mandatorySummaryTurn

	if shouldSummarize {
		cutoff := len(workingHistory) - p.recentTurnsToKeep*2
		if cutoff < 0 {
			cutoff = 0
		}
		summarizable := workingHistory[:cutoff]
		if len(summarizable) > 0 {
			summaryTriggered = true
			summarizableRange = summarizable
			fromID := summarizable[0].ID
			toID := summarizable[len(summarizable)-1].ID
			summaryFromID, summaryToID = &fromID, &toID
			workingHistory = workingHistory[cutoff:]
		}
	}

	currentMessages := append(append(append([]Message{}, baseMessages...), toFlatMessages(workingHistory)...),
		Message{Role: RoleUser, Content: in.UserInput},
	)
	estimatedAfterSummary := estimateTokens(currentMessages)

	estimatedAfterPrune := estimatedAfterSummary
	if estimatedAfterSummary >= int(float64(inputBudget)*p.pruneTriggerRatio) {
		pruneTriggered = true
		for len(workingHistory) > 0 {
			workingHistory = workingHistory[1:]
			currentMessages = append(append(append([]Message{}, baseMessages...), toFlatMessages(workingHistory)...),
				Message{Role: RoleUser, Content: in.UserInput},
			)
			if estimateTokens(currentMessages) <= inputBudget {
				break
			}
		}
		estimatedAfterPrune = estimateTokens(currentMessages)
		if estimatedAfterPrune > inputBudget {
			return nil, &BudgetExceededError{ModelContextLimit: modelLimit, InputBudget: inputBudget, EstimatedTokens: estimatedAfterPrune}
		}
	}

	var finalHistoryBlock []Message
	if len(workingHistory) > 0 {
		finalHistoryBlock = append([]Message{{Role: RoleSystem, Content: "--- HISTORY ---"}}, toFlatMessages(workingHistory)...)
	}

	finalMessages := append(append(append([]Message{}, baseMessages...), finalHistoryBlock...),
		Message{Role: RoleSystem, Content: "--- CURRENT TURN ---"},
		Message{Role: RoleUser, Content: in.UserInput},
	)

	return &Preparation{
		Messages:                         finalMessages,
		ModelContextLimit:                modelLimit,
		InputBudget:                      inputBudget,
		OutputReserve:                    outputReserve,
		OverheadReserve:                  overheadReserve,
		EstimatedInputTokensBefore:       estimatedBefore,
		EstimatedInputTokensAfterSummary: estimatedAfterSummary,
		EstimatedInputTokensAfterPrune:   estimatedAfterPrune,
		SummaryTriggered:                 summaryTriggered,
		PruneTriggered:                   pruneTriggered,
		OverflowRejected:                 false,
		SummaryFromMessageID:             summaryFromID,
		SummaryToMessageID:               summaryToID,
		SummarizableRange:                summarizableRange,
	}, nil
}

func toFlatMessages(hist []HistoryMessage) []Message {
	out := make([]Message, 0, len(hist))
	for _, h := range hist {
		out = append(out, Message{Role: h.Role, Content: h.Content})
	}
	return out
}
