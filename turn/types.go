// Package turn implements the per-mode execution strategies and the
// end-to-end TurnCoordinator that ties context, routing, agent invocation,
// and persistence together into one committed turn. Grounded on
// original_source services/orchestration/mode_executor.py (mode loops) and
// api/v1/routes/sessions.py::create_turn (transaction shape).
package turn

import (
	"errors"

	"github.com/pantheon-labs/pantheon-core/agentinvoke"
)

// Status mirrors store.Turn's Status column values.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// AssistantEntry pairs one agent with the text it produced this turn.
type AssistantEntry struct {
	Agent agentinvoke.ActiveAgent
	Text  string
}

// ToolTrace pairs one agent with the tool-call records it produced.
type ToolTrace struct {
	Agent   agentinvoke.ActiveAgent
	Records []agentinvoke.ToolCallRecord
}

// ModeResult is the accumulated outcome of one mode strategy's run — the Go
// analogue of mode_executor.py's TurnExecutionState accumulator fields.
type ModeResult struct {
	AssistantEntries []AssistantEntry
	UsageEntries     []agentinvoke.UsageEntry
	ToolTraceEntries []ToolTrace
	PerRoundEntries  [][]AssistantEntry
	FinalSynthesis   *string
	// Partial is true when any sub-invocation failed (including when all of
	// them did); Failed is true when nothing succeeded at all. Status checks
	// Failed first.
	Partial bool
	Failed  bool
}

// Status derives the turn-level status from the mode result, per spec.md
// §4.11 step 6: "partial" on any failed sub-invocation, "failed" only if no
// successful output exists at all. Each mode strategy sets Failed itself
// (rather than this method inferring it from AssistantEntries, which always
// carries one entry per invocation — including failed ones whose text is
// the "[[agent_error]]" sentinel).
func (r ModeResult) Status() string {
	if r.Failed {
		return StatusFailed
	}
	if r.Partial {
		return StatusPartial
	}
	return StatusCompleted
}

// ErrNoValidTaggedAgents is returned when a manual/tag-mode turn's user
// input contains no @agent_key token matching a room agent.
var ErrNoValidTaggedAgents = errors.New("turn: no valid tagged agents in user input")

// ErrNoRoomAgents is returned when roundtable/orchestrator mode is invoked
// against a room with zero agents.
var ErrNoRoomAgents = errors.New("turn: room has no agents")
