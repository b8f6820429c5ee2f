// Package context implements the ContextPlanner: assembling the bounded
// message list for one agent turn (system, optional summary, recent
// history, current user input), triggering summarization and pruning, and
// rejecting unfittable input. Grounded verbatim on original_source
// services/orchestration/context_manager.py.
package context

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/pantheon-labs/pantheon-core/tokenest"
)

// Role is the three-valued role set a ContextPlanner message can carry.
// Tool-role messages never reach the planner directly — they are folded
// into assistant content by the time history is rendered.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one planner-facing message: a role tag and flat text.
type Message struct {
	Role    Role
	Content string
}

// HistoryMessage is one rendered history entry, carrying its source row id
// and turn id for summarization bookkeeping.
type HistoryMessage struct {
	ID      string
	Role    Role
	Content string
	TurnID  *string
}

var (
	nameTagBracket = regexp.MustCompile(`^\[.*?\]:\s*`)
	nameTagPrefix  = regexp.MustCompile(`^[A-Za-z0-9_\s]{2,20}:\s*`)
)

// HistoryRow is the structural protocol BuildHistoryMessages reads from —
// matching store.Message's relevant columns plus a denormalized agent
// display name, without importing package store (avoids a dependency
// store ↔ context would otherwise need to resolve in one direction only;
// callers populate AgentName via a join against store.Agent).
type HistoryRow struct {
	ID             string
	TurnID         *string
	Role           string // "user" | "assistant" | "tool"
	Visibility     string // "shared" | "private"
	AgentKey       *string
	SourceAgentKey *string
	AgentName      string
	Content        string
	CreatedAt      time.Time
}

// BuildHistoryMessages renders DB message rows into the unified
// HistoryMessage timeline a ContextPlanner.Prepare call expects. When
// isRoom is true and currentAgentKey is non-nil, shared history is merged
// with the current agent's own private messages (bounded to the most
// recent agentPrivateTurnsKeep pairs); standalone sessions (isRoom false)
// only ever see shared messages.
func BuildHistoryMessages(rows []HistoryRow, isRoom bool, currentAgentKey *string, agentPrivateTurnsKeep int) []HistoryMessage {
	var combined []HistoryRow

	switch {
	case isRoom && currentAgentKey != nil:
		var shared, private []HistoryRow
		for _, r := range rows {
			if r.Visibility == "shared" {
				shared = append(shared, r)
			} else if r.Visibility == "private" && r.AgentKey != nil && *r.AgentKey == *currentAgentKey {
				private = append(private, r)
			}
		}
		limit := agentPrivateTurnsKeep
		if limit < 0 {
			limit = 0
		}
		limit *= 2
		if limit > 0 && len(private) > limit {
			private = private[len(private)-limit:]
		}
		combined = append(combined, shared...)
		combined = append(combined, private...)
		sort.SliceStable(combined, func(i, j int) bool {
			if combined[i].CreatedAt.Equal(combined[j].CreatedAt) {
				return combined[i].ID < combined[j].ID
			}
			return combined[i].CreatedAt.Before(combined[j].CreatedAt)
		})
	case isRoom:
		combined = append(combined, rows...)
		sort.SliceStable(combined, func(i, j int) bool {
			if combined[i].CreatedAt.Equal(combined[j].CreatedAt) {
				return combined[i].ID < combined[j].ID
			}
			return combined[i].CreatedAt.Before(combined[j].CreatedAt)
		})
	default:
		for _, r := range rows {
			if r.Visibility == "shared" {
				combined = append(combined, r)
			}
		}
	}

	output := make([]HistoryMessage, 0, len(combined))
	for _, msg := range combined {
		if msg.Role != "user" && msg.Role != "assistant" && msg.Role != "tool" {
			continue
		}
		role := RoleAssistant
		if msg.Role == "user" {
			role = RoleUser
		}
		content := msg.Content

		if msg.Role == "assistant" {
			content = nameTagBracket.ReplaceAllString(content, "")
			content = nameTagPrefix.ReplaceAllString(content, "")
		}

		switch {
		case isRoom && msg.Role == "assistant" && msg.Visibility == "shared" &&
			currentAgentKey != nil && msg.SourceAgentKey != nil && *msg.SourceAgentKey != *currentAgentKey:
			name := msg.AgentName
			if name == "" && msg.SourceAgentKey != nil {
				name = *msg.SourceAgentKey
			}
			content = fmt.Sprintf("[%s]: %s", name, content)
		case isRoom && msg.Role == "assistant" && msg.Visibility == "shared":
			name := msg.AgentName
			if name == "" && msg.SourceAgentKey != nil {
				name = *msg.SourceAgentKey
			}
			content = fmt.Sprintf("%s: %s", name, content)
		}

		output = append(output, HistoryMessage{ID: msg.ID, Role: role, Content: content, TurnID: msg.TurnID})
	}
	return output
}

// ToolEventRow is the structural protocol BuildToolMemoryBlock reads from,
// matching store.ToolCallEvent's relevant columns.
type ToolEventRow struct {
	ToolName       string
	ToolInputJSON  string
	ToolOutputJSON string
}

// BuildToolMemoryBlock renders a compact text summary of an agent's recent
// tool calls. Returns ok=false when there are no events, so callers can
// skip the message entirely.
func BuildToolMemoryBlock(events []ToolEventRow, maxEvents int) (text string, ok bool) {
	if len(events) == 0 {
		return "", false
	}
	recent := events
	if len(recent) > maxEvents {
		recent = recent[len(recent)-maxEvents:]
	}

	lines := make([]string, 0, len(recent))
	for _, evt := range recent {
		out := evt.ToolOutputJSON
		if len(out) > 200 {
			out = out[:200] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s(%s) -> %s", evt.ToolName, evt.ToolInputJSON, out))
	}
	text = "You previously used these tools:\n"
	for i, l := range lines {
		if i > 0 {
			text += "\n"
		}
		text += l
	}
	return text, true
}

func estimateTokens(messages []Message) int {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		texts = append(texts, m.Content)
	}
	return tokenest.EstimateAll(texts)
}
