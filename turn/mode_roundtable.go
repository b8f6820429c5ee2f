package turn

import (
	"context"
	"fmt"

	"github.com/pantheon-labs/pantheon-core/agentinvoke"
	"github.com/pantheon-labs/pantheon-core/gwcore"
	"github.com/pantheon-labs/pantheon-core/toolset"
)

// ExecuteRoundtable invokes every room agent in position order with a
// shared running history: each successful response is appended as
// "[<agent_name>]: <text>" before the next agent runs. A failed invocation
// does not contribute to the shared history and degrades the turn to
// partial. Grounded on mode_executor.py::_execute_roundtable.
func ExecuteRoundtable(ctx context.Context, gw agentinvoke.Gateway, tools *toolset.Registry, agents []agentinvoke.ActiveAgent, primaryContext []gwcore.GatewayMessage, maxOutputTokens int, sink agentinvoke.EventSink) ModeResult {
	var result ModeResult
	var sharedHistory []gwcore.GatewayMessage
	var round []AssistantEntry
	successCount := 0

	for _, agent := range agents {
		base := buildBaseMessages(agent, primaryContext)
		base = append(base, sharedHistory...)

		invoked := agentinvoke.Invoke(ctx, gw, tools, agent, base, maxOutputTokens, sink)

		result.AssistantEntries = append(result.AssistantEntries, AssistantEntry{Agent: agent, Text: invoked.Text})
		round = append(round, AssistantEntry{Agent: agent, Text: invoked.Text})
		result.UsageEntries = append(result.UsageEntries, invoked.UsageEntries...)
		if len(invoked.ToolCalls) > 0 {
			result.ToolTraceEntries = append(result.ToolTraceEntries, ToolTrace{Agent: agent, Records: invoked.ToolCalls})
		}

		if invoked.Success {
			successCount++
			sharedHistory = append(sharedHistory, gwcore.GatewayMessage{
				Role:    gwcore.RoleAssistant,
				Content: fmt.Sprintf("[%s]: %s", agent.Name, invoked.Text),
			})
		} else {
			result.Partial = true
		}
	}

	if successCount == 0 {
		result.Failed = true
	}
	result.PerRoundEntries = append(result.PerRoundEntries, round)
	return result
}
