package turn

import (
	"context"

	"github.com/pantheon-labs/pantheon-core/agentinvoke"
	"github.com/pantheon-labs/pantheon-core/gwcore"
	"github.com/pantheon-labs/pantheon-core/toolset"
)

// ExecuteManual covers standalone, manual, and tag modes: one invocation
// per resolved agent (exactly one for standalone/single-tag), each built
// from the shared primary context with no inter-agent sharing. Grounded on
// mode_executor.py::_execute_manual, extended per spec.md §9(a)'s resolved
// Open Question: multiple tags fan out one message per agent, joined the
// same way roundtable joins.
func ExecuteManual(ctx context.Context, gw agentinvoke.Gateway, tools *toolset.Registry, agents []agentinvoke.ActiveAgent, primaryContext []gwcore.GatewayMessage, maxOutputTokens int, sink agentinvoke.EventSink) ModeResult {
	var result ModeResult
	var round []AssistantEntry
	successCount := 0

	for _, agent := range agents {
		base := buildBaseMessages(agent, primaryContext)
		invoked := agentinvoke.Invoke(ctx, gw, tools, agent, base, maxOutputTokens, sink)

		result.AssistantEntries = append(result.AssistantEntries, AssistantEntry{Agent: agent, Text: invoked.Text})
		round = append(round, AssistantEntry{Agent: agent, Text: invoked.Text})
		result.UsageEntries = append(result.UsageEntries, invoked.UsageEntries...)
		if len(invoked.ToolCalls) > 0 {
			result.ToolTraceEntries = append(result.ToolTraceEntries, ToolTrace{Agent: agent, Records: invoked.ToolCalls})
		}
		if invoked.Success {
			successCount++
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
