package turn

import (
	"context"
	"strings"

	"github.com/pantheon-labs/pantheon-core/agentinvoke"
	"github.com/pantheon-labs/pantheon-core/gwcore"
	"github.com/pantheon-labs/pantheon-core/routingmgr"
	"github.com/pantheon-labs/pantheon-core/toolset"
)

// OrchestratorConfig bundles the manager model alias and the two loop
// bounds (rounds, total specialist invocations), mirroring
// mode_executor.py's settings.orchestrator_* fields.
type OrchestratorConfig struct {
	ManagerModelAlias           string
	MaxDepth                    int
	MaxSpecialistInvocations    int
}

// ExecuteOrchestrator runs the route → invoke → evaluate loop, then
// synthesizes a consolidated response from every successful specialist
// output. Grounded on mode_executor.py::_execute_orchestrator.
func ExecuteOrchestrator(ctx context.Context, gw agentinvoke.Gateway, tools *toolset.Registry, routingMgr *routingmgr.Manager, agents []agentinvoke.ActiveAgent, primaryContext []gwcore.GatewayMessage, userInput string, maxOutputTokens int, cfg OrchestratorConfig, sink agentinvoke.EventSink) ModeResult {
	var result ModeResult
	maxDepth := cfg.MaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}
	maxCap := cfg.MaxSpecialistInvocations
	if maxCap < 1 {
		maxCap = 1
	}

	byKey := map[string]agentinvoke.ActiveAgent{}
	for _, a := range agents {
		if a.AgentKey != nil {
			byKey[strings.ToLower(*a.AgentKey)] = a
		}
	}

	var specialistOutputs []routingmgr.SpecialistOutput
	currentRound := 1
	totalInvocations := 0

	for currentRound <= maxDepth && totalInvocations < maxCap {
		if sink != nil {
			sink("round_start", map[string]any{"round": currentRound})
		}

		var prior []routingmgr.SpecialistOutput
		if currentRound > 1 {
			prior = specialistOutputs
		}

		decision, err := routingMgr.Route(ctx, toRoutable(agents), userInput, cfg.ManagerModelAlias, prior)
		if err != nil {
			break
		}

		var assignments []agentinvoke.ActiveAgent
		for _, key := range decision.SelectedAgentKeys {
			if agent, ok := byKey[strings.ToLower(key)]; ok {
				assignments = append(assignments, agent)
			}
		}
		if len(assignments) == 0 {
			if currentRound == 1 {
				assignments = []agentinvoke.ActiveAgent{agents[0]}
			} else {
				break
			}
		}

		remaining := maxCap - totalInvocations
		capAt := 3
		if remaining < capAt {
			capAt = remaining
		}
		if len(assignments) > capAt {
			assignments = assignments[:capAt]
		}
		if len(assignments) == 0 {
			break
		}

		var roundOutputs []AssistantEntry
		for _, agent := range assignments {
			base := buildBaseMessages(agent, primaryContext)
			invoked := agentinvoke.Invoke(ctx, gw, tools, agent, base, maxOutputTokens, sink)

			roundOutputs = append(roundOutputs, AssistantEntry{Agent: agent, Text: invoked.Text})
			result.UsageEntries = append(result.UsageEntries, invoked.UsageEntries...)
			if len(invoked.ToolCalls) > 0 {
				result.ToolTraceEntries = append(result.ToolTraceEntries, ToolTrace{Agent: agent, Records: invoked.ToolCalls})
			}
			if invoked.Success {
				specialistOutputs = append(specialistOutputs, routingmgr.SpecialistOutput{Name: agent.Name, Text: invoked.Text})
				result.AssistantEntries = append(result.AssistantEntries, AssistantEntry{Agent: agent, Text: invoked.Text})
			} else {
				result.Partial = true
			}
			totalInvocations++
		}
		result.PerRoundEntries = append(result.PerRoundEntries, roundOutputs)

		if sink != nil {
			sink("round_end", map[string]any{"round": currentRound})
		}

		if !anySucceeded(roundOutputs) {
			break
		}

		if currentRound < maxDepth && totalInvocations < maxCap {
			evalDecision := routingMgr.EvaluateRound(ctx, cfg.ManagerModelAlias, userInput, specialistOutputs, currentRound)
			if !evalDecision.ShouldContinue {
				break
			}
		}
		currentRound++
	}

	if len(specialistOutputs) == 0 {
		result.Failed = true
	}

	if len(specialistOutputs) > 0 {
		synthesis, err := routingMgr.Synthesize(ctx, cfg.ManagerModelAlias, userInput, specialistOutputs, maxOutputTokens)
		if err != nil {
			result.Partial = true
			errText := "[[manager_synthesis_error]] " + err.Error()
			result.FinalSynthesis = &errText
		} else {
			text := synthesis.Text
			result.FinalSynthesis = &text
			result.UsageEntries = append(result.UsageEntries, agentinvoke.UsageEntry{
				AgentID:           nil,
				ModelAlias:        cfg.ManagerModelAlias,
				ProviderModel:     synthesis.ProviderModel,
				InputTokensFresh:  synthesis.Usage.Fresh,
				InputTokensCached: synthesis.Usage.Cached,
				OutputTokens:      synthesis.Usage.Output,
				TotalTokens:       synthesis.Usage.Total,
			})
		}
	}

	return result
}

func anySucceeded(entries []AssistantEntry) bool {
	for _, e := range entries {
		if !strings.HasPrefix(e.Text, "[[agent_error]]") {
			return true
		}
	}
	return false
}

func toRoutable(agents []agentinvoke.ActiveAgent) []routingmgr.RoutableAgent {
	out := make([]routingmgr.RoutableAgent, 0, len(agents))
	for _, a := range agents {
		key := ""
		if a.AgentKey != nil {
			key = *a.AgentKey
		}
		out = append(out, routingmgr.RoutableAgent{AgentKey: key, RolePrompt: a.RolePrompt, ToolPermissions: a.ToolPermissions})
	}
	return out
}
