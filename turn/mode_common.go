package turn

import (
	"regexp"
	"strings"

	"github.com/pantheon-labs/pantheon-core/agentinvoke"
	"github.com/pantheon-labs/pantheon-core/gwcore"
)

// buildBaseMessages prepends the agent's role header to the turn's shared
// primary context, per mode_executor.py's base_messages construction
// (repeated identically across _execute_manual/_execute_roundtable/
// _execute_orchestrator).
func buildBaseMessages(agent agentinvoke.ActiveAgent, primaryContext []gwcore.GatewayMessage) []gwcore.GatewayMessage {
	out := make([]gwcore.GatewayMessage, 0, len(primaryContext)+1)
	out = append(out, gwcore.GatewayMessage{Role: gwcore.RoleSystem, Content: "Agent role: " + agent.RolePrompt})
	out = append(out, primaryContext...)
	return out
}

var tagToken = regexp.MustCompile(`@([A-Za-z0-9_\-]+)`)

// ResolveTaggedAgents extracts @agent_key tokens from userInput, matches
// them case-insensitively against roomAgents, and returns the matched
// agents in first-mention order with duplicates removed. Returns
// ErrNoValidTaggedAgents when no token resolves to a room agent.
func ResolveTaggedAgents(userInput string, roomAgents []agentinvoke.ActiveAgent) ([]agentinvoke.ActiveAgent, error) {
	byKey := map[string]agentinvoke.ActiveAgent{}
	for _, a := range roomAgents {
		if a.AgentKey != nil {
			byKey[strings.ToLower(*a.AgentKey)] = a
		}
	}

	var resolved []agentinvoke.ActiveAgent
	seen := map[string]bool{}
	for _, m := range tagToken.FindAllStringSubmatch(userInput, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		if agent, ok := byKey[key]; ok {
			resolved = append(resolved, agent)
			seen[key] = true
		}
	}

	if len(resolved) == 0 {
		return nil, ErrNoValidTaggedAgents
	}
	return resolved, nil
}
