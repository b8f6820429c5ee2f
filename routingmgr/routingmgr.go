// Package routingmgr implements the RoutingManager: the orchestrator-mode
// component that selects agents per round, decides whether another round
// is warranted, and synthesizes the final response. Grounded verbatim on
// original_source services/orchestration/orchestrator_manager.py.
package routingmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pantheon-labs/pantheon-core/gwcore"
)

const (
	maxRouteOutputTokens    = 256
	maxEvaluateOutputTokens = 128
	maxSelectedAgents       = 3
)

// jsonFence matches the first ```json ... ``` or ``` ... ``` block, DOTALL.
// It is not anchored, so a fenced block surrounded by prose is still found;
// text with no fence is passed through unchanged by stripJSONFences.
var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func stripJSONFences(text string) string {
	text = strings.TrimSpace(text)
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// RoutableAgent is the narrow view of an Agent the manager needs to build
// its prompt and resolve selections.
type RoutableAgent struct {
	AgentKey       string
	RolePrompt     string
	ToolPermissions []string
}

// SpecialistOutput pairs an agent's display name with its round output, for
// manager prompts that reference prior work.
type SpecialistOutput struct {
	Name string
	Text string
}

// RoutingDecision is route()'s result: which agents to run this round and,
// where the manager supplied one, a per-agent instruction.
type RoutingDecision struct {
	SelectedAgentKeys []string
	Assignments       map[string]string // agent_key -> instruction
}

// RoundDecision is evaluate_round()'s result.
type RoundDecision struct {
	ShouldContinue bool
}

// SynthesisResult is synthesize()'s result. Usage/ProviderModel mirror the
// underlying ChatCompletion response so callers can meter the manager's
// synthesis call the same way they meter specialist calls.
type SynthesisResult struct {
	Text          string
	Usage         gwcore.Usage
	ProviderModel string
}

// Gateway is the narrow ModelGateway surface the manager needs.
type Gateway interface {
	ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error)
}

// Manager is the RoutingManager.
type Manager struct {
	gw Gateway
}

// NewManager constructs a Manager bound to a ModelGateway.
func NewManager(gw Gateway) *Manager {
	return &Manager{gw: gw}
}

func buildManagerSystemPrompt(agents []RoutableAgent, priorRoundOutputs []SpecialistOutput) string {
	var b strings.Builder
	b.WriteString("You are a routing manager for a multi-agent council room.\n")
	b.WriteString("Your job is to select the best agents from the room to answer the user's latest input.\n\n")
	b.WriteString("Available agents and their capabilities:\n")
	for _, a := range agents {
		tools := "None"
		if len(a.ToolPermissions) > 0 {
			tools = strings.Join(a.ToolPermissions, ", ")
		}
		fmt.Fprintf(&b, "- key: %q\n  role: %q\n  tools: [%s]\n", a.AgentKey, a.RolePrompt, tools)
	}
	if len(priorRoundOutputs) > 0 {
		b.WriteString("\nPrior round specialist outputs (already covered - route for what is still missing):\n")
		for _, o := range priorRoundOutputs {
			fmt.Fprintf(&b, "[%s]: %s\n", o.Name, o.Text)
		}
	}
	b.WriteString("\nROUTING RULES:\n")
	b.WriteString("1. Select up to 3 best agents to handle the user's request. For each agent, provide a specific, detailed instruction on what they should contribute.\n")
	b.WriteString("2. If the user asks for multiple perspectives, or if the task inherently applies to multiple agents, you MUST select ALL relevant agents at once in this single round.\n")
	b.WriteString("3. DO NOT select an agent that has already provided an output in prior rounds unless they explicitly need to respond to what another agent just said.\n")
	b.WriteString("4. Prefer running agents concurrently (selecting multiple keys at once) rather than sequencing them across multiple rounds, unless they depend on each other's output.\n\n")
	b.WriteString("Respond ONLY with valid JSON in exactly this format:\n")
	b.WriteString("{\n")
	b.WriteString(`  "assignments": [` + "\n")
	b.WriteString(`    {"agent_key": "<key1>", "instruction": "Provide a technical overview of..."},` + "\n")
	b.WriteString(`    {"agent_key": "<key2>", "instruction": "Analyze the security implications of..."}` + "\n")
	b.WriteString("  ]\n}\n\n")
	b.WriteString("CRITICAL: `assignments` MUST be a JSON array of objects with `agent_key` and `instruction`.\n")
	b.WriteString("Do not include any other text, explanation, or markdown.")
	return b.String()
}

type agentAssignment struct {
	AgentKey    string `json:"agent_key"`
	Instruction string `json:"instruction"`
}

type routingResponse struct {
	Assignments       []agentAssignment `json:"assignments"`
	SelectedAgentKeys []string          `json:"selected_agent_keys"`
	SelectedAgentKey  string            `json:"selected_agent_key"`
}

// Route selects up to 3 agents for this round. On round 1 (priorRoundOutputs
// empty) with "all " in the lowercased input and ≥2 agents, selection is
// deterministic. On parse failure or an empty result on round 1, it falls
// back to the first agent in room order; on later rounds an empty result is
// a valid "stop" signal.
func (m *Manager) Route(ctx context.Context, agents []RoutableAgent, userInput string, managerModelAlias string, priorRoundOutputs []SpecialistOutput) (RoutingDecision, error) {
	if len(agents) == 0 {
		return RoutingDecision{}, fmt.Errorf("routingmgr: route requires at least one available agent")
	}
	fallback := RoutingDecision{SelectedAgentKeys: []string{agents[0].AgentKey}}

	if len(priorRoundOutputs) == 0 && strings.Contains(strings.ToLower(userInput), "all ") && len(agents) > 1 {
		keys := make([]string, 0, len(agents))
		for _, a := range agents {
			keys = append(keys, a.AgentKey)
		}
		return RoutingDecision{SelectedAgentKeys: keys, Assignments: map[string]string{}}, nil
	}

	resp, err := m.gw.ChatCompletion(ctx, &gwcore.GatewayRequest{
		ModelAlias:      managerModelAlias,
		MaxOutputTokens: maxRouteOutputTokens,
		Messages: []gwcore.GatewayMessage{
			{Role: gwcore.RoleSystem, Content: buildManagerSystemPrompt(agents, priorRoundOutputs)},
			{Role: gwcore.RoleUser, Content: "User Request: " + userInput +
				"\n\nCRITICAL: If the user asks for multiple perspectives, return an array containing ALL relevant agent keys. Do not just return one."},
		},
	})
	if err != nil {
		return fallback, nil
	}

	var parsed routingResponse
	if jsonErr := json.Unmarshal([]byte(stripJSONFences(resp.Text)), &parsed); jsonErr != nil {
		return fallback, nil
	}

	assignmentsByKey := map[string]string{}
	var rawKeys []string
	if len(parsed.Assignments) > 0 {
		for _, a := range parsed.Assignments {
			if a.AgentKey == "" {
				continue
			}
			assignmentsByKey[strings.ToLower(strings.TrimSpace(a.AgentKey))] = a.Instruction
			rawKeys = append(rawKeys, a.AgentKey)
		}
	} else if len(parsed.SelectedAgentKeys) > 0 {
		rawKeys = parsed.SelectedAgentKeys
	} else if parsed.SelectedAgentKey != "" {
		rawKeys = []string{parsed.SelectedAgentKey}
	}

	normalizedKeys := dedupCapThree(rawKeys)

	byKey := map[string]RoutableAgent{}
	for _, a := range agents {
		byKey[strings.ToLower(a.AgentKey)] = a
	}

	var selected []string
	finalAssignments := map[string]string{}
	for _, key := range normalizedKeys {
		agent, ok := byKey[strings.ToLower(key)]
		if !ok {
			continue
		}
		selected = append(selected, agent.AgentKey)
		instr := assignmentsByKey[strings.ToLower(key)]
		if instr == "" {
			instr = "Please respond to the user's request."
		}
		finalAssignments[agent.AgentKey] = instr
	}

	if len(selected) == 0 {
		if len(priorRoundOutputs) == 0 {
			return fallback, nil
		}
		return RoutingDecision{SelectedAgentKeys: []string{}, Assignments: map[string]string{}}, nil
	}

	return RoutingDecision{SelectedAgentKeys: selected, Assignments: finalAssignments}, nil
}

func dedupCapThree(keys []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, key := range keys {
		cleaned := strings.TrimSpace(key)
		if cleaned == "" {
			continue
		}
		lowered := strings.ToLower(cleaned)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		out = append(out, cleaned)
		if len(out) >= maxSelectedAgents {
			break
		}
	}
	return out
}

type roundEvaluationResponse struct {
	Continue bool `json:"continue"`
}

// EvaluateRound asks whether another round is warranted. On any parse
// failure it ends the loop (should_continue = false).
func (m *Manager) EvaluateRound(ctx context.Context, managerModelAlias, userInput string, allRoundOutputs []SpecialistOutput, currentRound int) RoundDecision {
	var specialistBlock strings.Builder
	for i, o := range allRoundOutputs {
		if i > 0 {
			specialistBlock.WriteString("\n\n")
		}
		fmt.Fprintf(&specialistBlock, "[%s]: %s", o.Name, o.Text)
	}

	resp, err := m.gw.ChatCompletion(ctx, &gwcore.GatewayRequest{
		ModelAlias:      managerModelAlias,
		MaxOutputTokens: maxEvaluateOutputTokens,
		Messages: []gwcore.GatewayMessage{
			{Role: gwcore.RoleSystem, Content: "You are the orchestrating manager agent. You have seen the user's request and all specialist outputs collected so far. Decide if another specialist round is needed."},
			{Role: gwcore.RoleUser, Content: userInput},
			{Role: gwcore.RoleSystem, Content: "Specialist outputs so far:\n" + specialistBlock.String()},
			{Role: gwcore.RoleSystem, Content: fmt.Sprintf(`Round %d complete. Should another round of specialist consultation run to better answer the user? Reply ONLY with valid JSON: {"continue": true} or {"continue": false}`, currentRound)},
		},
	})
	if err != nil {
		return RoundDecision{ShouldContinue: false}
	}

	var parsed roundEvaluationResponse
	if jsonErr := json.Unmarshal([]byte(stripJSONFences(resp.Text)), &parsed); jsonErr != nil {
		return RoundDecision{ShouldContinue: false}
	}
	return RoundDecision{ShouldContinue: parsed.Continue}
}

func buildSynthesisMessages(userInput string, specialistOutputs []SpecialistOutput) []gwcore.GatewayMessage {
	var specialistBlock strings.Builder
	for i, o := range specialistOutputs {
		if i > 0 {
			specialistBlock.WriteString("\n\n")
		}
		fmt.Fprintf(&specialistBlock, "[%s]: %s", o.Name, o.Text)
	}
	return []gwcore.GatewayMessage{
		{Role: gwcore.RoleSystem, Content: "You are the orchestrating manager agent. Specialists have responded to the user's request below. Synthesize their outputs into a single clear, consolidated response for the user. Do not add new information; integrate and summarize what the specialists provided."},
		{Role: gwcore.RoleUser, Content: userInput},
		{Role: gwcore.RoleSystem, Content: "Specialist outputs:\n" + specialistBlock.String()},
		{Role: gwcore.RoleSystem, Content: "Provide a concise synthesis of the above specialist perspectives."},
	}
}

// Synthesize consolidates specialist outputs into the final response. Never
// called with an empty specialistOutputs slice by the turn coordinator —
// callers should skip synthesis entirely when no specialist ran.
func (m *Manager) Synthesize(ctx context.Context, managerModelAlias, userInput string, specialistOutputs []SpecialistOutput, maxOutputTokens int) (SynthesisResult, error) {
	resp, err := m.gw.ChatCompletion(ctx, &gwcore.GatewayRequest{
		ModelAlias:      managerModelAlias,
		MaxOutputTokens: maxOutputTokens,
		Messages:        buildSynthesisMessages(userInput, specialistOutputs),
	})
	if err != nil {
		return SynthesisResult{}, err
	}
	return SynthesisResult{Text: resp.Text, Usage: resp.Usage, ProviderModel: resp.ProviderModel}, nil
}
