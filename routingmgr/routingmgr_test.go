package routingmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/pantheon-labs/pantheon-core/gwcore"
)

type fakeGateway struct {
	resp *gwcore.GatewayResponse
	err  error
}

func (f *fakeGateway) ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func agents() []RoutableAgent {
	return []RoutableAgent{
		{AgentKey: "writer", RolePrompt: "Writes prose"},
		{AgentKey: "analyst", RolePrompt: "Analyzes data", ToolPermissions: []string{"search"}},
		{AgentKey: "critic", RolePrompt: "Critiques drafts"},
	}
}

func TestRouteAllOverrideSelectsEveryAgentOnRoundOne(t *testing.T) {
	m := NewManager(&fakeGateway{err: errors.New("should not be called")})
	decision, err := m.Route(context.Background(), agents(), "Ask ALL of you for input", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 3 {
		t.Fatalf("expected all 3 agents selected, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteParsesAssignmentsSchema(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{
		Text: `{"assignments":[{"agent_key":"writer","instruction":"draft it"},{"agent_key":"analyst","instruction":"check the numbers"}]}`,
	}})
	decision, err := m.Route(context.Background(), agents(), "draft and check", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 2 {
		t.Fatalf("expected 2 agents selected, got %+v", decision.SelectedAgentKeys)
	}
	if decision.Assignments["writer"] != "draft it" {
		t.Fatalf("expected instruction preserved, got %+v", decision.Assignments)
	}
}

func TestRouteParsesLegacySelectedAgentKeysSchema(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{
		Text: `{"selected_agent_keys":["Writer","critic"]}`,
	}})
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 2 {
		t.Fatalf("expected case-insensitive resolution of 2 agents, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteParsesLegacySelectedAgentKeySingular(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{
		Text: `{"selected_agent_key":"analyst"}`,
	}})
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 1 || decision.SelectedAgentKeys[0] != "analyst" {
		t.Fatalf("expected single analyst selection, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteDedupsAndCapsAtThree(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{
		Text: `{"selected_agent_keys":["writer","Writer","analyst","critic","writer"]}`,
	}})
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 3 {
		t.Fatalf("expected dedup+cap to 3, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteFallsBackToFirstAgentOnGatewayError(t *testing.T) {
	m := NewManager(&fakeGateway{err: errors.New("boom")})
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 1 || decision.SelectedAgentKeys[0] != "writer" {
		t.Fatalf("expected fallback to first agent, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteFallsBackToFirstAgentOnMalformedJSONRoundOne(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{Text: "not json"}})
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 1 || decision.SelectedAgentKeys[0] != "writer" {
		t.Fatalf("expected fallback to first agent, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteEmptySelectionOnLaterRoundIsValidStop(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{Text: `{"selected_agent_keys":[]}`}})
	prior := []SpecialistOutput{{Name: "Writer", Text: "already answered"}}
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", prior)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 0 {
		t.Fatalf("expected empty selection to be accepted as a stop signal on a later round, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteStripsMarkdownFence(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{
		Text: "Here you go:\n```json\n{\"selected_agent_keys\":[\"analyst\"]}\n```",
	}})
	decision, err := m.Route(context.Background(), agents(), "do it", "manager-default", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.SelectedAgentKeys) != 1 || decision.SelectedAgentKeys[0] != "analyst" {
		t.Fatalf("expected fenced JSON to parse, got %+v", decision.SelectedAgentKeys)
	}
}

func TestRouteRequiresAtLeastOneAgent(t *testing.T) {
	m := NewManager(&fakeGateway{})
	_, err := m.Route(context.Background(), nil, "hi", "manager-default", nil)
	if err == nil {
		t.Fatal("expected error for empty agent list")
	}
}

func TestEvaluateRoundContinueTrue(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{Text: `{"continue": true}`}})
	decision := m.EvaluateRound(context.Background(), "manager-default", "do it", nil, 1)
	if !decision.ShouldContinue {
		t.Fatal("expected should_continue=true")
	}
}

func TestEvaluateRoundDefaultsFalseOnGatewayError(t *testing.T) {
	m := NewManager(&fakeGateway{err: errors.New("boom")})
	decision := m.EvaluateRound(context.Background(), "manager-default", "do it", nil, 1)
	if decision.ShouldContinue {
		t.Fatal("expected should_continue=false on gateway error")
	}
}

func TestEvaluateRoundDefaultsFalseOnMalformedJSON(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{Text: "nonsense"}})
	decision := m.EvaluateRound(context.Background(), "manager-default", "do it", nil, 1)
	if decision.ShouldContinue {
		t.Fatal("expected should_continue=false on malformed JSON")
	}
}

func TestSynthesizeHappyPath(t *testing.T) {
	m := NewManager(&fakeGateway{resp: &gwcore.GatewayResponse{Text: "consolidated answer"}})
	result, err := m.Synthesize(context.Background(), "manager-default", "do it",
		[]SpecialistOutput{{Name: "Writer", Text: "draft"}, {Name: "Analyst", Text: "numbers check out"}}, 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "consolidated answer" {
		t.Fatalf("unexpected synthesis text: %q", result.Text)
	}
}

func TestSynthesizePropagatesGatewayError(t *testing.T) {
	m := NewManager(&fakeGateway{err: errors.New("boom")})
	_, err := m.Synthesize(context.Background(), "manager-default", "do it",
		[]SpecialistOutput{{Name: "Writer", Text: "draft"}}, 512)
	if err == nil {
		t.Fatal("expected synthesis to propagate gateway error")
	}
}

func TestStripJSONFencesExtractsFromSurroundingProse(t *testing.T) {
	in := "Sure, here is the JSON:\n```json\n{\"a\":1}\n```\nLet me know if you need more."
	out := stripJSONFences(in)
	if out != `{"a":1}` {
		t.Fatalf("expected fenced JSON extracted from surrounding prose, got %q", out)
	}
}

func TestStripJSONFencesPassesThroughUnfenced(t *testing.T) {
	in := `{"a":1}`
	if out := stripJSONFences(in); out != in {
		t.Fatalf("expected unfenced text unchanged, got %q", out)
	}
}
