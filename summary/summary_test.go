package summary

import (
	"context"
	"errors"
	"strings"
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

func TestGenerateHappyPath(t *testing.T) {
	p := NewPipeline(&fakeGateway{resp: &gwcore.GatewayResponse{Text: `{"summary_text":"a concise recap"}`}})
	result := p.Generate(context.Background(), "long raw history...", "summary-default")
	if result.UsedFallback || result.SummaryText != "a concise recap" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGenerateFallsBackOnGatewayError(t *testing.T) {
	p := NewPipeline(&fakeGateway{err: errors.New("boom")})
	raw := strings.Repeat("x", 2000)
	result := p.Generate(context.Background(), raw, "summary-default")
	if !result.UsedFallback {
		t.Fatal("expected fallback on gateway error")
	}
	if len(result.SummaryText) != fallbackCharLimit {
		t.Fatalf("expected fallback truncated to %d chars, got %d", fallbackCharLimit, len(result.SummaryText))
	}
}

func TestGenerateFallsBackOnMalformedJSON(t *testing.T) {
	p := NewPipeline(&fakeGateway{resp: &gwcore.GatewayResponse{Text: "not json"}})
	result := p.Generate(context.Background(), "short text", "summary-default")
	if !result.UsedFallback || result.SummaryText != "short text" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGenerateStripsMarkdownFence(t *testing.T) {
	p := NewPipeline(&fakeGateway{resp: &gwcore.GatewayResponse{Text: "```json\n{\"summary_text\":\"fenced\"}\n```"}})
	result := p.Generate(context.Background(), "raw", "summary-default")
	if result.UsedFallback || result.SummaryText != "fenced" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExtractHappyPath(t *testing.T) {
	p := NewPipeline(&fakeGateway{resp: &gwcore.GatewayResponse{
		Text: `{"key_facts":["fact one"," "],"decisions":[],"open_questions":["q1"],"action_items":[]}`,
	}})
	s := p.Extract(context.Background(), "summary text", "summary-default")
	if len(s.KeyFacts) != 1 || s.KeyFacts[0] != "fact one" {
		t.Fatalf("expected blank entries trimmed out, got %+v", s.KeyFacts)
	}
	if len(s.OpenQuestions) != 1 || s.OpenQuestions[0] != "q1" {
		t.Fatalf("unexpected open questions: %+v", s.OpenQuestions)
	}
}

func TestExtractReturnsEmptyOnFailureNeverRaises(t *testing.T) {
	p := NewPipeline(&fakeGateway{err: errors.New("down")})
	s := p.Extract(context.Background(), "summary text", "summary-default")
	if len(s.KeyFacts) != 0 || len(s.Decisions) != 0 || len(s.OpenQuestions) != 0 || len(s.ActionItems) != 0 {
		t.Fatalf("expected all-empty structure, got %+v", s)
	}
}
