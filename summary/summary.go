// Package summary implements the SummaryPipeline: folding a contiguous
// prefix of shared history into a compact summary, then extracting its
// structured facts/decisions/open-questions/action-items. Grounded on
// original_source services/orchestration/summary_generator.py and
// summary_extractor.py (shape inferred from their sessions.py call sites,
// both files truncated by this pack's pre-filter), combined with spec.md
// §4.7's fallback rule.
package summary

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pantheon-labs/pantheon-core/gwcore"
)

const maxGenerateOutputTokens = 512
const fallbackCharLimit = 1200

// GenerateResult is the outcome of Generate.
type GenerateResult struct {
	SummaryText  string
	UsedFallback bool
}

// rewritePrompt asks the model gateway for strict JSON {"summary_text": "..."}.
const rewritePrompt = `Summarize the conversation history below into a compact, factual recap. ` +
	`Respond with strict JSON of the form {"summary_text": "..."} and nothing else.`

type rewriteResponse struct {
	SummaryText string `json:"summary_text"`
}

// Gateway is the narrow surface Generate/Extract need from the
// ModelGateway — a single round-trip chat call.
type Gateway interface {
	ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error)
}

// Pipeline is the SummaryPipeline.
type Pipeline struct {
	gw Gateway
}

// NewPipeline constructs a Pipeline bound to a ModelGateway.
func NewPipeline(gw Gateway) *Pipeline {
	return &Pipeline{gw: gw}
}

// Generate produces a compact summary of rawText via the gateway. On any
// JSON parse failure it deterministically falls back to the first 1200
// characters of rawText, trimmed, and sets UsedFallback.
func (p *Pipeline) Generate(ctx context.Context, rawText string, modelAlias string) GenerateResult {
	resp, err := p.gw.ChatCompletion(ctx, &gwcore.GatewayRequest{
		ModelAlias:      modelAlias,
		MaxOutputTokens: maxGenerateOutputTokens,
		Messages: []gwcore.GatewayMessage{
			{Role: gwcore.RoleSystem, Content: rewritePrompt},
			{Role: gwcore.RoleUser, Content: rawText},
		},
	})
	if err != nil {
		return fallbackSummary(rawText)
	}

	var parsed rewriteResponse
	if jsonErr := json.Unmarshal([]byte(stripFences(resp.Text)), &parsed); jsonErr != nil || strings.TrimSpace(parsed.SummaryText) == "" {
		return fallbackSummary(rawText)
	}
	return GenerateResult{SummaryText: parsed.SummaryText, UsedFallback: false}
}

func fallbackSummary(rawText string) GenerateResult {
	text := rawText
	if len(text) > fallbackCharLimit {
		text = text[:fallbackCharLimit]
	}
	return GenerateResult{SummaryText: strings.TrimSpace(text), UsedFallback: true}
}

// Structure is the extracted structured form of a summary.
type Structure struct {
	KeyFacts      []string
	Decisions     []string
	OpenQuestions []string
	ActionItems   []string
}

type extractResponse struct {
	KeyFacts      []string `json:"key_facts"`
	Decisions     []string `json:"decisions"`
	OpenQuestions []string `json:"open_questions"`
	ActionItems   []string `json:"action_items"`
}

const extractPrompt = `Extract structured notes from the summary below. Respond with strict JSON of the form ` +
	`{"key_facts": [...], "decisions": [...], "open_questions": [...], "action_items": [...]}, each a list of ` +
	`short, trimmed, non-empty strings, and nothing else.`

// Extract derives {key_facts, decisions, open_questions, action_items}
// from summaryText via the gateway. On any parse failure it returns empty
// arrays — it never raises.
func (p *Pipeline) Extract(ctx context.Context, summaryText string, modelAlias string) Structure {
	resp, err := p.gw.ChatCompletion(ctx, &gwcore.GatewayRequest{
		ModelAlias:      modelAlias,
		MaxOutputTokens: maxGenerateOutputTokens,
		Messages: []gwcore.GatewayMessage{
			{Role: gwcore.RoleSystem, Content: extractPrompt},
			{Role: gwcore.RoleUser, Content: summaryText},
		},
	})
	if err != nil {
		return Structure{}
	}

	var parsed extractResponse
	if jsonErr := json.Unmarshal([]byte(stripFences(resp.Text)), &parsed); jsonErr != nil {
		return Structure{}
	}
	return Structure{
		KeyFacts:      trimNonEmpty(parsed.KeyFacts),
		Decisions:     trimNonEmpty(parsed.Decisions),
		OpenQuestions: trimNonEmpty(parsed.OpenQuestions),
		ActionItems:   trimNonEmpty(parsed.ActionItems),
	}
}

func trimNonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// jsonFence matches a ```json ... ``` or ``` ... ``` wrapper anywhere in the
// text, DOTALL, matching routingmgr's fence-extraction rule — summary
// responses are subject to the same model habit of wrapping JSON in prose.
var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripFences extracts the fenced body if the model wrapped its JSON in a
// markdown code fence, searching anywhere in the text rather than assuming
// the fence is anchored at the start/end.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := jsonFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
