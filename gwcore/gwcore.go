// Package gwcore implements the ModelGateway: a provider-uniform chat
// request/response shape, tool-definition injection, structured-output
// parsing, streaming, and usage extraction. Grounded on original_source
// services/llm/gateway.py (GatewayMessage/GatewayUsage/GatewayRequest/
// GatewayResponse/StreamingContext) and the teacher's provider.Provider
// interface.
package gwcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pantheon-labs/pantheon-core/tokenest"
)

// Role tags a GatewayMessage the way the provider wire formats expect.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a provider-reported tool invocation request.
type ToolCall struct {
	ID      string
	Name    string
	ArgsJSON string
}

// GatewayMessage is the uniform role-tagged message shape every provider
// implementation adapts to and from.
type GatewayMessage struct {
	Role       Role
	Content    string
	Name       string // agent_key when present, for cross-agent history rendering
	ToolCallID string // set on Role == RoleTool
	ToolCalls  []ToolCall
}

// Usage is the uniform token-usage shape (spec.md §4.4).
type Usage struct {
	Fresh    int
	Cached   int
	Output   int
	Total    int
	Reported bool // true when the provider itself supplied these numbers
}

// ToolSchema is one allowed-tool definition, OpenAI function-calling shaped,
// translated per-provider by each Provider implementation.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema object
}

// GatewayRequest is the uniform chat-completion request.
type GatewayRequest struct {
	ModelAlias       string
	Messages         []GatewayMessage
	MaxOutputTokens  int
	Tools            []ToolSchema // non-empty injects tool schemas
	ResponseSchema   json.RawMessage // not forwarded by either Provider implementation
	Stop             []string
}

// GatewayResponse is the uniform chat-completion response.
type GatewayResponse struct {
	Text          string
	ProviderModel string
	Usage         Usage
	ToolCalls     []ToolCall
	Thinking      string // never surfaced to users; diagnostic only
}

// StructuredOutput is the expected shape when GatewayRequest.ResponseSchema
// is set: {"response": "...", "thinking": "..."}.
type StructuredOutput struct {
	Response string `json:"response"`
	Thinking string `json:"thinking"`
}

// ParseStructuredOutput applies the fallback rule from original_source's
// generate(): on any json.Unmarshal failure, return the raw text unchanged
// with empty thinking — never raise. It is a standalone helper: Gateway
// does not call it, and no provider requests structured output.
func ParseStructuredOutput(raw string) (text string, thinking string) {
	var parsed StructuredOutput
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return raw, ""
	}
	return parsed.Response, parsed.Thinking
}

// Provider is the interface every concrete LLM connector implements.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string
	ChatCompletion(ctx context.Context, providerModel string, req *GatewayRequest) (*GatewayResponse, error)
	ChatCompletionStream(ctx context.Context, providerModel string, req *GatewayRequest) (*StreamHandle, error)
}

// StreamDelta is one text chunk of a streaming response.
type StreamDelta struct {
	Text string
}

// StreamHandle is the streaming variant's return shape: an async sequence
// of text deltas plus two eventually-resolved values, modeled as one-shot
// promises (original_source's StreamingContext asyncio.Future pair).
type StreamHandle struct {
	Deltas        <-chan StreamDelta
	Usage         *OneShot[Usage]
	ProviderModel *OneShot[string]
}

// OneShot is a close-once promise: Resolve may be called at most once
// (subsequent calls are no-ops), and Wait blocks until resolution or ctx
// cancellation.
type OneShot[T any] struct {
	once sync.Once
	ch   chan T
}

// NewOneShot constructs an unresolved promise.
func NewOneShot[T any]() *OneShot[T] {
	return &OneShot[T]{ch: make(chan T, 1)}
}

// Resolve fulfills the promise. Only the first call has effect.
func (o *OneShot[T]) Resolve(v T) {
	o.once.Do(func() {
		o.ch <- v
		close(o.ch)
	})
}

// Wait blocks for resolution or ctx cancellation.
func (o *OneShot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v, ok := <-o.ch:
		if !ok {
			var zero T
			return zero, fmt.Errorf("gwcore: promise resolved with no value")
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AliasEntry maps a model_alias to a concrete provider + provider model id.
type AliasEntry struct {
	Provider        string
	ProviderModelID string
}

// Catalog is the static model_alias → (provider, provider_model_id) table.
type Catalog map[string]AliasEntry

// Gateway dispatches a GatewayRequest to the provider its ModelAlias
// resolves to, falling back to TokenEstimator when a provider omits usage
// on a non-streaming call. Unknown aliases are passed through unchanged to
// the default provider (spec.md §6 "unknown aliases are passed through
// unchanged").
type Gateway struct {
	catalog         Catalog
	providers       map[string]Provider
	defaultProvider string
}

// NewGateway constructs a Gateway over a static catalog and a provider set.
func NewGateway(catalog Catalog, providers map[string]Provider, defaultProvider string) *Gateway {
	return &Gateway{catalog: catalog, providers: providers, defaultProvider: defaultProvider}
}

func (g *Gateway) resolve(alias string) (Provider, string, error) {
	entry, ok := g.catalog[alias]
	providerName := g.defaultProvider
	modelID := alias
	if ok {
		providerName = entry.Provider
		modelID = entry.ProviderModelID
	}
	p, ok := g.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("gwcore: no provider registered for %q", providerName)
	}
	return p, modelID, nil
}

// ChatCompletion resolves req.ModelAlias and delegates to the matching
// Provider, back-filling usage via TokenEstimator when the provider did
// not report it.
func (g *Gateway) ChatCompletion(ctx context.Context, req *GatewayRequest) (*GatewayResponse, error) {
	p, modelID, err := g.resolve(req.ModelAlias)
	if err != nil {
		return nil, err
	}
	resp, err := p.ChatCompletion(ctx, modelID, req)
	if err != nil {
		return nil, err
	}
	if !resp.Usage.Reported {
		g.estimateUsage(req, resp)
	}
	return resp, nil
}

// ChatCompletionStream resolves req.ModelAlias and returns the provider's
// streaming handle unchanged: its Usage future resolves to whatever the
// provider reports. Unlike ChatCompletion, no TokenEstimator backfill is
// applied on the streaming path.
func (g *Gateway) ChatCompletionStream(ctx context.Context, req *GatewayRequest) (*StreamHandle, error) {
	p, modelID, err := g.resolve(req.ModelAlias)
	if err != nil {
		return nil, err
	}
	handle, err := p.ChatCompletionStream(ctx, modelID, req)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// estimateUsage back-fills resp.Usage from the assembled input and the
// generated output using TokenEstimator, per spec.md §4.4 "Fallback".
func (g *Gateway) estimateUsage(req *GatewayRequest, resp *GatewayResponse) {
	inputTexts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		inputTexts = append(inputTexts, m.Content)
	}
	fresh := tokenest.EstimateAll(inputTexts)
	output := tokenest.Estimate(resp.Text)
	resp.Usage = Usage{
		Fresh:  fresh,
		Cached: 0,
		Output: output,
		Total:  fresh + output,
	}
}
