package gwcore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts GatewayRequest/GatewayResponse to the Anthropic
// Messages API. Grounded on intelligencedev-manifold's
// internal/llm/anthropic/client.go (adaptMessages/adaptTools/
// messageFromResponse), trimmed to the subset spec.md §4.4 needs — no
// prompt-caching controls, no extended-thinking budget tuning, since
// neither is part of this system's contract.
type AnthropicProvider struct {
	sdk       anthropic.Client
	maxTokens int64
}

// NewAnthropicProvider constructs a provider bound to an API key (and
// optional base URL override for compatible gateways).
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{sdk: anthropic.NewClient(opts...), maxTokens: 4096}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) buildParams(providerModel string, req *GatewayRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := adaptAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := p.maxTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = int64(req.MaxOutputTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(providerModel),
		System:    system,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(req.Tools) > 0 {
		tools, err := adaptAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params, nil
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, providerModel string, req *GatewayRequest) (*GatewayResponse, error) {
	params, err := p.buildParams(providerModel, req)
	if err != nil {
		return nil, err
	}
	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return anthropicResponseToGateway(resp, req), nil
}

func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, providerModel string, req *GatewayRequest) (*StreamHandle, error) {
	params, err := p.buildParams(providerModel, req)
	if err != nil {
		return nil, err
	}

	deltas := make(chan StreamDelta)
	usageFuture := NewOneShot[Usage]()
	modelFuture := NewOneShot[string]()

	go func() {
		defer close(deltas)
		stream := p.sdk.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			_ = acc.Accumulate(event)
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if textDelta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
					deltas <- StreamDelta{Text: textDelta.Text}
				}
			}
		}
		modelFuture.Resolve(string(acc.Model))
		usageFuture.Resolve(Usage{
			Fresh:    int(acc.Usage.CacheCreationInputTokens + acc.Usage.InputTokens),
			Cached:   int(acc.Usage.CacheReadInputTokens),
			Output:   int(acc.Usage.OutputTokens),
			Total:    int(acc.Usage.CacheCreationInputTokens + acc.Usage.InputTokens + acc.Usage.CacheReadInputTokens + acc.Usage.OutputTokens),
			Reported: true,
		})
	}()

	return &StreamHandle{Deltas: deltas, Usage: usageFuture, ProviderModel: modelFuture}, nil
}

func adaptAnthropicMessages(msgs []GatewayMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("gwcore: unsupported role %q for anthropic provider", m.Role)
		}
	}
	return system, out, nil
}

func adaptAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, err
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, err
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out, nil
}

func anthropicResponseToGateway(resp *anthropic.Message, req *GatewayRequest) *GatewayResponse {
	var text strings.Builder
	var thinking strings.Builder
	var calls []ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ThinkingBlock:
			thinking.WriteString(v.Thinking)
		case anthropic.ToolUseBlock:
			argsJSON, _ := json.Marshal(v.Input)
			calls = append(calls, ToolCall{ID: v.ID, Name: v.Name, ArgsJSON: string(argsJSON)})
		}
	}
	fresh := int(resp.Usage.CacheCreationInputTokens + resp.Usage.InputTokens)
	cached := int(resp.Usage.CacheReadInputTokens)
	output := int(resp.Usage.OutputTokens)
	return &GatewayResponse{
		Text:          text.String(),
		ProviderModel: string(resp.Model),
		ToolCalls:     calls,
		Thinking:      thinking.String(),
		Usage: Usage{
			Fresh:    fresh,
			Cached:   cached,
			Output:   output,
			Total:    fresh + cached + output,
			Reported: true,
		},
	}
}
