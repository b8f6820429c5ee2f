package gwcore

import (
	"context"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider adapts GatewayRequest/GatewayResponse to the OpenAI Chat
// Completions API, and doubles as the connector for any OpenAI-wire-
// compatible endpoint (self-hosted gateways, vLLM, Ollama's OpenAI shim)
// via baseURL — one concrete Provider standing in for the teacher's
// per-vendor connectors, since the spec's model-alias catalog only needs a
// provider dispatch, not a connector per vendor (see DESIGN.md). Grounded
// on intelligencedev-manifold's internal/llm/openai/client.go.
type OpenAIProvider struct {
	sdk sdk.Client
}

// NewOpenAIProvider constructs a provider bound to an API key and base URL
// (empty baseURL uses the default OpenAI endpoint).
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{sdk: sdk.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) buildParams(providerModel string, req *GatewayRequest) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(providerModel),
		Messages: adaptOpenAIMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxOutputTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptOpenAITools(req.Tools)
	}
	if len(req.Stop) > 0 {
		params.Stop = sdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, providerModel string, req *GatewayRequest) (*GatewayResponse, error) {
	params := p.buildParams(providerModel, req)
	comp, err := p.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(comp.Choices) == 0 {
		return nil, fmt.Errorf("gwcore: openai response had no choices")
	}
	msg := comp.Choices[0].Message
	var calls []ToolCall
	for _, tc := range msg.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, ArgsJSON: tc.Function.Arguments})
	}
	return &GatewayResponse{
		Text:          msg.Content,
		ProviderModel: string(comp.Model),
		ToolCalls:     calls,
		Usage: Usage{
			Fresh:    int(comp.Usage.PromptTokens),
			Cached:   0,
			Output:   int(comp.Usage.CompletionTokens),
			Total:    int(comp.Usage.TotalTokens),
			Reported: comp.Usage.TotalTokens > 0,
		},
	}, nil
}

func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, providerModel string, req *GatewayRequest) (*StreamHandle, error) {
	params := p.buildParams(providerModel, req)

	deltas := make(chan StreamDelta)
	usageFuture := NewOneShot[Usage]()
	modelFuture := NewOneShot[string]()

	go func() {
		defer close(deltas)
		stream := p.sdk.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		model := providerModel
		var promptTokens, completionTokens, totalTokens int64
		for stream.Next() {
			chunk := stream.Current()
			if string(chunk.Model) != "" {
				model = string(chunk.Model)
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				deltas <- StreamDelta{Text: chunk.Choices[0].Delta.Content}
			}
			if chunk.Usage.TotalTokens > 0 {
				promptTokens = chunk.Usage.PromptTokens
				completionTokens = chunk.Usage.CompletionTokens
				totalTokens = chunk.Usage.TotalTokens
			}
		}
		modelFuture.Resolve(model)
		usageFuture.Resolve(Usage{
			Fresh:    int(promptTokens),
			Output:   int(completionTokens),
			Total:    int(totalTokens),
			Reported: totalTokens > 0,
		})
	}()

	return &StreamHandle{Deltas: deltas, Usage: usageFuture, ProviderModel: modelFuture}, nil
}

func adaptOpenAIMessages(msgs []GatewayMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		case RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func adaptOpenAITools(tools []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  t.Parameters,
		}))
	}
	return out
}
