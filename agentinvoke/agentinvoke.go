// Package agentinvoke implements the per-agent tool-call loop: one agent,
// one base message list, up to 4 gateway round-trips while the model keeps
// requesting tools, with an optional streaming fast path when no tools are
// permitted. Grounded on original_source services/orchestration/
// mode_executor.py::PurePythonModeExecutor._invoke_agent/_convert_telemetry.
package agentinvoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pantheon-labs/pantheon-core/gwcore"
	"github.com/pantheon-labs/pantheon-core/toolset"
)

const loopLimit = 4

// ActiveAgent is the narrow per-agent view Invoke needs to build requests
// and label its output.
type ActiveAgent struct {
	AgentID         *string
	AgentKey        *string
	Name            string
	ModelAlias      string
	RolePrompt      string
	ToolPermissions []string
}

func (a ActiveAgent) permits(tool string) bool {
	for _, t := range a.ToolPermissions {
		if t == tool {
			return true
		}
	}
	return false
}

// EventSink streams per-turn events (chunk/tool_start/tool_end) to callers
// that want live output. A nil sink disables streaming and event emission
// entirely — Invoke always works without one.
type EventSink func(kind string, payload map[string]any)

func emit(sink EventSink, kind string, payload map[string]any) {
	if sink != nil {
		sink(kind, payload)
	}
}

// Gateway is the narrow ModelGateway surface Invoke needs.
type Gateway interface {
	ChatCompletion(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.GatewayResponse, error)
	ChatCompletionStream(ctx context.Context, req *gwcore.GatewayRequest) (*gwcore.StreamHandle, error)
}

// UsageEntry is one gateway round-trip's usage, destined to become a
// UsageEvent row. AgentID is nil for manager/synthesis calls.
type UsageEntry struct {
	AgentID            *string
	ModelAlias         string
	ProviderModel      string
	InputTokensFresh   int
	InputTokensCached  int
	OutputTokens       int
	TotalTokens        int
}

// ToolCallRecord is one tool invocation's outcome, numbered in call order —
// the Go analogue of _convert_telemetry's tool_call_N ids.
type ToolCallRecord struct {
	ToolName   string
	InputJSON  string
	OutputJSON string
	Status     string
	LatencyMs  int64
	ToolCallID string
}

// Result is Invoke's full outcome: the agent's final text, whether it
// completed successfully, and everything the turn coordinator needs to
// persist (usage rows, tool-call rows).
type Result struct {
	Text         string
	Success      bool
	UsageEntries []UsageEntry
	ToolCalls    []ToolCallRecord
}

// Invoke drives one agent through up to loopLimit gateway round-trips,
// dispatching any tool calls the model requests via tools, until the model
// stops requesting tools or the loop limit is hit. On any error it returns
// the "[[agent_error]]" sentinel text with Success=false — it never panics
// or propagates the error to the caller, matching the original's
// catch-and-sentinel behavior.
func Invoke(ctx context.Context, gw Gateway, tools *toolset.Registry, agent ActiveAgent, baseMessages []gwcore.GatewayMessage, maxOutputTokens int, sink EventSink) Result {
	var telemetry []ToolCallRecord
	var usage []UsageEntry

	messages := append([]gwcore.GatewayMessage{}, baseMessages...)

	for i := 0; i < loopLimit; i++ {
		req := &gwcore.GatewayRequest{
			ModelAlias:      agent.ModelAlias,
			Messages:        messages,
			MaxOutputTokens: maxOutputTokens,
			Tools:           gwcore.BuildToolSchemas(agent.ToolPermissions),
		}

		useStreaming := len(agent.ToolPermissions) == 0 && sink != nil
		if !useStreaming {
			resp, err := gw.ChatCompletion(ctx, req)
			if err != nil {
				return errorResult(agent, err, sink)
			}
			usage = append(usage, usageEntry(agent, resp))

			if len(resp.ToolCalls) == 0 {
				emit(sink, "chunk", map[string]any{"delta": agent.Name + ": " + resp.Text})
				return Result{Text: resp.Text, Success: true, UsageEntries: usage, ToolCalls: telemetry}
			}

			messages = append(messages, gwcore.GatewayMessage{
				Role: gwcore.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls,
			})

			for _, tc := range resp.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(tc.ArgsJSON), &args)

				emit(sink, "tool_start", map[string]any{"tool": tc.Name, "args": args})

				resultText, rec := dispatchToolCall(ctx, tools, agent, tc, args)
				rec.ToolCallID = fmt.Sprintf("tool_call_%d", len(telemetry)+1)
				telemetry = append(telemetry, rec)

				emit(sink, "tool_end", map[string]any{"tool": tc.Name, "result": resultText})

				messages = append(messages, gwcore.GatewayMessage{
					Role: gwcore.RoleTool, Content: resultText, ToolCallID: tc.ID,
				})
			}
			continue
		}

		handle, err := gw.ChatCompletionStream(ctx, req)
		if err != nil {
			return errorResult(agent, err, sink)
		}

		var b strings.Builder
		first := true
		for delta := range handle.Deltas {
			if first {
				emit(sink, "chunk", map[string]any{"delta": agent.Name + ": "})
				first = false
			}
			b.WriteString(delta.Text)
			emit(sink, "chunk", map[string]any{"delta": delta.Text})
		}

		streamUsage, uErr := handle.Usage.Wait(ctx)
		if uErr != nil {
			return errorResult(agent, uErr, sink)
		}
		providerModel, pErr := handle.ProviderModel.Wait(ctx)
		if pErr != nil {
			return errorResult(agent, pErr, sink)
		}

		usage = append(usage, UsageEntry{
			AgentID:           agent.AgentID,
			ModelAlias:        agent.ModelAlias,
			ProviderModel:     providerModel,
			InputTokensFresh:  streamUsage.Fresh,
			InputTokensCached: streamUsage.Cached,
			OutputTokens:      streamUsage.Output,
			TotalTokens:       streamUsage.Total,
		})
		return Result{Text: b.String(), Success: true, UsageEntries: usage, ToolCalls: telemetry}
	}

	return Result{
		Text:         "Agent iteration limit exceeded due to too many tool calls.",
		Success:      false,
		UsageEntries: usage,
		ToolCalls:    telemetry,
	}
}

func usageEntry(agent ActiveAgent, resp *gwcore.GatewayResponse) UsageEntry {
	return UsageEntry{
		AgentID:           agent.AgentID,
		ModelAlias:        agent.ModelAlias,
		ProviderModel:     resp.ProviderModel,
		InputTokensFresh:  resp.Usage.Fresh,
		InputTokensCached: resp.Usage.Cached,
		OutputTokens:      resp.Usage.Output,
		TotalTokens:       resp.Usage.Total,
	}
}

func dispatchToolCall(ctx context.Context, tools *toolset.Registry, agent ActiveAgent, tc gwcore.ToolCall, args map[string]any) (string, ToolCallRecord) {
	if tools == nil {
		return "ToolError: Unknown tool " + tc.Name, ToolCallRecord{ToolName: tc.Name, Status: toolset.StatusError, OutputJSON: `{"error":"no tool registry configured"}`}
	}

	var call toolset.Call
	switch tc.Name {
	case "search":
		query, _ := args["query"].(string)
		call = toolset.Call{Kind: toolset.KindSearch, Query: query}
	case "file_read":
		fileID, _ := args["file_id"].(string)
		call = toolset.Call{Kind: toolset.KindFileRead, FileID: fileID}
	default:
		return "ToolError: Unknown tool " + tc.Name, ToolCallRecord{ToolName: tc.Name, Status: toolset.StatusError, OutputJSON: `{"error":"unrecognized tool name"}`}
	}

	permitted := agent.permits(tc.Name)
	text, telemetry := tools.Dispatch(ctx, call, permitted, "")
	return text, ToolCallRecord{
		ToolName:   telemetry.ToolName,
		InputJSON:  telemetry.InputJSON,
		OutputJSON: telemetry.OutputJSON,
		Status:     telemetry.Status,
		LatencyMs:  telemetry.LatencyMs,
	}
}

func errorResult(agent ActiveAgent, err error, sink EventSink) Result {
	msg := fmt.Sprintf("[[agent_error]] type=%s message=%s", errorTypeName(err), err.Error())
	emit(sink, "chunk", map[string]any{"delta": agent.Name + ": " + msg})
	return Result{Text: msg, Success: false}
}

// errorTypeName approximates Python's exc.__class__.__name__ for the
// sentinel format, using the handful of error kinds that can actually
// surface from a gateway round-trip.
func errorTypeName(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	default:
		return "GatewayError"
	}
}
