// Package toolset implements the two fixed tools — search and file_read —
// permission-gated per agent, each producing a telemetry record regardless
// of outcome. Grounded on original_source services/tools/{search_tool,
// file_tool,mode_tools,permissions}.py.
package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pantheon-labs/pantheon-core/store"
)

func jsonReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// Kind is the closed tagged-variant tool set (spec.md §9 "Tool dispatch").
type Kind int

const (
	KindSearch Kind = iota
	KindFileRead
)

func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "search"
	case KindFileRead:
		return "file_read"
	default:
		return "unknown"
	}
}

// Call is a tagged-variant tool invocation: Tool = Search(Query) | FileRead(FileId).
type Call struct {
	Kind   Kind
	Query  string // set when Kind == KindSearch
	FileID string // set when Kind == KindFileRead
}

// Telemetry is one tool-call record, destined to become a ToolCallEvent row.
type Telemetry struct {
	ToolName  string
	InputJSON string
	OutputJSON string
	Status    string // "success" | "error"
	LatencyMs int64
	ToolCallID string
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SearchResult is one hit returned by the search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// FileReadOutcome enumerates file_read's possible outcomes.
type FileReadOutcome string

const (
	FileReadCompleted FileReadOutcome = "completed"
	FileReadPending    FileReadOutcome = "pending"
	FileReadFailed     FileReadOutcome = "failed"
	FileReadNotFound   FileReadOutcome = "not_found"
)

// FileStore looks up an UploadedFile scoped to either a room or a
// standalone session. store.Tx satisfies this structurally.
type FileStore interface {
	GetUploadedFile(ctx context.Context, fileID string, roomID, sessionID *string) (*store.UploadedFile, error)
}

// Registry owns the two tool implementations and performs permission-gated
// dispatch.
type Registry struct {
	search SearchProvider
	files  FileStore
}

// SearchProvider performs the external search call.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// NewRegistry constructs a tool Registry.
func NewRegistry(search SearchProvider, files FileStore) *Registry {
	return &Registry{search: search, files: files}
}

// Dispatch invokes call if permitted is true, and always returns a model-
// facing text response plus a Telemetry record — tool failures never raise,
// per spec.md §4.5.
func (r *Registry) Dispatch(ctx context.Context, call Call, permitted bool, toolCallID string) (string, Telemetry) {
	start := time.Now()
	if !permitted {
		return "Unknown tool", Telemetry{
			ToolName:   call.Kind.String(),
			InputJSON:  inputJSON(call),
			OutputJSON: `{"error":"tool not permitted"}`,
			Status:     StatusError,
			LatencyMs:  time.Since(start).Milliseconds(),
			ToolCallID: toolCallID,
		}
	}

	switch call.Kind {
	case KindSearch:
		return r.dispatchSearch(ctx, call, toolCallID, start)
	case KindFileRead:
		return r.dispatchFileRead(ctx, call, toolCallID, start)
	default:
		return "Unknown tool", Telemetry{
			ToolName:   "unknown",
			InputJSON:  inputJSON(call),
			OutputJSON: `{"error":"unknown tool"}`,
			Status:     StatusError,
			LatencyMs:  time.Since(start).Milliseconds(),
			ToolCallID: toolCallID,
		}
	}
}

func (r *Registry) dispatchSearch(ctx context.Context, call Call, toolCallID string, start time.Time) (string, Telemetry) {
	if r.search == nil {
		return "search failed: no search provider configured", Telemetry{
			ToolName: "search", InputJSON: inputJSON(call), OutputJSON: `{"error":"no search provider configured"}`,
			Status: StatusError, LatencyMs: time.Since(start).Milliseconds(), ToolCallID: toolCallID,
		}
	}
	results, err := r.search.Search(ctx, call.Query, 5)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return "search failed: " + err.Error(), Telemetry{
			ToolName:   "search",
			InputJSON:  inputJSON(call),
			OutputJSON: string(out),
			Status:     StatusError,
			LatencyMs:  latency,
			ToolCallID: toolCallID,
		}
	}
	out, _ := json.Marshal(map[string]any{"result_count": len(results), "results": results})
	text, _ := json.Marshal(results)
	return string(text), Telemetry{
		ToolName:   "search",
		InputJSON:  inputJSON(call),
		OutputJSON: string(out),
		Status:     StatusSuccess,
		LatencyMs:  latency,
		ToolCallID: toolCallID,
	}
}

func (r *Registry) dispatchFileRead(ctx context.Context, call Call, toolCallID string, start time.Time) (string, Telemetry) {
	scope := ctxFileScope(ctx)
	row, err := r.files.GetUploadedFile(ctx, call.FileID, scope.roomID, scope.sessionID)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return "file_read failed: " + err.Error(), Telemetry{
			ToolName: "file_read", InputJSON: inputJSON(call), OutputJSON: string(out),
			Status: StatusError, LatencyMs: latency, ToolCallID: toolCallID,
		}
	}
	if row == nil {
		out, _ := json.Marshal(map[string]string{"outcome": string(FileReadNotFound)})
		return "file not found", Telemetry{
			ToolName: "file_read", InputJSON: inputJSON(call), OutputJSON: string(out),
			Status: StatusSuccess, LatencyMs: latency, ToolCallID: toolCallID,
		}
	}

	switch row.ParseStatus {
	case "completed":
		text := ""
		if row.ParsedText != nil {
			text = *row.ParsedText
		}
		out, _ := json.Marshal(map[string]string{"outcome": string(FileReadCompleted)})
		return text, Telemetry{
			ToolName: "file_read", InputJSON: inputJSON(call), OutputJSON: string(out),
			Status: StatusSuccess, LatencyMs: latency, ToolCallID: toolCallID,
		}
	case "pending":
		out, _ := json.Marshal(map[string]string{"outcome": string(FileReadPending)})
		return "still processing", Telemetry{
			ToolName: "file_read", InputJSON: inputJSON(call), OutputJSON: string(out),
			Status: StatusSuccess, LatencyMs: latency, ToolCallID: toolCallID,
		}
	case "failed":
		msg := "parse failed"
		if row.ErrorMessage != nil {
			msg = *row.ErrorMessage
		}
		out, _ := json.Marshal(map[string]string{"outcome": string(FileReadFailed), "error": msg})
		return msg, Telemetry{
			ToolName: "file_read", InputJSON: inputJSON(call), OutputJSON: string(out),
			Status: StatusSuccess, LatencyMs: latency, ToolCallID: toolCallID,
		}
	default:
		out, _ := json.Marshal(map[string]string{"outcome": string(FileReadNotFound)})
		return "file not found", Telemetry{
			ToolName: "file_read", InputJSON: inputJSON(call), OutputJSON: string(out),
			Status: StatusSuccess, LatencyMs: latency, ToolCallID: toolCallID,
		}
	}
}

func inputJSON(call Call) string {
	switch call.Kind {
	case KindSearch:
		b, _ := json.Marshal(map[string]string{"query": call.Query})
		return string(b)
	case KindFileRead:
		b, _ := json.Marshal(map[string]string{"file_id": call.FileID})
		return string(b)
	default:
		return "{}"
	}
}

// fileScope carries the active room/session for a file_read call, threaded
// through context rather than widening the Dispatch signature.
type fileScope struct {
	roomID    *string
	sessionID *string
}

type fileScopeKey struct{}

// WithFileScope attaches the active room/session scope to ctx for the
// duration of one agent invocation.
func WithFileScope(ctx context.Context, roomID, sessionID *string) context.Context {
	return context.WithValue(ctx, fileScopeKey{}, fileScope{roomID: roomID, sessionID: sessionID})
}

func ctxFileScope(ctx context.Context) fileScope {
	if v, ok := ctx.Value(fileScopeKey{}).(fileScope); ok {
		return v
	}
	return fileScope{}
}

// TavilySearchTool calls an external search provider over HTTP, matching
// original_source's TavilySearchTool (15s timeout, POST with api_key).
// net/http is used directly here — no HTTP client library appears anywhere
// in the example corpus for a bare single-endpoint JSON POST (see DESIGN.md).
type TavilySearchTool struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTavilySearchTool constructs a search provider bound to apiKey/baseURL.
func NewTavilySearchTool(apiKey, baseURL string) *TavilySearchTool {
	return &TavilySearchTool{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponseItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type tavilyResponse struct {
	Results []tavilyResponseItem `json:"results"`
}

// Search issues the POST call and maps the provider's response shape onto
// SearchResult. Any transport, status, or decode failure is returned as an
// error for the caller to fold into a telemetry record — it is never
// retried here.
func (t *TavilySearchTool) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	body, err := json.Marshal(tavilyRequest{APIKey: t.apiKey, Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, jsonReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{statusCode: resp.StatusCode}
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		results = append(results, SearchResult{Title: item.Title, URL: item.URL, Snippet: item.Content})
	}
	return results, nil
}

type httpStatusError struct {
	statusCode int
}

func (e *httpStatusError) Error() string {
	return "search provider returned non-2xx status"
}
