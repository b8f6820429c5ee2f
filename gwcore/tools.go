package gwcore

// The spec's tool catalog is fixed: search and file_read. Their JSON-schema
// parameter shapes are defined once here rather than per-agent, since every
// agent that permits a tool uses the identical signature.

// SearchToolSchema is the fixed OpenAI-function-calling shape for search.
func SearchToolSchema() ToolSchema {
	return ToolSchema{
		Name:        "search",
		Description: "Search the web for up-to-date information relevant to the query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"query"},
		},
	}
}

// FileReadToolSchema is the fixed OpenAI-function-calling shape for file_read.
func FileReadToolSchema() ToolSchema {
	return ToolSchema{
		Name:        "file_read",
		Description: "Read the parsed text content of a previously uploaded file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_id": map[string]any{
					"type":        "string",
					"description": "Identifier of the uploaded file to read.",
				},
			},
			"required": []string{"file_id"},
		},
	}
}

// BuildToolSchemas returns the ToolSchema set for an allowed-tools list,
// ignoring names that are not part of the fixed catalog.
func BuildToolSchemas(allowed []string) []ToolSchema {
	out := make([]ToolSchema, 0, len(allowed))
	for _, name := range allowed {
		switch name {
		case "search":
			out = append(out, SearchToolSchema())
		case "file_read":
			out = append(out, FileReadToolSchema())
		}
	}
	return out
}
