package search

import (
	"context"
	"fmt"

	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "search_web"

// Output is the tool's result shape. Results is never null.
type Output struct {
	Results []Result `json:"results"`
}

// NewTool exposes mgr to the model as search_web.
func NewTool(mgr *Manager) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Search the web for upcoming events, movies, concerts, or activities. Returns a list of relevant results with titles, URLs, and content.",
		Parameters:  ToolDefinition(),
		Handler:     ToolHandler(mgr),
	}
}

// ToolHandler runs a query from decoded tool arguments. A "provider"
// argument picks a backend other than the default.
func ToolHandler(mgr *Manager) tools.Handler {
	return func(ctx context.Context, args map[string]any, _ *identity.Identity) (any, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("%s: query is required", ToolName)
		}

		var opts Options
		if n, ok := args["count"].(float64); ok {
			opts.Count = int(n)
		}
		opts.Language, _ = args["language"].(string)

		provider, _ := args["provider"].(string)
		if provider == "" {
			provider = mgr.Primary()
		}
		results, err := mgr.SearchWith(ctx, provider, query, opts)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []Result{}
		}
		return Output{Results: results}, nil
	}
}

// ToolDefinition is the JSON Schema for search_web's arguments.
func ToolDefinition() map[string]any {
	prop := func(typ, desc string) map[string]any {
		return map[string]any{"type": typ, "description": desc}
	}
	count := prop("integer", fmt.Sprintf("Maximum number of results to return (1-%d).", MaxCount))
	count["minimum"] = 1
	count["maximum"] = MaxCount

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":    prop("string", "The search query to find events, movies, or activities."),
			"count":    count,
			"language": prop("string", "ISO 639-1 language code for results (e.g., 'en', 'de')."),
			"provider": prop("string", "Search provider to use. Omit for default."),
		},
		"required": []string{"query"},
	}
}
