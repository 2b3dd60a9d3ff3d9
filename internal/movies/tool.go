package movies

import (
	"context"
	"fmt"

	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "get_movie_details"

// Looker is satisfied by *OMDb.
type Looker interface {
	Lookup(ctx context.Context, title string) (*Details, error)
}

// NewTool wraps a Looker as the get_movie_details tool.
func NewTool(l Looker) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Fetch detailed information about a movie including poster, plot, release date, and ratings from OMDb.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "The exact title of the movie to fetch details for.",
				},
			},
			"required": []string{"title"},
		},
		Handler: func(ctx context.Context, args map[string]any, _ *identity.Identity) (any, error) {
			title, _ := args["title"].(string)
			if title == "" {
				return nil, fmt.Errorf("%s: title is required", ToolName)
			}
			return l.Lookup(ctx, title)
		},
	}
}
