package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/calexplorer/internal/httpkit"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily implements the Provider interface for the Tavily search API.
type Tavily struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewTavily creates a Tavily provider.
func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		apiKey:   apiKey,
		endpoint: tavilyEndpoint,
		// Advanced-depth searches are slow.
		http: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
	MaxResults        int    `json:"max_results"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		PublishedDate string  `json:"published_date"`
		Score         float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       query,
		SearchDepth: "advanced",
		// The answer is not surfaced; requesting it improves ranking.
		IncludeAnswer: true,
		MaxResults:    opts.limit(MaxCount),
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	var tr tavilyResponse
	if err := fetchJSON(t.http, t.Name(), req, &tr); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(tr.Results))
	for _, r := range tr.Results {
		results = append(results, Result{
			Title:         r.Title,
			URL:           r.URL,
			Snippet:       r.Content,
			PublishedDate: r.PublishedDate,
		})
	}
	return results, nil
}
