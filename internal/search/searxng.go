package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/calexplorer/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance. The instance must have
// the json output format enabled.
type SearXNG struct {
	base string
	http *http.Client
}

// NewSearXNG creates a backend rooted at baseURL, e.g.
// "http://localhost:8080".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		base: strings.TrimRight(baseURL, "/"),
		http: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

// Search trims results locally; SearXNG has no page-size parameter.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{"q": {query}, "format": {"json"}}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}

	var body struct {
		Results []struct {
			Title         string `json:"title"`
			URL           string `json:"url"`
			Content       string `json:"content"`
			PublishedDate string `json:"publishedDate"`
		} `json:"results"`
	}
	if err := fetchJSON(s.http, s.Name(), req, &body); err != nil {
		return nil, err
	}

	hits := body.Results
	if n := opts.limit(5); len(hits) > n {
		hits = hits[:n]
	}
	out := make([]Result, len(hits))
	for i, r := range hits {
		out[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Content, PublishedDate: r.PublishedDate}
	}
	return out, nil
}
