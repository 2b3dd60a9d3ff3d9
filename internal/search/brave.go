package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/calexplorer/internal/httpkit"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search web API.
type Brave struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewBrave creates a Brave backend authenticated by a subscription token.
func NewBrave(apiKey string) *Brave {
	return &Brave{
		apiKey:   apiKey,
		endpoint: braveEndpoint,
		http:     httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(opts.limit(5)))
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}
	req.Header.Set("X-Subscription-Token", b.apiKey)

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := fetchJSON(b.http, b.Name(), req, &body); err != nil {
		return nil, err
	}

	out := make([]Result, len(body.Web.Results))
	for i, r := range body.Web.Results {
		out[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Description, PublishedDate: r.Age}
	}
	return out, nil
}
