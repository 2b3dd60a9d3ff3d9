// Package movies looks up film details for the get_movie_details tool.
package movies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/calexplorer/internal/httpkit"
)

const omdbEndpoint = "https://www.omdbapi.com/"

// ErrNotFound is returned when OMDb has no match for the title.
var ErrNotFound = errors.New("movie not found")

// Details is what the tool returns to the model.
type Details struct {
	Title      string `json:"title"`
	Poster     string `json:"poster"`
	Plot       string `json:"plot"`
	Released   string `json:"released"`
	Year       string `json:"year,omitempty"`
	Runtime    string `json:"runtime,omitempty"`
	Genre      string `json:"genre,omitempty"`
	IMDbRating string `json:"imdbRating,omitempty"`
}

// OMDb is a client for the Open Movie Database API.
type OMDb struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOMDb creates a client. baseURL may be empty.
func NewOMDb(apiKey, baseURL string) *OMDb {
	if baseURL == "" {
		baseURL = omdbEndpoint
	}
	return &OMDb{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
	}
}

type omdbResponse struct {
	Title      string `json:"Title"`
	Year       string `json:"Year"`
	Released   string `json:"Released"`
	Runtime    string `json:"Runtime"`
	Genre      string `json:"Genre"`
	Plot       string `json:"Plot"`
	Poster     string `json:"Poster"`
	IMDbRating string `json:"imdbRating"`
	Response   string `json:"Response"`
	Error      string `json:"Error"`
}

// Lookup fetches details by exact title.
func (o *OMDb) Lookup(ctx context.Context, title string) (*Details, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("omdb: title is required")
	}

	params := url.Values{"t": {title}, "apikey": {o.apiKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("omdb: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("omdb: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("omdb: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var or omdbResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("omdb: decode response: %w", err)
	}
	if or.Response == "False" {
		msg := or.Error
		if msg == "" {
			msg = "no match"
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
	}

	d := &Details{
		Title:      or.Title,
		Poster:     na(or.Poster),
		Plot:       na(or.Plot),
		Released:   na(or.Released),
		Year:       or.Year,
		Runtime:    na(or.Runtime),
		Genre:      na(or.Genre),
		IMDbRating: na(or.IMDbRating),
	}
	if d.Title == "" {
		d.Title = title
	}
	return d, nil
}

// na blanks OMDb's "N/A" placeholder.
func na(s string) string {
	if s == "N/A" {
		return ""
	}
	return s
}
