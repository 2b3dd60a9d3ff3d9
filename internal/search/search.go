// Package search backs the search_web tool. Backends implement
// [Provider]; a [Manager] routes each query to the configured default
// or to a backend the model names, and strips markup from what comes
// back so the model sees plain text.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/nugget/calexplorer/internal/httpkit"
)

// MaxCount caps how many results one query may ask for.
const MaxCount = 10

// ErrUnknownProvider is returned when a query names a backend that was
// never registered.
var ErrUnknownProvider = errors.New("search provider not configured")

// Result is one hit. Snippet is plain text once it leaves the Manager.
type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"content,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// Options tune a single query. Zero values leave the choice to the
// backend.
type Options struct {
	Count    int    `json:"count,omitempty"`
	Language string `json:"language,omitempty"` // ISO 639-1
}

// limit returns Count clamped to [1, MaxCount], or def when unset.
func (o Options) limit(def int) int {
	switch {
	case o.Count <= 0:
		return def
	case o.Count > MaxCount:
		return MaxCount
	}
	return o.Count
}

// Provider is a web search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds the registered backends.
type Manager struct {
	byName  map[string]Provider
	primary string
}

// NewManager creates a Manager whose default backend is primary.
func NewManager(primary string) *Manager {
	return &Manager{byName: map[string]Provider{}, primary: primary}
}

// Register adds p, replacing any backend with the same name.
func (m *Manager) Register(p Provider) { m.byName[p.Name()] = p }

// Search queries the default backend.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith queries the named backend.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.byName[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Title = PlainText(results[i].Title)
		results[i].Snippet = PlainText(results[i].Snippet)
	}
	return results, nil
}

// Primary returns the default backend's name.
func (m *Manager) Primary() string { return m.primary }

// Providers lists registered backends by name.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Configured reports whether any backend is registered.
func (m *Manager) Configured() bool { return len(m.byName) > 0 }

// fetchJSON sends req and decodes a 200 response into out. Errors carry
// the backend name.
func fetchJSON(c *http.Client, backend string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", backend, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", backend, err)
	}
	return nil
}
