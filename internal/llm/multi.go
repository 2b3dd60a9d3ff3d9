package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoProvider is returned when no client can serve a model.
var ErrNoProvider = errors.New("no provider configured")

// MultiClient routes requests by model name. Models without a mapping,
// or mapped to a provider that was never added, go to the fallback.
type MultiClient struct {
	clients  map[string]Client // provider → client
	models   map[string]string // model → provider
	fallback Client
}

// NewMultiClient creates a router. fallback may be nil, in which case
// unmapped models fail with ErrNoProvider.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("%w for model %q", ErrNoProvider, model)
	}
	return m.fallback, nil
}

// Chat sends a request to the provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request to the provider for the model.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks the fallback and every registered provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return ErrNoProvider
	}
	var errs []error
	if m.fallback != nil {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	for _, name := range m.Providers() {
		if err := m.clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
