// Package tools defines the tools available to the agent.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/proposal"
)

// Handler executes a tool. The identity may be nil; mutating tools never
// see a nil or credential-less identity because the registry refuses
// to run them first.
type Handler func(ctx context.Context, args map[string]any, id *identity.Identity) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Mutating marks tools with external side effects. They are hidden
	// from the model unless the agent runs in auto-execute mode.
	Mutating bool    `json:"mutating,omitempty"`
	Handler  Handler `json:"-"`

	schema *jsonschema.Schema
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Filter selects tools for a view of the registry.
type Filter func(*Tool) bool

// ReadOnly keeps only tools without side effects.
func ReadOnly(t *Tool) bool { return !t.Mutating }

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry, compiling its parameter schema.
// Registering an existing name replaces it.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: missing name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: missing handler", t.Name)
	}
	if t.Parameters != nil {
		sch, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("register tool %q: %w", t.Name, err)
		}
		t.schema = sch
	}

	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://calexplorer.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile: %w", err)
	}
	return sch, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// AllToolNames returns the names of all registered tools, sorted.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Filtered returns a new registry sharing the tools that pass filter.
// Executing a tool absent from the view fails with ErrToolUnavailable.
func (r *Registry) Filtered(filter Filter) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{tools: make(map[string]*Tool, len(r.tools)), logger: r.logger}
	for name, t := range r.tools {
		if filter == nil || filter(t) {
			out.tools[name] = t
		}
	}
	return out
}

// List returns tool definitions for the LLM in the function-calling
// shape, sorted by name. A nil filter lists everything.
func (r *Registry) List(filter Filter) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if filter == nil || filter(t) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool call and adapts its outcome into the canonical
// envelope. The envelope is always populated; the error is returned too
// so callers can classify failures with errors.Is and errors.As.
func (r *Registry) Execute(ctx context.Context, call Call, id *identity.Identity) (proposal.Envelope, error) {
	log := r.logger.With(
		"tool", call.Name,
		"tool_call_id", call.ID,
		"has_identity", id.HasCredential(),
	)

	t := r.Get(call.Name)
	if t == nil {
		err := &ErrToolUnavailable{ToolName: call.Name}
		log.Warn("tool unavailable")
		return Adapt(nil, err), err
	}

	if t.Mutating && !id.HasCredential() {
		log.Warn("mutating tool refused without credential")
		return Adapt(nil, ErrUnauthenticated), ErrUnauthenticated
	}

	args, err := normalizeArgs(call.Args)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		return Adapt(nil, err), err
	}
	if t.schema != nil {
		if verr := t.schema.Validate(args); verr != nil {
			err := fmt.Errorf("%w: %v", ErrInvalidArguments, verr)
			log.Debug("tool arguments rejected", "error", verr)
			return Adapt(nil, err), err
		}
	}

	ctx = WithToolCallID(ctx, call.ID)
	raw, err := t.Handler(ctx, args, id)
	if err != nil {
		log.Warn("tool failed", "error", err)
		return Adapt(nil, err), fmt.Errorf("tool %s: %w", call.Name, err)
	}
	log.Debug("tool completed")
	return Adapt(raw, nil), nil
}

// normalizeArgs round-trips args through JSON so schema validation sees
// the same value types a decoded request would carry.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
