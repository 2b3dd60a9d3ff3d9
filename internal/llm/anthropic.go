package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/calexplorer/internal/config"
	"github.com/nugget/calexplorer/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// DefaultAnthropicModel is also the model Ping probes with.
	DefaultAnthropicModel = "claude-sonnet-4-20250514"

	anthropicMaxTokens = 4096
)

// ErrInvalidAPIKey is returned when the provider answers 401.
var ErrInvalidAPIKey = errors.New("invalid API key")

// AnthropicClient speaks the Anthropic Messages API over plain HTTP.
type AnthropicClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewAnthropicClient creates a client for the public Messages endpoint.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Streams stay open for a whole generation; ctx bounds the call.
	return &AnthropicClient{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: anthropicAPIURL,
		http:     httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithHeaderTimeout(120*time.Second)),
		logger:   logger.With("provider", "anthropic"),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicTurn    `json:"messages"`
	Tools     []anthropicToolDef `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

// anthropicTurn carries either a plain string or a slice of blocks.
type anthropicTurn struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicReply struct {
	Model      string           `json:"model"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicEvent is one server-sent event from a streaming reply.
type anthropicEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Message      *anthropicReply `json:"message,omitempty"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat requests a complete reply without streaming.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	body, err := c.post(ctx, c.request(model, messages, tools, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var reply anthropicReply
	if err := json.NewDecoder(body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	resp := reply.response()
	c.logger.Debug("response received",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp, nil
}

// ChatStream streams text deltas to callback and returns the assembled
// reply. A nil callback falls back to Chat.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}
	body, err := c.post(ctx, c.request(model, messages, tools, true))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var acc anthropicStream
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		var ev anthropicEvent
		if json.Unmarshal([]byte(strings.TrimSpace(data)), &ev) != nil {
			c.logger.Log(ctx, config.LevelTrace, "skipping unparseable event", "data", data)
			continue
		}
		if token, err := acc.apply(ev); err != nil {
			return nil, err
		} else if token != "" {
			callback(StreamEvent{Kind: KindToken, Token: token})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := acc.response()
	callback(StreamEvent{Kind: KindDone, Response: resp})
	c.logger.Debug("stream complete",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"content_len", len(resp.Message.Content),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp, nil
}

// Ping spends a one-token request to confirm the key is accepted.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := c.post(ctx, anthropicRequest{
		Model:     DefaultAnthropicModel,
		Messages:  []anthropicTurn{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(body, 4096)
	return nil
}

func (c *AnthropicClient) request(model string, messages []Message, tools []map[string]any, stream bool) anthropicRequest {
	turns, system := anthropicTurns(messages)
	return anthropicRequest{
		Model:     model,
		System:    system,
		Messages:  turns,
		Tools:     anthropicToolDefs(tools),
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	}
}

// post sends req and returns the body of a 2xx response. The caller
// closes it.
func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload",
		"model", req.Model,
		"turns", len(req.Messages),
		"tools", len(req.Tools),
		"stream", req.Stream,
		"json", string(payload),
	)

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("x-api-key", c.apiKey)
	hr.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil, fmt.Errorf("anthropic: %w", ErrInvalidAPIKey)
	case resp.StatusCode/100 != 2:
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", msg)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, msg)
	}
	return resp.Body, nil
}

// anthropicStream folds streamed events into a single reply.
type anthropicStream struct {
	model  string
	stop   string
	usage  anthropicUsage
	text   strings.Builder
	calls  []ToolCall
	open   *anthropicBlock // tool_use block being filled
	argBuf strings.Builder
}

// apply consumes one event and returns any text it carried.
func (s *anthropicStream) apply(ev anthropicEvent) (string, error) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.model = ev.Message.Model
			s.usage = ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			s.open = ev.ContentBlock
			s.argBuf.Reset()
		}
	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		if ev.Delta.Type == "input_json_delta" {
			s.argBuf.WriteString(ev.Delta.PartialJSON)
		} else if ev.Delta.Type == "text_delta" {
			s.text.WriteString(ev.Delta.Text)
			return ev.Delta.Text, nil
		}
	case "content_block_stop":
		if s.open == nil {
			break
		}
		args := map[string]any{}
		if raw := s.argBuf.String(); raw != "" {
			if json.Unmarshal([]byte(raw), &args) != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		s.calls = append(s.calls, ToolCall{
			ID:       s.open.ID,
			Function: ToolCallFunction{Name: s.open.Name, Arguments: args},
		})
		s.open = nil
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			s.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "error":
		if ev.Error != nil {
			return "", fmt.Errorf("anthropic stream %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return "", errors.New("anthropic stream error")
	}
	return "", nil
}

func (s *anthropicStream) response() *ChatResponse {
	return &ChatResponse{
		Model:        s.model,
		Message:      Message{Role: "assistant", Content: s.text.String(), ToolCalls: s.calls},
		FinishReason: anthropicStop(s.stop),
		Done:         true,
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
	}
}

// anthropicTurns maps a conversation onto Messages API turns. System
// messages are pulled out and joined, since the API takes them
// separately.
func anthropicTurns(messages []Message) ([]anthropicTurn, string) {
	var system []string
	turns := make([]anthropicTurn, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			turns = append(turns, anthropicTurn{Role: "user", Content: m.Content})
		case "tool":
			turns = append(turns, anthropicTurn{Role: "user", Content: []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				turns = append(turns, anthropicTurn{Role: "assistant", Content: m.Content})
				continue
			}
			blocks := make([]anthropicBlock, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for i, tc := range m.ToolCalls {
				blocks = append(blocks, toolUseBlock(tc, i))
			}
			turns = append(turns, anthropicTurn{Role: "assistant", Content: blocks})
		}
	}
	return turns, strings.Join(system, "\n\n")
}

// toolUseBlock renders a recorded call. Calls recorded without an id
// get a stable one so the matching tool_result still pairs up.
func toolUseBlock(tc ToolCall, i int) anthropicBlock {
	id := tc.ID
	if id == "" {
		id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
	}
	input := tc.Function.Arguments
	if input == nil {
		input = map[string]any{}
	}
	return anthropicBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: input}
}

// anthropicToolDefs converts function-style tool schemas. Entries without
// a function object are dropped.
func anthropicToolDefs(tools []map[string]any) []anthropicToolDef {
	var defs []anthropicToolDef
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		def := anthropicToolDef{InputSchema: fn["parameters"]}
		def.Name, _ = fn["name"].(string)
		def.Description, _ = fn["description"].(string)
		if def.InputSchema == nil {
			def.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, def)
	}
	return defs
}

func (r *anthropicReply) response() *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{
				ID:       b.ID,
				Function: ToolCallFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	role := r.Role
	if role == "" {
		role = "assistant"
	}
	return &ChatResponse{
		Model:        r.Model,
		Message:      Message{Role: role, Content: text.String(), ToolCalls: calls},
		FinishReason: anthropicStop(r.StopReason),
		Done:         true,
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
	}
}

// anthropicStop maps Messages API stop reasons onto FinishReason.
func anthropicStop(stop string) FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "refusal":
		return FinishFiltered
	}
	return FinishUnknown
}
