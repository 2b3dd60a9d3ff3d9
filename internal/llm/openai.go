package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/calexplorer/internal/config"
	"github.com/nugget/calexplorer/internal/httpkit"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.ChatModelGPT4o

// OpenAIClient talks to the Chat Completions API, or any server that
// speaks it when a base URL is configured.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithHeaderTimeout(120*time.Second))),
		option.WithMaxRetries(1),
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := c.params(model, messages, tools)
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	return convertFromOpenAI(completion), nil
}

// ChatStream streams a chat completion, forwarding text deltas to
// callback as they arrive.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params := c.params(model, messages, tools)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	c.logger.Debug("preparing request",
		"model", params.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		for _, choice := range chunk.Choices {
			if choice.Index == 0 && choice.Delta.Content != "" {
				callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	resp := convertFromOpenAI(&acc.ChatCompletion)
	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
		"finish_reason", resp.FinishReason,
	)
	c.logger.Log(ctx, config.LevelTrace, "stream final content", "content", resp.Message.Content)

	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func (c *OpenAIClient) params(model string, messages []Message, tools []map[string]any) openai.ChatCompletionNewParams {
	if model == "" {
		model = DefaultOpenAIModel
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertToOpenAI(messages),
	}
	if t := convertToolsToOpenAI(tools); len(t) > 0 {
		params.Tools = t
	}
	return params
}

// convertToOpenAI converts internal messages to Chat Completions params.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "user":
			out = append(out, openai.UserMessage(msg.Content))
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, _ := json.Marshal(args)
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: id,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

// convertToolsToOpenAI converts function-shaped tool definitions.
func convertToolsToOpenAI(tools []map[string]any) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		def := openai.FunctionDefinitionParam{
			Name:       name,
			Parameters: openai.FunctionParameters(params),
		}
		if desc != "" {
			def.Description = openai.String(desc)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: def})
	}
	return out
}

// convertFromOpenAI converts a completion (or an accumulated stream) to
// our internal format.
func convertFromOpenAI(cc *openai.ChatCompletion) *ChatResponse {
	resp := &ChatResponse{
		Model:        cc.Model,
		Message:      Message{Role: "assistant"},
		FinishReason: FinishUnknown,
		Done:         true,
		InputTokens:  int(cc.Usage.PromptTokens),
		OutputTokens: int(cc.Usage.CompletionTokens),
	}
	if cc.Created > 0 {
		resp.CreatedAt = time.Unix(cc.Created, 0)
	}
	if len(cc.Choices) == 0 {
		return resp
	}

	choice := cc.Choices[0]
	resp.Message.Content = choice.Message.Content
	resp.FinishReason = openAIFinishReason(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: ToolCallFunction{Name: tc.Function.Name, Arguments: args},
		})
	}
	return resp
}

func openAIFinishReason(r string) FinishReason {
	switch r {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "content_filter":
		return FinishFiltered
	default:
		return FinishUnknown
	}
}
