// Package openai adapts github.com/openai/openai-go's Chat Completions API
// to llm.Provider. Grounded on
// basegraphhq-basegraph/relay/common/llm/openai.go and client.go: same
// convertMessages/convertTools shape and the same IsRetryable status-code
// classification (429/5xx transient, other 4xx permanent), narrowed to this
// module's message.Message/llm.Request types.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/message"
)

// ChatClient captures the subset of the OpenAI SDK client the adapter uses.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter's model and request defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	BaseURL     string // optional, for OpenAI-compatible gateways
}

// Provider implements llm.Provider on top of OpenAI Chat Completions.
type Provider struct {
	chat   ChatClient
	embed  openai.EmbeddingService
	model  string
	maxTok int
	temp   float64
}

// New builds a Provider from an OpenAI API key and options.
func New(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &Provider{
		chat:   &client.Chat.Completions,
		embed:  client.Embeddings,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewWithChatClient builds a Provider around an already-constructed
// ChatClient, bypassing credential handling. Used by tests to substitute a
// mock in place of the real openai-go HTTP client; Embed is unavailable on
// a Provider built this way since no embeddings client is supplied.
func NewWithChatClient(chat ChatClient, opts Options) *Provider {
	return &Provider{chat: chat, model: opts.Model, maxTok: opts.MaxTokens, temp: opts.Temperature}
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTok
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := openai.ChatCompletionNewParams{
		Model:               p.model,
		Messages:            convertMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if tools := convertTools(req.ToolSchemas); len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = p.temp
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		if isRetryable(err) {
			return nil, errkind.Wrap(errkind.ProviderTransient, "openai: chat completions", err)
		}
		return nil, errkind.Wrap(errkind.ProviderPermanent, "openai: chat completions", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errkind.New(errkind.ProviderPermanent, "openai: no choices in response")
	}
	return translateResponse(resp), nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.embed.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModelTextEmbedding3Small,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		if isRetryable(err) {
			return nil, errkind.Wrap(errkind.ProviderTransient, "openai: embeddings", err)
		}
		return nil, errkind.Wrap(errkind.ProviderPermanent, "openai: embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, errkind.New(errkind.ProviderPermanent, "openai: no embedding data in response")
	}
	vec := resp.Data[0].Embedding
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out, nil
}

func (p *Provider) SupportsTools() bool { return true }
func (p *Provider) Model() string       { return p.model }

func convertMessages(msgs []message.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			result = append(result, openai.SystemMessage(m.Content))
		case message.RoleUser:
			result = append(result, openai.UserMessage(m.Content))
		case message.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					calls[i] = openai.ChatCompletionMessageToolCallParam{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(args),
						},
					}
				}
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
						ToolCalls: calls,
					},
				})
			} else {
				result = append(result, openai.AssistantMessage(m.Content))
			}
		case message.RoleTool:
			result = append(result, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return result
}

func convertTools(schemas []llm.ToolSchema) []openai.ChatCompletionToolParam {
	if len(schemas) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolParam, len(schemas))
	for i, s := range schemas {
		var params shared.FunctionParameters
		if len(s.Parameters) > 0 {
			_ = json.Unmarshal(s.Parameters, &params)
		}
		result[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  params,
			},
		}
	}
	return result
}

func translateResponse(resp *openai.ChatCompletion) *llm.Response {
	choice := resp.Choices[0]
	out := &llm.Response{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	switch choice.FinishReason {
	case "tool_calls":
		out.FinishReason = llm.FinishToolCalls
	case "length":
		out.FinishReason = llm.FinishLength
	default:
		out.FinishReason = llm.FinishStop
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, message.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out
}

// isRetryable mirrors IsRetryable from basegraphhq-basegraph/relay/common/llm/client.go:
// context cancellation is never retried, 429/5xx are, other 4xx are not, and
// errors without a structured API response (network failures) default to
// retryable.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
