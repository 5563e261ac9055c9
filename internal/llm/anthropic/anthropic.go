// Package anthropic adapts github.com/anthropics/anthropic-sdk-go's Messages
// API to llm.Provider. Grounded on features/model/anthropic/client.go: same
// MessagesClient seam for testability, same Options shape for model/token/
// temperature defaults, same tool-name sanitization and rate-limit
// classification, narrowed to this module's message.Message/llm.Request
// types instead of the teacher's generic model.Request/Part machinery.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/message"
)

// MessagesClient captures the subset of the Anthropic SDK client the adapter
// uses, so tests can substitute a mock in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's model selection and request defaults.
type Options struct {
	// Model is the Claude model identifier used for every request.
	Model string
	// MaxTokens caps completion length when a Request does not set one.
	MaxTokens int
	// Temperature is used when a Request's Temperature is zero.
	Temperature float64
}

// Provider implements llm.Provider on top of the Anthropic Messages API.
type Provider struct {
	msg   MessagesClient
	model string
	maxTok int
	temp  float64
}

// New builds a Provider from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	return &Provider{msg: msg, model: opts.Model, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP
// client, reading credentials from apiKey directly.
func NewFromAPIKey(apiKey, model string, maxTokens int, temperature float64) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, Options{Model: model, MaxTokens: maxTokens, Temperature: temperature})
}

// Complete issues one Messages.New round trip and translates the reply back
// into the provider-agnostic llm.Response shape.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, sanToCanon, err := p.prepareRequest(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderPermanent, "anthropic: build request", err)
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, errkind.Wrap(errkind.ProviderTransient, "anthropic: rate limited", err)
		}
		if isTransient(err) {
			return nil, errkind.Wrap(errkind.ProviderTransient, "anthropic: messages.new", err)
		}
		return nil, errkind.Wrap(errkind.ProviderPermanent, "anthropic: messages.new", err)
	}
	return translateResponse(msg, sanToCanon)
}

// Embed is unsupported: Claude does not expose an embeddings endpoint.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errkind.New(errkind.EmbeddingsUnavailable, "anthropic: embeddings are not supported")
}

func (p *Provider) SupportsTools() bool { return true }
func (p *Provider) Model() string       { return p.model }

func (p *Provider) prepareRequest(req llm.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	toolParams, canonToSan, sanToCanon, err := encodeTools(req.ToolSchemas)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, canonToSan)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(p.model),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = p.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, sanToCanon, nil
}

func encodeMessages(msgs []message.Message, canonToSan map[string]string) ([]sdk.MessageParam, string, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system strings.Builder

	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			if m.Content != "" {
				if system.Len() > 0 {
					system.WriteString("\n")
				}
				system.WriteString(m.Content)
			}
		case message.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case message.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				sanitized := canonToSan[tc.Name]
				if sanitized == "" {
					sanitized = sanitizeToolName(tc.Name)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, sanitized))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case message.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return nil, "", fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("anthropic: at least one user/assistant/tool message is required")
	}
	return conversation, system.String(), nil
}

func encodeTools(schemas []llm.ToolSchema) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(schemas) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(schemas))
	canonToSan := make(map[string]string, len(schemas))
	sanToCanon := make(map[string]string, len(schemas))

	for _, s := range schemas {
		sanitized := sanitizeToolName(s.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != s.Name {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", s.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = s.Name
		canonToSan[s.Name] = sanitized

		var schemaMap map[string]any
		if len(s.Parameters) > 0 {
			if err := json.Unmarshal(s.Parameters, &schemaMap); err != nil {
				return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", s.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaMap}, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(s.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, canonToSan, sanToCanon, nil
}

// sanitizeToolName replaces characters Anthropic's tool-name grammar
// disallows with '_'. Tool names in this module are already simple
// snake_case identifiers, so this is normally a no-op.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func translateResponse(msg *sdk.Message, sanToCanon map[string]string) (*llm.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &llm.Response{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			if canonical, ok := sanToCanon[name]; ok {
				name = canonical
			}
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("anthropic: decode tool_use input: %w", err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, message.ToolCall{ID: block.ID, Name: name, Arguments: args})
		}
	}
	resp.Content = text.String()
	resp.Usage = llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		resp.FinishReason = llm.FinishToolCalls
	case sdk.StopReasonMaxTokens:
		resp.FinishReason = llm.FinishLength
	default:
		resp.FinishReason = llm.FinishStop
	}
	return resp, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func isTransient(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true // network errors without a structured status are treated as transient
}
