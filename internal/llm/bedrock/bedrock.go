// Package bedrock adapts the AWS Bedrock Converse API
// (github.com/aws/aws-sdk-go-v2/service/bedrockruntime) to llm.Provider.
// Grounded on features/model/bedrock/client.go: same Converse-call shape,
// same sanitizeToolName/[a-zA-Z0-9_-]+ tool-name constraint, and the same
// ThrottlingException/429 rate-limit classification via smithy.APIError,
// narrowed to this module's message.Message/llm.Request types.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/message"
)

// RuntimeClient is the subset of *bedrockruntime.Client the adapter uses.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter's model and request defaults.
type Options struct {
	ModelID     string
	MaxTokens   int
	Temperature float32
}

// Provider implements llm.Provider on top of AWS Bedrock Converse.
type Provider struct {
	runtime RuntimeClient
	model   string
	maxTok  int
	temp    float32
}

// New builds a Provider from a Bedrock runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Provider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	return &Provider{runtime: runtime, model: opts.ModelID, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages, toolConfig, sanToCanon, err := p.prepareRequest(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderPermanent, "bedrock: build request", err)
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.model),
		Messages: messages,
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := p.inferenceConfig(req.MaxTokens, float32(req.Temperature)); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		if isRetryable(err) {
			return nil, errkind.Wrap(errkind.ProviderTransient, "bedrock: converse", err)
		}
		return nil, errkind.Wrap(errkind.ProviderPermanent, "bedrock: converse", err)
	}
	return translateResponse(output, sanToCanon)
}

// Embed is unsupported: the Converse API does not expose embeddings; a
// separate InvokeModel call against a Titan embedding model would be needed.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errkind.New(errkind.EmbeddingsUnavailable, "bedrock: embeddings require a dedicated InvokeModel call, not wired")
}

func (p *Provider) SupportsTools() bool { return true }
func (p *Provider) Model() string       { return p.model }

func (p *Provider) prepareRequest(req llm.Request) ([]brtypes.Message, *brtypes.ToolConfiguration, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, nil, errors.New("bedrock: messages are required")
	}
	toolConfig, canonToSan, sanToCanon, err := encodeTools(req.ToolSchemas)
	if err != nil {
		return nil, nil, nil, err
	}
	messages, err := encodeMessages(req.Messages, canonToSan)
	if err != nil {
		return nil, nil, nil, err
	}
	return messages, toolConfig, sanToCanon, nil
}

func (p *Provider) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = p.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	t := temp
	if t <= 0 {
		t = p.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []message.Message, canonToSan map[string]string) ([]brtypes.Message, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var systemPrefix string

	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			if systemPrefix != "" {
				systemPrefix += "\n"
			}
			systemPrefix += m.Content
			continue
		case message.RoleUser:
			blocks := []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}}
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
		case message.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				sanitized := canonToSan[tc.Name]
				if sanitized == "" {
					sanitized = sanitizeToolName(tc.Name)
				}
				tb := brtypes.ToolUseBlock{Name: aws.String(sanitized), ToolUseId: aws.String(tc.ID), Input: toDocument(tc.Arguments)}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) > 0 {
				conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
			}
		case message.RoleTool:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		}
	}
	// Bedrock's Converse API has no dedicated system role slot in this
	// narrowed adapter; fold a collected system message into the first user
	// turn so instructions are never silently dropped.
	if systemPrefix != "" && len(conversation) > 0 {
		conversation[0] = prependText(conversation[0], systemPrefix)
	}
	if len(conversation) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant/tool message is required")
	}
	return conversation, nil
}

func prependText(msg brtypes.Message, text string) brtypes.Message {
	msg.Content = append([]brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}}, msg.Content...)
	return msg
}

func encodeTools(schemas []llm.ToolSchema) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(schemas) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(schemas))
	canonToSan := make(map[string]string, len(schemas))
	sanToCanon := make(map[string]string, len(schemas))

	for _, s := range schemas {
		sanitized := sanitizeToolName(s.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != s.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", s.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = s.Name
		canonToSan[s.Name] = sanitized

		var schemaAny any
		if len(s.Parameters) > 0 {
			if err := json.Unmarshal(s.Parameters, &schemaAny); err != nil {
				return nil, nil, nil, fmt.Errorf("bedrock: tool %q schema: %w", s.Name, err)
			}
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(s.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(schemaAny)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

// sanitizeToolName enforces Bedrock's [a-zA-Z0-9_-]+ tool-name constraint.
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

func toDocument(v any) document.Interface {
	if v == nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func translateResponse(output *bedrockruntime.ConverseOutput, sanToCanon map[string]string) (*llm.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &llm.Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
					if canonical, ok := sanToCanon[name]; ok {
						name = canonical
					}
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, message.ToolCall{ID: id, Name: name, Arguments: decodeDocument(v.Value.Input)})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(ptrValue(usage.InputTokens)),
			CompletionTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	switch output.StopReason {
	case brtypes.StopReasonToolUse:
		resp.FinishReason = llm.FinishToolCalls
	case brtypes.StopReasonMaxTokens:
		resp.FinishReason = llm.FinishLength
	default:
		resp.FinishReason = llm.FinishStop
	}
	return resp, nil
}

func ptrValue(ptr *int32) int32 {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isRetryable classifies Bedrock errors, extending
// features/model/bedrock/client.go's isRateLimited: the ThrottlingException,
// TooManyRequestsException, ServiceUnavailableException and
// InternalServerException API errors, raw HTTP 429 and 5xx responses, and
// any error that is neither an API error nor an HTTP response error are
// transient.
func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "InternalServerException":
			return true
		}
		return false
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 429 || respErr.HTTPStatusCode() >= 500
	}
	return true
}
