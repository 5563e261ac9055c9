// Package llm defines the provider-polymorphic gateway interface of
// spec.md §4.2: complete/embed/supports_tools, with transient vs permanent
// failure classification. Three concrete adapters (anthropic, openai,
// bedrock) implement Provider; internal/llm/breaker wraps all three with a
// circuit breaker. Grounded on features/model/anthropic/client.go's
// Options/Complete/Stream shape.
package llm

import (
	"context"

	"github.com/loopworks/conductor/internal/message"
)

// FinishReason mirrors the provider's stated reason the turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// Usage reports token accounting for one Complete call, threaded through to
// AgentResult.TokensUsed and aggregated by the orchestrator — resolving the
// spec.md §9 open question on token-accounting plumbing.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Request is the provider-agnostic shape of one completion call.
type Request struct {
	Messages    []message.Message
	ToolSchemas []ToolSchema
	Temperature float64
	MaxTokens   int
}

// ToolSchema is the provider-agnostic function-calling tool description
// passed alongside a Request. internal/tools.SchemaDescriptor is converted
// to this at the agent-loop boundary to avoid internal/llm depending on
// internal/tools.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte // JSON-Schema object
}

// Response is the provider-agnostic shape of one completion reply.
type Response struct {
	Content      string
	ToolCalls    []message.ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// Provider is the capability the agent loop is polymorphic over.
type Provider interface {
	// Complete issues one request/response round trip.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Embed returns a dense embedding for text, or an *errkind.Error with
	// Kind EmbeddingsUnavailable if this provider does not support embeddings.
	Embed(ctx context.Context, text string) ([]float32, error)
	// SupportsTools reports whether this provider accepts tool schemas.
	SupportsTools() bool
	// Model returns the concrete model identifier in use.
	Model() string
}
