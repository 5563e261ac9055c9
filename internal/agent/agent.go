// Package agent implements the reason/call-tools/observe loop of spec.md
// §4.3. Grounded on original_source/bbclaw/core/agent.py's run() method:
// same bounded-iteration structure and message-list shape (system, user,
// assistant-with-tool-calls, tool-results, final assistant), generalized to
// this module's provider-polymorphic llm.Provider and narrowed to
// result-typed errors throughout rather than the Python source's mix of
// exceptions and return values.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/message"
	"github.com/loopworks/conductor/internal/telemetry"
	"github.com/loopworks/conductor/internal/tools"
)

// Context is the input to one agent run.
type Context struct {
	TaskID          string
	TaskDescription string
	MemoryContext   string
}

// Result mirrors spec.md §4.1's AgentResult: task-id, agent-name, success
// flag, output text, tool-call count, optional error, tokens used.
type Result struct {
	TaskID        string
	AgentName     string
	Success       bool
	Output        string
	ToolCallsMade int
	Error         string
	TokensUsed    int
}

// Config parameterizes one Agent: a role identity, a role-specific
// system-prompt template, the provider and tool registry it calls against,
// a bounded iteration budget, and a temperature.
type Config struct {
	Name            string
	Description     string
	Provider        llm.Provider
	Tools           *tools.Registry
	MaxIterations   int
	Temperature     float64
	RetryBase       time.Duration
	MaxRetries      uint64
	SystemPromptFor func(Context) string // optional override; defaults to a generic template
}

// Agent runs the tool-calling loop described by spec.md §4.3.
type Agent struct {
	cfg Config
}

// New builds an Agent from cfg, applying spec.md's defaults for any zero
// fields (max_iterations=20, retry base=1s, max retries=2).
func New(cfg Config) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Agent{cfg: cfg}
}

func (a *Agent) systemPrompt(ctx Context) string {
	if a.cfg.SystemPromptFor != nil {
		return a.cfg.SystemPromptFor(ctx)
	}
	base := "You are " + a.cfg.Name + ", " + a.cfg.Description + ".\n\n" +
		"Today's task: " + ctx.TaskDescription + "\n\n" +
		"Rules:\n" +
		"- Use the available tools to complete the task.\n" +
		"- Be precise and concise in your final answer.\n" +
		"- Always use the filesystem tools to create or modify files.\n" +
		"- Verify the outcome of a tool call before continuing."
	if ctx.MemoryContext != "" {
		base += "\n\n--- Relevant context ---\n" + ctx.MemoryContext
	}
	return base
}

// Run executes the loop: up to MaxIterations rounds of complete → (if
// tool_calls) dispatch each via the registry and continue, else return the
// final assistant content as a successful Result. A transient provider
// failure is retried with exponential backoff (base 1s, doubling, up to 2
// retries); a permanent failure or an exhausted retry budget surfaces
// immediately as Result{Success:false}, never as a panic or bare error.
func (a *Agent) Run(ctx context.Context, rc Context) Result {
	messages := []message.Message{
		message.System(a.systemPrompt(rc)),
		message.User(rc.TaskDescription),
	}
	schemas := a.toolSchemas()
	toolCallsMade := 0
	tokensUsed := 0

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		telemetry.Debug(ctx, "agent iteration", telemetry.KV{K: "agent", V: a.cfg.Name}, telemetry.KV{K: "iteration", V: iteration + 1})

		resp, err := a.completeWithRetry(ctx, llm.Request{
			Messages:    messages,
			ToolSchemas: schemas,
			Temperature: a.cfg.Temperature,
		})
		if err != nil {
			return Result{
				TaskID:        rc.TaskID,
				AgentName:     a.cfg.Name,
				Success:       false,
				ToolCallsMade: toolCallsMade,
				Error:         err.Error(),
				TokensUsed:    tokensUsed,
			}
		}
		tokensUsed += resp.Usage.PromptTokens + resp.Usage.CompletionTokens

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, message.Assistant(resp.Content, resp.ToolCalls...))
			for _, tc := range resp.ToolCalls {
				toolCallsMade++
				argsJSON, _ := json.Marshal(tc.Arguments)
				telemetry.Info(ctx, "agent calling tool", telemetry.KV{K: "agent", V: a.cfg.Name}, telemetry.KV{K: "tool", V: tc.Name})
				result := a.cfg.Tools.Invoke(ctx, tc.Name, argsJSON)
				messages = append(messages, message.ToolResult(tc.ID, result.String()))
			}
			continue
		}

		telemetry.Info(ctx, "agent completed", telemetry.KV{K: "agent", V: a.cfg.Name}, telemetry.KV{K: "iterations", V: iteration + 1})
		return Result{
			TaskID:        rc.TaskID,
			AgentName:     a.cfg.Name,
			Success:       true,
			Output:        resp.Content,
			ToolCallsMade: toolCallsMade,
			TokensUsed:    tokensUsed,
		}
	}

	return Result{
		TaskID:        rc.TaskID,
		AgentName:     a.cfg.Name,
		Success:       false,
		ToolCallsMade: toolCallsMade,
		Error:         "max iterations reached",
		TokensUsed:    tokensUsed,
	}
}

func (a *Agent) toolSchemas() []llm.ToolSchema {
	if a.cfg.Tools == nil {
		return nil
	}
	descs := a.cfg.Tools.Schemas()
	out := make([]llm.ToolSchema, len(descs))
	for i, d := range descs {
		out[i] = llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// completeWithRetry wraps provider.Complete in an exponential backoff
// policy scoped to errkind.ProviderTransient failures only; a
// ProviderPermanent (or any other) error stops retrying immediately.
func (a *Agent) completeWithRetry(ctx context.Context, req llm.Request) (*llm.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.RetryBase
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by MaxRetries via WithMaxRetries instead
	policy := backoff.WithMaxRetries(bo, a.cfg.MaxRetries)
	policy = backoff.WithContext(policy, ctx)

	var resp *llm.Response
	operation := func() error {
		r, err := a.cfg.Provider.Complete(ctx, req)
		if err != nil {
			if errkind.Is(err, errkind.ProviderTransient) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return nil, permErr.Err
		}
		return nil, err
	}
	return resp, nil
}
