// Package planner turns a user request into a dependency-graph Plan.
// Grounded on original_source/bbclaud/core/planner.py's create_plan: same
// fixed JSON-only system prompt, low temperature for determinism, fenced
// code-block stripping, and fallback single-task plan on any parse failure.
package planner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/message"
)

const systemPrompt = `You are a task planner for a multi-agent system.

Your job is to analyze the user's request and split it into clear subtasks.
Each subtask must:
- Have a specific agent assigned
- List its dependencies (IDs of subtasks that must complete first)
- Tasks with no dependencies run in PARALLEL

Available agents:
- "coder": writes code, refactors, reads/writes workspace files, runs commands/tests.
- "researcher": looks up information, reads files, summarizes context.
- "self_improver": modifies the runtime's own source.
- "generalist": anything that doesn't fit another category.

IMPORTANT: if the task is simple and doesn't need splitting, return a SINGLE subtask.
Do not over-decompose. Prefer simple plans.

Respond ONLY with valid JSON, no extra text, following this exact schema:
{
  "plan_summary": "short description of the plan",
  "tasks": [
    {
      "id": "t1",
      "name": "short name",
      "description": "detailed description of what to do",
      "agent": "coder|researcher|self_improver|generalist",
      "depends_on": []
    }
  ]
}`

// TaskSpec is one node in a plan DAG, per spec.md §3.
type TaskSpec struct {
	ID          string
	Name        string
	Description string
	Agent       string
	DependsOn   []string

	Status string // pending | running | done | failed
	Result string
	Error  string

	// TokensUsed is filled in by internal/plan.Executor from the agent's
	// AgentResult, for the orchestrator's per-run token accounting.
	TokensUsed int
}

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// CanRun reports whether every dependency of t is present in completed.
func (t *TaskSpec) CanRun(completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Plan is a planner-produced execution graph over TaskSpecs.
type Plan struct {
	ID              string
	Summary         string
	Tasks           []*TaskSpec
	OriginalRequest string
}

// GetReady returns pending tasks whose dependencies are all in completed.
func (p *Plan) GetReady(completed map[string]bool) []*TaskSpec {
	var out []*TaskSpec
	for _, t := range p.Tasks {
		if t.Status == StatusPending && t.CanRun(completed) {
			out = append(out, t)
		}
	}
	return out
}

// GetPending returns every task still in StatusPending.
func (p *Plan) GetPending() []*TaskSpec {
	var out []*TaskSpec
	for _, t := range p.Tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

// IsComplete reports whether every task has reached a terminal status.
func (p *Plan) IsComplete() bool {
	for _, t := range p.Tasks {
		if t.Status != StatusDone && t.Status != StatusFailed {
			return false
		}
	}
	return true
}

// HasFailures reports whether any task ended in StatusFailed.
func (p *Plan) HasFailures() bool {
	for _, t := range p.Tasks {
		if t.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Planner generates a Plan from a user request via one low-temperature LLM
// call, never invoking tools itself.
type Planner struct {
	provider llm.Provider
}

// New builds a Planner around provider.
func New(provider llm.Provider) *Planner {
	return &Planner{provider: provider}
}

type planDocument struct {
	PlanSummary string         `json:"plan_summary"`
	Tasks       []taskDocument `json:"tasks"`
}

type taskDocument struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Agent       string   `json:"agent"`
	DependsOn   []string `json:"depends_on"`
}

// CreatePlan issues one complete call and parses its JSON response into a
// Plan. Any parse or structural failure falls back to a single-task plan
// assigned to the generalist agent rather than surfacing an error — the
// planner never fails the caller.
func (p *Planner) CreatePlan(ctx context.Context, userRequest, contextText string) *Plan {
	userMsg := userRequest
	if contextText != "" {
		userMsg = "Prior context:\n" + contextText + "\n\nRequest: " + userRequest
	}

	resp, err := p.provider.Complete(ctx, llm.Request{
		Messages: []message.Message{
			message.System(systemPrompt),
			message.User(userMsg),
		},
		Temperature: 0.3,
		MaxTokens:   2048,
	})
	if err != nil {
		return fallbackPlan(userRequest)
	}

	doc, ok := parsePlanDocument(resp.Content)
	if !ok {
		return fallbackPlan(userRequest)
	}

	tasks := make([]*TaskSpec, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		agent := t.Agent
		if agent == "" {
			agent = "generalist"
		}
		tasks = append(tasks, &TaskSpec{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Agent:       agent,
			DependsOn:   t.DependsOn,
			Status:      StatusPending,
		})
	}

	summary := doc.PlanSummary
	if summary == "" {
		summary = userRequest
	}
	return &Plan{
		ID:              shortID(),
		Summary:         summary,
		Tasks:           tasks,
		OriginalRequest: userRequest,
	}
}

func parsePlanDocument(raw string) (planDocument, bool) {
	raw = stripCodeFence(raw)
	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return planDocument{}, false
	}
	if len(doc.Tasks) == 0 {
		return planDocument{}, false
	}
	return doc, true
}

// stripCodeFence removes an optional leading/trailing markdown fence
// (```` ``` ```` or ```` ```json ````) around raw JSON content.
func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	parts := strings.SplitN(raw, "```", 3)
	if len(parts) < 2 {
		return raw
	}
	body := parts[1]
	body = strings.TrimPrefix(body, "json")
	return strings.TrimSpace(body)
}

func fallbackPlan(userRequest string) *Plan {
	return &Plan{
		ID:      shortID(),
		Summary: userRequest,
		Tasks: []*TaskSpec{{
			ID:          "t1",
			Name:        "Main task",
			Description: userRequest,
			Agent:       "generalist",
			Status:      StatusPending,
		}},
		OriginalRequest: userRequest,
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
