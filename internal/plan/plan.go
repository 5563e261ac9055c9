// Package plan implements the DAG plan executor of spec.md §4.5 — the
// core of the core. Grounded on
// original_source/bbclaw/core/task_queue.py's TaskQueue.execute/_run_task:
// same ready-set loop, deadlock handling, dependency-context building, and
// bus event publishing, generalized to a configurable semaphore-bounded
// parallelism (spec.md §9's resolved Open Question; default 5) in place of
// the Python source's unbounded asyncio.gather over an entire ready set.
package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/bus"
	"github.com/loopworks/conductor/internal/planner"
	"github.com/loopworks/conductor/internal/telemetry"
)

const dependencyResultTruncateChars = 3000

// AgentRunner is the capability the executor needs from an agent: run one
// task and return a Result. internal/agent.Agent satisfies this directly.
type AgentRunner interface {
	Run(ctx context.Context, rc agent.Context) agent.Result
}

// TaskUpdate is the best-effort persistence record written after each task
// finishes. Storage failures never fail the task, per spec.md §4.5.
type TaskUpdate struct {
	TaskID string
	Name   string
	Status string
	Agent  string
	Input  string
	Result string
	Error  string
}

// Persister receives a TaskUpdate after every task completes or fails.
// Implementations must themselves be best-effort; the executor already
// swallows any error they return.
type Persister interface {
	UpsertTask(ctx context.Context, u TaskUpdate) error
}

// Config parameterizes an Executor.
type Config struct {
	Agents         map[string]AgentRunner // role name -> runner; must include "generalist"
	Bus            *bus.Bus               // optional; nil disables event publishing
	Persister      Persister              // optional; nil disables persistence
	MaxParallelism int                    // default 5, per spec.md §9
}

// Executor runs a Plan's tasks in dependency order, in-place.
type Executor struct {
	agents         map[string]AgentRunner
	bus            *bus.Bus
	persister      Persister
	maxParallelism int
}

// New builds an Executor from cfg.
func New(cfg Config) *Executor {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 5
	}
	return &Executor{
		agents:         cfg.Agents,
		bus:            cfg.Bus,
		persister:      cfg.Persister,
		maxParallelism: cfg.MaxParallelism,
	}
}

// Execute drives plan to completion: every task ends in {done, failed} and
// no task is left {pending, running} once Execute returns, per spec.md
// §8's "DAG progress" invariant.
func (e *Executor) Execute(ctx context.Context, p *planner.Plan, memoryContext string) *planner.Plan {
	completed := make(map[string]bool)

	e.publish(ctx, bus.Event{Type: "plan.started", Source: "plan", Payload: map[string]any{
		"plan_id": p.ID, "tasks": len(p.Tasks),
	}})
	telemetry.Info(ctx, "executing plan", telemetry.KV{K: "plan_id", V: p.ID}, telemetry.KV{K: "tasks", V: len(p.Tasks)})

	for !p.IsComplete() {
		ready := p.GetReady(completed)

		if len(ready) == 0 {
			pending := p.GetPending()
			if len(pending) == 0 {
				break
			}
			telemetry.Error(ctx, "plan deadlocked", nil, telemetry.KV{K: "origin", V: "plan"}, telemetry.KV{K: "plan_id", V: p.ID}, telemetry.KV{K: "pending", V: len(pending)})
			for _, t := range pending {
				t.Status = planner.StatusFailed
				t.Error = fmt.Sprintf("deadlock: unsatisfied deps %v", t.DependsOn)
			}
			break
		}

		if len(ready) == 1 {
			e.runTask(ctx, ready[0], p, memoryContext)
			if ready[0].Status == planner.StatusDone {
				completed[ready[0].ID] = true
			}
			continue
		}

		e.runParallel(ctx, ready, p, memoryContext, completed)
	}

	e.publish(ctx, bus.Event{Type: "plan.completed", Source: "plan", Payload: map[string]any{
		"plan_id": p.ID, "success": !p.HasFailures(), "completed": len(completed), "total": len(p.Tasks),
	}})
	return p
}

func (e *Executor) runParallel(ctx context.Context, ready []*planner.TaskSpec, p *planner.Plan, memoryContext string, completed map[string]bool) {
	telemetry.Info(ctx, "running ready tasks in parallel", telemetry.KV{K: "count", V: len(ready)})

	sem := make(chan struct{}, e.maxParallelism)
	var wg sync.WaitGroup

	for _, t := range ready {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.runTask(ctx, t, p, memoryContext)
		}()
	}
	wg.Wait()

	for _, t := range ready {
		if t.Status == planner.StatusDone {
			completed[t.ID] = true
		}
	}
}

func (e *Executor) runTask(ctx context.Context, task *planner.TaskSpec, p *planner.Plan, memoryContext string) {
	runner, ok := e.agents[task.Agent]
	if !ok {
		runner, ok = e.agents["generalist"]
	}
	if !ok {
		task.Status = planner.StatusFailed
		task.Error = fmt.Sprintf("agent '%s' not available", task.Agent)
		return
	}

	task.Status = planner.StatusRunning
	e.publish(ctx, bus.Event{Type: "task.started", Source: task.Agent, Payload: map[string]any{"task_id": task.ID, "name": task.Name}})
	telemetry.Info(ctx, "starting task", telemetry.KV{K: "task", V: task.Name}, telemetry.KV{K: "agent", V: task.Agent})

	combined := combineContext(memoryContext, buildDependencyContext(task, p))

	result := runner.Run(ctx, agent.Context{
		TaskID:          task.ID,
		TaskDescription: task.Description,
		MemoryContext:   combined,
	})

	task.TokensUsed = result.TokensUsed

	if result.Success {
		task.Status = planner.StatusDone
		task.Result = result.Output
		telemetry.Info(ctx, "task completed", telemetry.KV{K: "task", V: task.Name}, telemetry.KV{K: "tool_calls", V: result.ToolCallsMade})
		e.publish(ctx, bus.Event{Type: "task.completed", Source: task.Agent, Payload: map[string]any{"task_id": task.ID, "output": truncate(result.Output, 200)}})
	} else {
		task.Status = planner.StatusFailed
		task.Error = result.Error
		telemetry.Error(ctx, "task failed", nil, telemetry.KV{K: "origin", V: "plan"}, telemetry.KV{K: "task", V: task.Name}, telemetry.KV{K: "error", V: result.Error})
		e.publish(ctx, bus.Event{Type: "task.failed", Source: task.Agent, Payload: map[string]any{"task_id": task.ID, "error": task.Error}})
	}

	e.persist(ctx, task)
}

func (e *Executor) persist(ctx context.Context, task *planner.TaskSpec) {
	if e.persister == nil {
		return
	}
	u := TaskUpdate{
		TaskID: task.ID,
		Name:   task.Name,
		Status: task.Status,
		Agent:  task.Agent,
		Input:  truncate(task.Description, 2000),
	}
	if task.Status == planner.StatusDone {
		u.Result = truncate(task.Result, 5000)
	}
	if task.Status == planner.StatusFailed {
		u.Error = truncate(task.Error, 2000)
	}
	if err := e.persister.UpsertTask(ctx, u); err != nil {
		telemetry.Error(ctx, "best-effort task persistence failed", err, telemetry.KV{K: "origin", V: "plan"}, telemetry.KV{K: "task_id", V: task.ID})
	}
}

func (e *Executor) publish(ctx context.Context, ev bus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

// buildDependencyContext renders the original request plus the prior
// results (or failures) of task's direct dependencies, for inclusion in
// the dependent task's memory context.
func buildDependencyContext(task *planner.TaskSpec, p *planner.Plan) string {
	var parts []string

	if p.OriginalRequest != "" {
		parts = append(parts, fmt.Sprintf("## Original user request\n%s\n", p.OriginalRequest))
	}

	if len(task.DependsOn) == 0 {
		if len(parts) == 0 {
			return ""
		}
		return strings.Join(parts, "\n")
	}

	var depSections []string
	for _, depID := range task.DependsOn {
		dep := findTask(p, depID)
		if dep == nil {
			continue
		}
		switch {
		case dep.Status == planner.StatusDone && dep.Result != "":
			depSections = append(depSections, fmt.Sprintf("### %s (%s) — OK\n%s\n", dep.Name, dep.ID, truncate(dep.Result, dependencyResultTruncateChars)))
		case dep.Status == planner.StatusFailed:
			errMsg := dep.Error
			if errMsg == "" {
				errMsg = "unknown"
			}
			depSections = append(depSections, fmt.Sprintf("### %s (%s) — FAILED\nError: %s\n", dep.Name, dep.ID, errMsg))
		}
	}
	if len(depSections) > 0 {
		parts = append(parts, "## Results of previous tasks\n"+strings.Join(depSections, "\n"))
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n")
}

func findTask(p *planner.Plan, id string) *planner.TaskSpec {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func combineContext(memoryContext, depContext string) string {
	var parts []string
	if memoryContext != "" {
		parts = append(parts, memoryContext)
	}
	if depContext != "" {
		parts = append(parts, depContext)
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
