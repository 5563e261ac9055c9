package plan_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/planner"
)

type stubRunner struct {
	mu        sync.Mutex
	startedAt map[string]time.Time
	finished  map[string]time.Time
	result    func(rc agent.Context) agent.Result
}

func newStubRunner(result func(rc agent.Context) agent.Result) *stubRunner {
	return &stubRunner{startedAt: map[string]time.Time{}, finished: map[string]time.Time{}, result: result}
}

func (s *stubRunner) Run(ctx context.Context, rc agent.Context) agent.Result {
	s.mu.Lock()
	s.startedAt[rc.TaskID] = time.Now()
	s.mu.Unlock()

	r := s.result(rc)

	s.mu.Lock()
	s.finished[rc.TaskID] = time.Now()
	s.mu.Unlock()
	return r
}

func okResult(output string) func(agent.Context) agent.Result {
	return func(rc agent.Context) agent.Result {
		return agent.Result{TaskID: rc.TaskID, Success: true, Output: output}
	}
}

func TestExecuteSingleTaskHappyPath(t *testing.T) {
	runner := newStubRunner(okResult("OK"))
	p := &planner.Plan{
		ID: "p1",
		Tasks: []*planner.TaskSpec{
			{ID: "t1", Name: "only", Agent: "generalist", Status: planner.StatusPending},
		},
	}
	ex := plan.New(plan.Config{Agents: map[string]plan.AgentRunner{"generalist": runner}})
	result := ex.Execute(context.Background(), p, "")

	require.True(t, result.IsComplete())
	require.False(t, result.HasFailures())
	require.Equal(t, planner.StatusDone, result.Tasks[0].Status)
	require.Equal(t, "OK", result.Tasks[0].Result)
}

func TestExecuteRespectsDependencyOrdering(t *testing.T) {
	runner := newStubRunner(func(rc agent.Context) agent.Result {
		time.Sleep(5 * time.Millisecond)
		return agent.Result{TaskID: rc.TaskID, Success: true, Output: "done:" + rc.TaskID}
	})
	p := &planner.Plan{
		ID: "p2",
		Tasks: []*planner.TaskSpec{
			{ID: "t1", Name: "research", Agent: "researcher", Status: planner.StatusPending},
			{ID: "t2", Name: "write", Agent: "coder", Status: planner.StatusPending, DependsOn: []string{"t1"}},
		},
	}
	ex := plan.New(plan.Config{Agents: map[string]plan.AgentRunner{"researcher": runner, "coder": runner}})
	result := ex.Execute(context.Background(), p, "")

	require.True(t, result.IsComplete())
	require.False(t, result.HasFailures())

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.True(t, runner.finished["t1"].Before(runner.startedAt["t2"]) || runner.finished["t1"].Equal(runner.startedAt["t2"]))
}

func TestExecuteMarksDeadlockedTasksFailed(t *testing.T) {
	runner := newStubRunner(okResult("unreached"))
	p := &planner.Plan{
		ID: "p3",
		Tasks: []*planner.TaskSpec{
			{ID: "t1", Name: "blocked", Agent: "generalist", Status: planner.StatusPending, DependsOn: []string{"t0"}},
		},
	}
	ex := plan.New(plan.Config{Agents: map[string]plan.AgentRunner{"generalist": runner}})
	result := ex.Execute(context.Background(), p, "")

	require.True(t, result.IsComplete())
	require.True(t, result.HasFailures())
	require.Equal(t, planner.StatusFailed, result.Tasks[0].Status)
	require.Contains(t, result.Tasks[0].Error, "unsatisfied deps")
	require.Contains(t, result.Tasks[0].Error, "t0")
}

func TestExecuteFailsDependentsOfFailedTask(t *testing.T) {
	var capturedContext string
	failing := newStubRunner(func(rc agent.Context) agent.Result {
		return agent.Result{TaskID: rc.TaskID, Success: false, Error: "boom"}
	})
	capturing := newStubRunner(func(rc agent.Context) agent.Result {
		capturedContext = rc.MemoryContext
		return agent.Result{TaskID: rc.TaskID, Success: true, Output: "ok"}
	})
	p := &planner.Plan{
		ID:              "p4",
		OriginalRequest: "do the full thing",
		Tasks: []*planner.TaskSpec{
			{ID: "t1", Name: "risky", Agent: "coder", Status: planner.StatusPending},
			{ID: "t2", Name: "followup", Agent: "researcher", Status: planner.StatusPending, DependsOn: []string{"t1"}},
		},
	}
	ex := plan.New(plan.Config{Agents: map[string]plan.AgentRunner{"coder": failing, "researcher": capturing}})
	result := ex.Execute(context.Background(), p, "")

	require.True(t, result.HasFailures())
	require.Equal(t, planner.StatusFailed, result.Tasks[0].Status)
	require.Equal(t, planner.StatusFailed, result.Tasks[1].Status)
	require.Contains(t, result.Tasks[1].Error, "t1")
	require.Empty(t, capturedContext, "a task whose dependency failed must never start")
}
