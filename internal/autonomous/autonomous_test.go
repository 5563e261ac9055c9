package autonomous_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/autonomous"
	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/schedule"
	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/store/memory"
)

type stubRunner struct {
	result func(agent.Context) agent.Result
}

func (s stubRunner) Run(ctx context.Context, rc agent.Context) agent.Result { return s.result(rc) }

func runnerThatReturns(output string) stubRunner {
	return stubRunner{result: func(rc agent.Context) agent.Result {
		return agent.Result{TaskID: rc.TaskID, Success: true, Output: output}
	}}
}

func newTestOrchestrator(t *testing.T, st store.Store) *orchestrator.Orchestrator {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	return orchestrator.New(orchestrator.Config{
		Store:   st,
		Sandbox: sb,
		Agents:  map[string]plan.AgentRunner{"coder": runnerThatReturns("ok")},
	})
}

func TestProcessScheduledItemsFiresReminderAndClosesExpiredSchedule(t *testing.T) {
	st := memory.New()
	orch := newTestOrchestrator(t, st)
	loop := autonomous.New(autonomous.Config{Orchestrator: orch, WarmUp: time.Millisecond, TickMinutes: 1})

	scheduleJSON, err := json.Marshal(schedule.Spec{Type: schedule.Once, At: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledItem(context.Background(), store.ScheduledItem{
		ID: "r1", ItemType: "reminder", Title: "water the plants",
		ScheduleJSON: scheduleJSON, NextRunAt: &past, Status: "active",
	}))

	ctx := context.Background()
	runLoopTick(t, loop, ctx)

	reminders := orch.DrainReminders()
	require.Len(t, reminders, 1)
	require.Equal(t, "water the plants", reminders[0].Title)

	items, err := st.ListScheduledItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "done", items[0].Status)
	require.Equal(t, 1, items[0].RunCount)
}

func TestProcessScheduledItemsRunsDueTaskAndReschedulesInterval(t *testing.T) {
	st := memory.New()
	ran := make(chan string, 1)
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	orch := orchestrator.New(orchestrator.Config{
		Store:   st,
		Sandbox: sb,
		Agents: map[string]plan.AgentRunner{"coder": stubRunner{result: func(rc agent.Context) agent.Result {
			ran <- rc.TaskDescription
			return agent.Result{TaskID: rc.TaskID, Success: true, Output: "done"}
		}}},
	})
	loop := autonomous.New(autonomous.Config{Orchestrator: orch})

	scheduleJSON, err := json.Marshal(schedule.Spec{Type: schedule.Interval, Minutes: 30})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledItem(context.Background(), store.ScheduledItem{
		ID: "t1", ItemType: "task", Title: "run the linters", Description: "run the linters",
		ScheduleJSON: scheduleJSON, NextRunAt: &past, Status: "active",
	}))

	runLoopTick(t, loop, context.Background())

	select {
	case desc := <-ran:
		require.Equal(t, "run the linters", desc)
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}

	items, err := st.ListScheduledItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "active", items[0].Status)
	require.Equal(t, 1, items[0].RunCount)
	require.NotNil(t, items[0].NextRunAt)
	require.True(t, items[0].NextRunAt.After(time.Now().Add(20*time.Minute)))
}

func TestProcessObjectiveSkipsWhenNoProjectsHaveObjectives(t *testing.T) {
	st := memory.New()
	orch := newTestOrchestrator(t, st)
	loop := autonomous.New(autonomous.Config{Orchestrator: orch})

	runLoopTick(t, loop, context.Background())

	require.Empty(t, orch.ActiveProjectID())
}

func TestProcessObjectiveRespectsDailyCapAndRoundRobin(t *testing.T) {
	st := memory.New()
	var switched []string
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	orch := orchestrator.New(orchestrator.Config{
		Store:   st,
		Sandbox: sb,
		Agents: map[string]plan.AgentRunner{"coder": stubRunner{result: func(rc agent.Context) agent.Result {
			switched = append(switched, rc.TaskDescription)
			return agent.Result{TaskID: rc.TaskID, Success: true, Output: "advanced"}
		}}},
	})
	loop := autonomous.New(autonomous.Config{Orchestrator: orch, DailyObjectiveCap: 1})

	// p1 has never run (nil LastAutonomousAt), so it sorts first in the
	// round-robin order, but it's already hit today's cap; p2 ran an hour
	// ago but still has headroom, so it must be the one chosen.
	today := time.Now().UTC().Format("2006-01-02")
	earlier := time.Now().Add(-time.Hour)
	require.NoError(t, st.UpsertProject(context.Background(), store.Project{
		ID: "p1", Name: "Capped", Slug: "capped", WorkspacePath: t.TempDir(),
		Objective: "ship feature A",
		AutonomousRunsToday: 1, AutonomousRunsDate: today,
	}))
	require.NoError(t, st.UpsertProject(context.Background(), store.Project{
		ID: "p2", Name: "Open", Slug: "open", WorkspacePath: t.TempDir(),
		Objective: "ship feature B", LastAutonomousAt: &earlier,
	}))

	runLoopTick(t, loop, context.Background())

	require.Equal(t, "p2", orch.ActiveProjectID())
	require.Len(t, switched, 1)
	require.Contains(t, switched[0], "ship feature B")

	proj2, err := st.GetProject(context.Background(), "p2")
	require.NoError(t, err)
	require.NotNil(t, proj2.LastAutonomousAt)
}

// runLoopTick drives exactly one tick's worth of work without going through
// Run's clock-aligned sleep, so tests don't depend on wall-clock alignment.
func runLoopTick(t *testing.T, loop *autonomous.Loop, ctx context.Context) {
	t.Helper()
	loop.Tick(ctx)
}
