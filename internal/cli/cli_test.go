package cli_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/cli"
	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/store/memory"
)

type stubRunner struct{ output string }

func (s stubRunner) Run(ctx context.Context, rc agent.Context) agent.Result {
	return agent.Result{TaskID: rc.TaskID, Success: true, Output: s.output}
}

func newTestOrchestrator(t *testing.T, st store.Store) *orchestrator.Orchestrator {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	return orchestrator.New(orchestrator.Config{
		Store:   st,
		Sandbox: sb,
		Agents:  map[string]plan.AgentRunner{"coder": stubRunner{output: "hi"}},
	})
}

func runLines(t *testing.T, orch *orchestrator.Orchestrator, input string) string {
	t.Helper()
	var out bytes.Buffer
	repl := cli.New(orch, func() []string { return []string{"read_file", "write_file"} }, nil, strings.NewReader(input), &out)
	require.NoError(t, repl.Run(context.Background()))
	return out.String()
}

func TestPlainLineRunsOrchestrator(t *testing.T) {
	out := runLines(t, newTestOrchestrator(t, memory.New()), "hello there\n/exit\n")
	require.Contains(t, out, "hi")
}

func TestExitCommandsStopTheLoop(t *testing.T) {
	for _, cmd := range []string{"/exit", "/quit", "/q"} {
		out := runLines(t, newTestOrchestrator(t, memory.New()), cmd+"\n")
		require.Contains(t, out, "ready")
		_ = out
	}
}

func TestToolsCommandListsRegisteredNames(t *testing.T) {
	out := runLines(t, newTestOrchestrator(t, memory.New()), "/tools\n/exit\n")
	require.Contains(t, out, "read_file, write_file")
}

func TestUnknownCommandReportsError(t *testing.T) {
	out := runLines(t, newTestOrchestrator(t, memory.New()), "/bogus\n/exit\n")
	require.Contains(t, out, "Error:")
	require.Contains(t, out, "unknown command")
}

func TestHistoryCommandShowsRecentConversations(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.SaveConversation(context.Background(), store.Conversation{
		ID: "c1", Timestamp: time.Now(), UserMsg: "ping", AgentMsg: "pong",
	}))
	out := runLines(t, newTestOrchestrator(t, st), "/history\n/exit\n")
	require.Contains(t, out, "ping")
	require.Contains(t, out, "pong")
}

func TestScheduleListShowsCreatedItems(t *testing.T) {
	st := memory.New()
	now := time.Now()
	require.NoError(t, st.CreateScheduledItem(context.Background(), store.ScheduledItem{
		ID: "s1", ItemType: "reminder", Title: "water plants", Status: "active", NextRunAt: &now,
	}))
	out := runLines(t, newTestOrchestrator(t, st), "/schedule list\n/exit\n")
	require.Contains(t, out, "water plants")
}

func TestScheduleCancelChangesStatus(t *testing.T) {
	st := memory.New()
	now := time.Now()
	require.NoError(t, st.CreateScheduledItem(context.Background(), store.ScheduledItem{
		ID: "s1", ItemType: "reminder", Title: "water plants", Status: "active", NextRunAt: &now,
	}))
	runLines(t, newTestOrchestrator(t, st), "/schedule cancel s1\n/exit\n")

	items, err := st.ListScheduledItems(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", items[0].Status)
}

func TestImprovementsCommandShowsRecentAttempts(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.SaveImprovementAttempt(context.Background(), store.ImprovementAttempt{
		ID: "a1", Cycle: 1, Branch: "improve/1", Merged: true, TokensUsed: 42,
	}))
	out := runLines(t, newTestOrchestrator(t, st), "/improvements\n/exit\n")
	require.Contains(t, out, "merged")
	require.Contains(t, out, "42 tokens")
}

func TestObjectiveRequiresActiveProject(t *testing.T) {
	out := runLines(t, newTestOrchestrator(t, memory.New()), "/objective show\n/exit\n")
	require.Contains(t, out, "no active project")
}

func TestPendingRemindersDrainBeforeNextPrompt(t *testing.T) {
	st := memory.New()
	orch := newTestOrchestrator(t, st)
	orch.QueueReminder(orchestrator.Reminder{Title: "standup", Description: "daily sync", QueuedAt: time.Now()})

	out := runLines(t, orch, "/exit\n")
	require.Contains(t, out, "standup")
	require.Contains(t, out, "daily sync")
}
