package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/planner"
	"github.com/loopworks/conductor/internal/sandbox"
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

// scriptedProvider is a minimal llm.Provider double, local to this package
// (mirrors internal/planner's scriptedProvider, but also exercises Embed).
type scriptedProvider struct {
	completeReply string
	embedding     []float32
	embedErr      error
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: p.completeReply, FinishReason: llm.FinishStop}, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.embedErr != nil {
		return nil, p.embedErr
	}
	return p.embedding, nil
}

func (p *scriptedProvider) SupportsTools() bool { return true }
func (p *scriptedProvider) Model() string       { return "scripted" }

func noEmbeddings() *scriptedProvider {
	return &scriptedProvider{embedErr: errkind.New(errkind.EmbeddingsUnavailable, "no embeddings")}
}

func newOrchestrator(t *testing.T, cfg orchestrator.Config) (*orchestrator.Orchestrator, store.Store) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = memory.New()
	}
	return orchestrator.New(cfg), cfg.Store
}

func TestRunDirectModeBypassesPlannerAndExecutor(t *testing.T) {
	orch, st := newOrchestrator(t, orchestrator.Config{
		Provider: noEmbeddings(),
		Agents:   map[string]plan.AgentRunner{"coder": runnerThatReturns("done quickly")},
	})

	response := orch.Run(context.Background(), "fix the bug", orchestrator.IntentUser)
	require.Equal(t, "done quickly", response)

	convos, err := st.RecentConversations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, convos, 1)
	require.Equal(t, "fix the bug", convos[0].UserMsg)
	require.Equal(t, "done quickly", convos[0].AgentMsg)
}

func TestRunPlannedModeSynthesizesMultiTaskResults(t *testing.T) {
	provider := &scriptedProvider{
		completeReply: `{"plan_summary":"two steps","tasks":[
			{"id":"t1","name":"research","description":"look things up","agent":"researcher","depends_on":[]},
			{"id":"t2","name":"write","description":"write it up","agent":"coder","depends_on":["t1"]}
		]}`,
		embedErr: errkind.New(errkind.EmbeddingsUnavailable, "no embeddings"),
	}
	orch, _ := newOrchestrator(t, orchestrator.Config{
		Provider: provider,
		Planner:  planner.New(provider),
		Executor: plan.New(plan.Config{Agents: map[string]plan.AgentRunner{
			"researcher": runnerThatReturns("background info"),
			"coder":      runnerThatReturns("final draft"),
		}}),
		Agents: map[string]plan.AgentRunner{"coder": runnerThatReturns("unused in planned mode")},
	})

	response := orch.Run(context.Background(), "first research the topic then write it up", orchestrator.IntentUser)
	require.Contains(t, response, "research")
	require.Contains(t, response, "write")
	require.Contains(t, response, "background info")
	require.Contains(t, response, "final draft")
}

func TestExtractAndSwitchProjectStripsMentionAndSwitchesRoot(t *testing.T) {
	dir := t.TempDir()
	sb, err := sandbox.New(dir + "/default")
	require.NoError(t, err)

	st := memory.New()
	require.NoError(t, st.UpsertProject(context.Background(), store.Project{
		ID: "p1", Name: "Demo", Slug: "demo", WorkspacePath: dir + "/demo",
	}))

	orch := orchestrator.New(orchestrator.Config{
		Store:    st,
		Sandbox:  sb,
		Provider: noEmbeddings(),
		Agents:   map[string]plan.AgentRunner{"coder": runnerThatReturns("ok")},
	})

	response := orch.Run(context.Background(), "work on #demo please", orchestrator.IntentUser)
	require.Equal(t, "ok", response)
	require.Equal(t, "p1", orch.ActiveProjectID())
	require.Contains(t, sb.Root(), "demo")
}

func TestRunUserIntentWaitsForImprovementToFinish(t *testing.T) {
	orch, _ := newOrchestrator(t, orchestrator.Config{
		Provider:            noEmbeddings(),
		Agents:              map[string]plan.AgentRunner{"coder": runnerThatReturns("ok")},
		ImprovementWaitPoll: 10 * time.Millisecond,
		ImprovementWaitMax:  time.Second,
	})
	orch.SetImprovementRunning(true)

	go func() {
		time.Sleep(30 * time.Millisecond)
		orch.SetImprovementRunning(false)
	}()

	start := time.Now()
	response := orch.Run(context.Background(), "quick fix", orchestrator.IntentUser)
	require.Equal(t, "ok", response)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBuildMemoryContextIncludesSemanticSnippetsBelowThreshold(t *testing.T) {
	provider := &scriptedProvider{embedding: []float32{0, 0}}
	st := memory.New()
	require.NoError(t, st.StoreSnippet(context.Background(), "User: old question\nAssistant: old answer", []float32{0, 0}))
	require.NoError(t, st.StoreSnippet(context.Background(), "User: unrelated\nAssistant: far away", []float32{100, 100}))

	var capturedContext string
	capturing := stubRunner{result: func(rc agent.Context) agent.Result {
		capturedContext = rc.MemoryContext
		return agent.Result{TaskID: rc.TaskID, Success: true, Output: "handled"}
	}}

	orch := orchestrator.New(orchestrator.Config{
		Store:    st,
		Provider: provider,
		Agents:   map[string]plan.AgentRunner{"coder": capturing},
	})

	response := orch.Run(context.Background(), "another question", orchestrator.IntentUser)
	require.Equal(t, "handled", response)
	require.Contains(t, capturedContext, "old question")
	require.NotContains(t, capturedContext, "unrelated")
}
