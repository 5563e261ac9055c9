package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/store/memory"
)

func TestUpsertTaskThenRecentTasks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.UpsertTask(ctx, store.TaskRecord{ID: "t1", Name: "first", Status: "done", Result: "ok"}))
	require.NoError(t, s.UpsertTask(ctx, store.TaskRecord{ID: "t2", Name: "second", Status: "running"}))

	tasks, err := s.RecentTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestKnowledgeRoundTrip(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.GetKnowledge(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetKnowledge(ctx, "k", []byte(`{"n":1}`)))
	v, err := s.GetKnowledge(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(v))
}

func TestProjectAutonomousRunsResetsOnNewDay(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.UpsertProject(ctx, store.Project{ID: "p1", Name: "demo", Slug: "demo"}))

	require.NoError(t, s.RecordAutonomousRun(ctx, "p1", time.Now(), "2026-07-29"))
	require.NoError(t, s.RecordAutonomousRun(ctx, "p1", time.Now(), "2026-07-29"))
	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, p.AutonomousRunsToday)

	require.NoError(t, s.RecordAutonomousRun(ctx, "p1", time.Now(), "2026-07-30"))
	p, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, p.AutonomousRunsToday)
	require.Equal(t, "2026-07-30", p.AutonomousRunsDate)
}

func TestProjectsWithObjectiveOrdersByLastAutonomousAtAscending(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Hour)

	require.NoError(t, s.UpsertProject(ctx, store.Project{ID: "no-objective", Name: "idle", Slug: "idle"}))
	require.NoError(t, s.UpsertProject(ctx, store.Project{
		ID: "never-run", Name: "fresh", Slug: "fresh", Objective: "ship fresh",
	}))
	require.NoError(t, s.UpsertProject(ctx, store.Project{
		ID: "ran-newer", Name: "b", Slug: "b", Objective: "ship b", LastAutonomousAt: &newer,
	}))
	require.NoError(t, s.UpsertProject(ctx, store.Project{
		ID: "ran-older", Name: "a", Slug: "a", Objective: "ship a", LastAutonomousAt: &older,
	}))

	projects, err := s.ProjectsWithObjective(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 3)
	require.Equal(t, "never-run", projects[0].ID)
	require.Equal(t, "ran-older", projects[1].ID)
	require.Equal(t, "ran-newer", projects[2].ID)
}

func TestDueScheduledItemsFiltersByNextRunAt(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, s.CreateScheduledItem(ctx, store.ScheduledItem{ID: "due", Status: "active", NextRunAt: &past}))
	require.NoError(t, s.CreateScheduledItem(ctx, store.ScheduledItem{ID: "notyet", Status: "active", NextRunAt: &future}))
	require.NoError(t, s.CreateScheduledItem(ctx, store.ScheduledItem{ID: "paused", Status: "paused", NextRunAt: &past}))

	due, err := s.DueScheduledItems(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].ID)
}

func TestSearchSnippetsOrdersByDistanceAscending(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.StoreSnippet(ctx, "far", []float32{10, 10}))
	require.NoError(t, s.StoreSnippet(ctx, "near", []float32{1, 1}))

	n, err := s.CountSnippets(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	matches, err := s.SearchSnippets(ctx, []float32{0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "near", matches[0].Text)
	require.Equal(t, "far", matches[1].Text)
	require.Less(t, matches[0].Distance, matches[1].Distance)
}

func TestAllKnowledgeReturnsEverySetKey(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.SetKnowledge(ctx, "a", []byte(`1`)))
	require.NoError(t, s.SetKnowledge(ctx, "b", []byte(`2`)))

	all, err := s.AllKnowledge(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.JSONEq(t, `1`, string(all["a"]))
}

func TestAsPlanPersisterAdaptsUpsertTask(t *testing.T) {
	s := memory.New()
	persister := store.AsPlanPersister(s)
	require.NotNil(t, persister)
}
