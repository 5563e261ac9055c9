// Package store declares the persistence contract of spec.md §6: a
// relational, single-writer store over conversations, tasks, knowledge
// key-values, projects, improvement attempts, and scheduled items.
// internal/store/postgres and internal/store/memory each implement Store;
// every write here is meant to be called best-effort by its caller — the
// store itself never retries or suppresses errors, that policy lives with
// the caller (internal/plan, internal/orchestrator, internal/autonomous,
// internal/improvement each decide whether a given write is fire-and-forget).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/tools/builtin"
)

// ErrNotFound is returned by single-row lookups with no matching record.
var ErrNotFound = errors.New("store: not found")

// Conversation is one persisted turn of the orchestrator's run() pipeline.
// db tags name the columns internal/store/postgres scans into, per
// spec.md §6's logical schema.
type Conversation struct {
	ID           string          `db:"id"`
	Timestamp    time.Time       `db:"ts"`
	UserMsg      string          `db:"user_msg"`
	AgentMsg     string          `db:"agent_msg"`
	MetadataJSON json.RawMessage `db:"metadata_json"`
}

// TaskRecord is the persisted projection of a planner.TaskSpec.
type TaskRecord struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Status    string    `db:"status"`
	Agent     string    `db:"agent"`
	Input     string    `db:"input"`
	Result    string    `db:"result"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Project is a named logical workspace with an optional objective the
// autonomous loop advances incrementally.
type Project struct {
	ID                  string     `db:"id"`
	Name                string     `db:"name"`
	Slug                string     `db:"slug"`
	Description         string     `db:"description"`
	WorkspacePath       string     `db:"workspace_path"`
	Objective           string     `db:"objective"`
	LastUsedAt          *time.Time `db:"last_used_at"`
	LastAutonomousAt    *time.Time `db:"last_autonomous_at"`
	AutonomousRunsToday int        `db:"autonomous_runs_today"`
	AutonomousRunsDate  string     `db:"autonomous_runs_date"` // YYYY-MM-DD, for the daily-cap reset
	CreatedAt           time.Time  `db:"created_at"`
}

// ImprovementAttempt records the outcome of one improvement-loop cycle.
type ImprovementAttempt struct {
	ID               string          `db:"id"`
	Cycle            int             `db:"cycle"`
	Branch           string          `db:"branch"`
	ChangedFilesJSON json.RawMessage `db:"changed_files_json"`
	Merged           bool            `db:"merged"`
	TokensUsed       int             `db:"tokens_used"`
	Error            string          `db:"error"`
	CreatedAt        time.Time       `db:"created_at"`
}

// ScheduledItem is the persisted form of spec.md §4.7's tagged recurrence
// record plus either a task description or a reminder.
type ScheduledItem struct {
	ID           string          `db:"id"`
	ItemType     string          `db:"item_type"` // "task" | "reminder"
	Title        string          `db:"title"`
	Description  string          `db:"description"`
	ScheduleJSON json.RawMessage `db:"schedule_json"`
	NextRunAt    *time.Time      `db:"next_run_at"`
	Status       string          `db:"status"` // "active" | "paused" | "done"
	LastRunAt    *time.Time      `db:"last_run_at"`
	RunCount     int             `db:"run_count"`
	CreatedAt    time.Time       `db:"created_at"`
}

// ConversationStore persists and recalls orchestrator conversation turns.
type ConversationStore interface {
	SaveConversation(ctx context.Context, c Conversation) error
	RecentConversations(ctx context.Context, n int) ([]Conversation, error)
}

// TaskStore persists TaskSpec projections. UpsertTask is called
// best-effort by internal/plan after every task finishes.
type TaskStore interface {
	UpsertTask(ctx context.Context, t TaskRecord) error
	RecentTasks(ctx context.Context, n int) ([]TaskRecord, error)
}

// KnowledgeStore is a small key-value table for durable counters and
// cross-restart state (e.g. improvement-loop cycle counts).
type KnowledgeStore interface {
	GetKnowledge(ctx context.Context, key string) (json.RawMessage, error)
	SetKnowledge(ctx context.Context, key string, value json.RawMessage) error
	// AllKnowledge returns every key-value pair, for memory-context building.
	AllKnowledge(ctx context.Context) (map[string]json.RawMessage, error)
}

// SemanticMatch is one nearest-neighbor hit from SearchSnippets, distance
// ascending (closer first).
type SemanticMatch struct {
	Text     string
	Distance float64
}

// SemanticStore is the embedding-backed snippet memory of spec.md §4.6 step
// 3b: "top-K semantically similar prior snippets where distance < 1.2".
// Only populated when the active llm.Provider supports embeddings.
type SemanticStore interface {
	StoreSnippet(ctx context.Context, text string, embedding []float32) error
	SearchSnippets(ctx context.Context, embedding []float32, k int) ([]SemanticMatch, error)
	CountSnippets(ctx context.Context) (int, error)
}

// ProjectStore manages named workspaces and their autonomous-run bookkeeping.
type ProjectStore interface {
	GetProjectBySlug(ctx context.Context, slug string) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	// ProjectsWithObjective returns every project with a non-empty objective,
	// ordered by last_autonomous_at ascending (nulls first) — the round-robin
	// order internal/autonomous consumes.
	ProjectsWithObjective(ctx context.Context) ([]Project, error)
	UpsertProject(ctx context.Context, p Project) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	RecordAutonomousRun(ctx context.Context, id string, at time.Time, date string) error
}

// ImprovementStore persists improvement-cycle attempts.
type ImprovementStore interface {
	SaveImprovementAttempt(ctx context.Context, a ImprovementAttempt) error
	RecentImprovementAttempts(ctx context.Context, n int) ([]ImprovementAttempt, error)
}

// ScheduledItemStore manages recurring/one-shot scheduled items.
type ScheduledItemStore interface {
	CreateScheduledItem(ctx context.Context, it ScheduledItem) error
	DueScheduledItems(ctx context.Context, now time.Time) ([]ScheduledItem, error)
	UpdateScheduledItem(ctx context.Context, it ScheduledItem) error
	ListScheduledItems(ctx context.Context) ([]ScheduledItem, error)
	SetScheduledItemStatus(ctx context.Context, id, status string) error
}

// Store is the full persistence contract the orchestrator and background
// loops depend on.
type Store interface {
	ConversationStore
	TaskStore
	KnowledgeStore
	ProjectStore
	ImprovementStore
	ScheduledItemStore
	SemanticStore
}

// planPersister adapts a TaskStore to internal/plan.Persister, translating
// plan.TaskUpdate into the store's own TaskRecord shape.
type planPersister struct{ tasks TaskStore }

// AsPlanPersister wraps ts so it can be passed as plan.Config.Persister.
func AsPlanPersister(ts TaskStore) plan.Persister { return planPersister{tasks: ts} }

func (p planPersister) UpsertTask(ctx context.Context, u plan.TaskUpdate) error {
	return p.tasks.UpsertTask(ctx, TaskRecord{
		ID:     u.TaskID,
		Name:   u.Name,
		Status: u.Status,
		Agent:  u.Agent,
		Input:  u.Input,
		Result: u.Result,
		Error:  u.Error,
	})
}

// scheduleStoreAdapter adapts a ScheduledItemStore to
// internal/tools/builtin.ScheduleStore, translating between the tagged
// schedule.Spec the tools package works with and the JSON column the store
// persists it as.
type scheduleStoreAdapter struct{ items ScheduledItemStore }

// AsScheduleStore wraps ss so it can be passed to builtin.RegisterScheduling.
func AsScheduleStore(ss ScheduledItemStore) builtin.ScheduleStore {
	return scheduleStoreAdapter{items: ss}
}

func (a scheduleStoreAdapter) CreateScheduledItem(ctx context.Context, in builtin.ScheduledItemInput) (string, error) {
	scheduleJSON, err := json.Marshal(in.Schedule)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	nextRun := in.NextRunAt
	err = a.items.CreateScheduledItem(ctx, ScheduledItem{
		ID: id, ItemType: in.Type, Title: in.Title, Description: in.Description,
		ScheduleJSON: scheduleJSON, NextRunAt: &nextRun, Status: "active",
	})
	return id, err
}

func (a scheduleStoreAdapter) ListScheduledItems(ctx context.Context) ([]builtin.ScheduledItemView, error) {
	items, err := a.items.ListScheduledItems(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]builtin.ScheduledItemView, 0, len(items))
	for _, it := range items {
		var nextRun time.Time
		if it.NextRunAt != nil {
			nextRun = *it.NextRunAt
		}
		out = append(out, builtin.ScheduledItemView{
			ID: it.ID, Type: it.ItemType, Title: it.Title, Status: it.Status,
			NextRunAt: nextRun, Description: it.Description,
		})
	}
	return out, nil
}

func (a scheduleStoreAdapter) CancelScheduledItem(ctx context.Context, id string) error {
	return a.items.SetScheduledItemStatus(ctx, id, "done")
}

func (a scheduleStoreAdapter) PauseScheduledItem(ctx context.Context, id string) error {
	return a.items.SetScheduledItemStatus(ctx, id, "paused")
}

func (a scheduleStoreAdapter) ResumeScheduledItem(ctx context.Context, id string) error {
	return a.items.SetScheduledItemStatus(ctx, id, "active")
}
