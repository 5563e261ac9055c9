// Package autonomous implements the autonomous loop of spec.md §4.8: a
// single long-lived background task that fires due scheduled items and
// advances at most one project objective per fixed-cadence tick; the interval
// between objective runs grows with how many projects have an objective.
// Grounded on
// original_source/bbclaw/core/autonomous_loop.py's AutonomousLoop (warm-up
// sleep, clock-aligned ticks via next_aligned_tick, scheduled-items-first
// ordering, improvement-loop mutual exclusion), with spec.md's dynamic-tier
// table and per-project daily cap layered on top of the Python reference's
// flat tick/first-project selection.
package autonomous

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/schedule"
	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/telemetry"
)

const (
	defaultWarmUp              = 60 * time.Second
	defaultTickMinutes         = 5
	defaultDailyObjectiveCap   = 4
	defaultScheduledTaskTimeout = 5 * time.Minute
	defaultObjectiveRunTimeout  = 5 * time.Minute
	conversationScanLimit       = 100
	objectivePromptConversations = 3
	objectiveConversationTruncate = 200
)

// Config wires the loop's collaborators and tunables.
type Config struct {
	Orchestrator *orchestrator.Orchestrator

	WarmUp               time.Duration
	TickMinutes          int
	DailyObjectiveCap    int
	ScheduledTaskTimeout time.Duration
	ObjectiveRunTimeout  time.Duration
}

// Status is a snapshot for the HTTP/CLI surfaces.
type Status struct {
	IsRunning         bool
	CurrentObjective  string
	LastTickAt        time.Time
	TickMinutes       int
}

// Loop is the autonomous control-plane task.
type Loop struct {
	cfg Config

	mu                     sync.Mutex
	running                bool
	currentObjectiveID     string
	lastTickAt             time.Time
	lastObjectiveProcessed time.Time
}

// New builds a Loop from cfg, applying spec.md's stated defaults.
func New(cfg Config) *Loop {
	if cfg.WarmUp <= 0 {
		cfg.WarmUp = defaultWarmUp
	}
	if cfg.TickMinutes <= 0 {
		cfg.TickMinutes = defaultTickMinutes
	}
	if cfg.DailyObjectiveCap <= 0 {
		cfg.DailyObjectiveCap = defaultDailyObjectiveCap
	}
	if cfg.ScheduledTaskTimeout <= 0 {
		cfg.ScheduledTaskTimeout = defaultScheduledTaskTimeout
	}
	if cfg.ObjectiveRunTimeout <= 0 {
		cfg.ObjectiveRunTimeout = defaultObjectiveRunTimeout
	}
	return &Loop{cfg: cfg}
}

// Status reports the loop's current state, for internal/httpapi and
// internal/cli.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		IsRunning:        l.running,
		CurrentObjective: l.currentObjectiveID,
		LastTickAt:       l.lastTickAt,
		TickMinutes:      l.cfg.TickMinutes,
	}
}

// Run drives the loop until ctx is cancelled. It is meant to be launched as
// one long-lived goroutine alongside the message bus, HTTP server, and
// improvement loop (spec.md §5's "long-lived tasks" list).
func (l *Loop) Run(ctx context.Context) {
	telemetry.Info(ctx, "autonomous loop starting", telemetry.KV{K: "tick_minutes", V: l.cfg.TickMinutes})

	select {
	case <-time.After(l.cfg.WarmUp):
	case <-ctx.Done():
		return
	}

	for {
		target := schedule.NextAlignedTick(l.cfg.TickMinutes, time.Now())
		delay := time.Until(target)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				telemetry.Info(ctx, "autonomous loop stopped")
				return
			}
		}

		l.mu.Lock()
		l.lastTickAt = time.Now()
		l.mu.Unlock()

		if l.cfg.Orchestrator.IsImprovementRunning() {
			continue
		}

		l.Tick(ctx)

		if ctx.Err() != nil {
			return
		}
	}
}

// Tick runs one iteration's worth of work (scheduled items, then objective
// advancement) outside of Run's clock-aligned sleep. Run calls this every
// aligned tick; it's also a natural hook for an admin "run now" trigger and
// for driving deterministic tests.
func (l *Loop) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error(ctx, "autonomous tick panicked", fmt.Errorf("%v", r), telemetry.KV{K: "origin", V: "autonomous"})
		}
	}()

	l.processScheduledItems(ctx)
	l.processObjective(ctx)
}

// processScheduledItems implements step 4: fire every due item, then advance
// (or close) its schedule.
func (l *Loop) processScheduledItems(ctx context.Context) {
	st := l.cfg.Orchestrator.Store()
	now := time.Now()

	due, err := st.DueScheduledItems(ctx, now)
	if err != nil {
		telemetry.Error(ctx, "failed to list due scheduled items", err, telemetry.KV{K: "origin", V: "autonomous"})
		return
	}

	for _, item := range due {
		l.fireScheduledItem(ctx, item, now)
	}
}

func (l *Loop) fireScheduledItem(ctx context.Context, item store.ScheduledItem, now time.Time) {
	if item.ItemType == "reminder" {
		l.cfg.Orchestrator.QueueReminder(orchestrator.Reminder{
			Title:       item.Title,
			Description: item.Description,
			QueuedAt:    now,
		})
		telemetry.Info(ctx, "reminder fired", telemetry.KV{K: "item_id", V: item.ID}, telemetry.KV{K: "title", V: item.Title})
	} else {
		l.runScheduledTask(ctx, item)
	}

	l.advanceScheduledItem(ctx, item, now)
}

func (l *Loop) runScheduledTask(ctx context.Context, item store.ScheduledItem) {
	prompt := item.Description
	if prompt == "" {
		prompt = item.Title
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.ScheduledTaskTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.cfg.Orchestrator.Run(runCtx, prompt, orchestrator.IntentAutonomous)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		telemetry.Error(ctx, "scheduled task timeout", runCtx.Err(), telemetry.KV{K: "origin", V: "autonomous"}, telemetry.KV{K: "item_id", V: item.ID})
		<-done
	}
}

func (l *Loop) advanceScheduledItem(ctx context.Context, item store.ScheduledItem, now time.Time) {
	var sched schedule.Spec
	if len(item.ScheduleJSON) > 0 {
		_ = json.Unmarshal(item.ScheduleJSON, &sched)
	}

	next, err := schedule.ComputeNextRun(sched, now)
	if err != nil {
		telemetry.Error(ctx, "failed to compute next run for scheduled item", err, telemetry.KV{K: "origin", V: "autonomous"}, telemetry.KV{K: "item_id", V: item.ID})
	}

	item.RunCount++
	item.LastRunAt = &now
	if next.IsZero() {
		item.Status = "done"
		item.NextRunAt = nil
	} else {
		item.NextRunAt = &next
	}

	st := l.cfg.Orchestrator.Store()
	if err := st.UpdateScheduledItem(ctx, item); err != nil {
		telemetry.Error(ctx, "failed to advance scheduled item", err, telemetry.KV{K: "origin", V: "autonomous"}, telemetry.KV{K: "item_id", V: item.ID})
	}
}

// processObjective implements step 5: the dynamic-tier/daily-cap-gated,
// round-robin objective advancement.
func (l *Loop) processObjective(ctx context.Context) {
	st := l.cfg.Orchestrator.Store()

	projects, err := st.ProjectsWithObjective(ctx)
	if err != nil {
		telemetry.Error(ctx, "failed to list objective projects", err, telemetry.KV{K: "origin", V: "autonomous"})
		return
	}
	if len(projects) == 0 {
		return
	}

	interval := tierIntervalMinutes(len(projects))
	if interval == 0 {
		return
	}

	l.mu.Lock()
	since := time.Since(l.lastObjectiveProcessed)
	l.mu.Unlock()
	if since < time.Duration(interval)*time.Minute {
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	var chosen *store.Project
	for i := range projects {
		p := &projects[i]
		if p.AutonomousRunsDate == today && p.AutonomousRunsToday >= l.cfg.DailyObjectiveCap {
			continue
		}
		chosen = p
		break
	}
	if chosen == nil {
		return
	}

	l.runObjective(ctx, chosen)

	l.mu.Lock()
	l.lastObjectiveProcessed = time.Now()
	l.mu.Unlock()
}

// tierIntervalMinutes implements spec.md §4.8's dynamic-frequency table.
func tierIntervalMinutes(n int) int {
	switch {
	case n <= 0:
		return 0
	case n <= 6:
		return 60
	case n <= 14:
		return 30
	case n <= 25:
		return 15
	case n <= 40:
		return 10
	default:
		return 5
	}
}

func (l *Loop) runObjective(ctx context.Context, proj *store.Project) {
	sb := l.cfg.Orchestrator.Sandbox()
	if sb != nil {
		if err := sb.SetRoot(proj.WorkspacePath); err != nil {
			telemetry.Error(ctx, "failed to switch workspace for objective", err, telemetry.KV{K: "origin", V: "autonomous"}, telemetry.KV{K: "project", V: proj.Name})
			return
		}
	}
	l.cfg.Orchestrator.SetActiveProjectID(proj.ID)

	l.mu.Lock()
	l.running = true
	l.currentObjectiveID = proj.ID
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.currentObjectiveID = ""
		l.mu.Unlock()
	}()

	prompt := buildObjectivePrompt(proj, l.recentObjectiveSummaries(ctx, proj.ID))

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.ObjectiveRunTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.cfg.Orchestrator.Run(runCtx, prompt, orchestrator.IntentAutonomous)
	}()

	select {
	case <-done:
		telemetry.Info(ctx, "autonomous objective progress", telemetry.KV{K: "project", V: proj.Name})
	case <-runCtx.Done():
		telemetry.Error(ctx, "autonomous objective timeout", runCtx.Err(), telemetry.KV{K: "origin", V: "autonomous"}, telemetry.KV{K: "project", V: proj.Name})
		<-done
	}

	st := l.cfg.Orchestrator.Store()
	if err := st.RecordAutonomousRun(ctx, proj.ID, time.Now(), time.Now().UTC().Format("2006-01-02")); err != nil {
		telemetry.Error(ctx, "failed to record autonomous run", err, telemetry.KV{K: "origin", V: "autonomous"}, telemetry.KV{K: "project", V: proj.Name})
	}
}

func buildObjectivePrompt(proj *store.Project, recentSummaries []string) string {
	prompt := fmt.Sprintf("Project: %s\nObjective: %s\nAdvance this objective. Take one concrete, small step.",
		proj.Name, proj.Objective)
	if len(recentSummaries) == 0 {
		return prompt
	}
	prompt += "\n\nRecent autonomous progress on this project (avoid repeating yourself):\n"
	for _, s := range recentSummaries {
		prompt += "- " + s + "\n"
	}
	return prompt
}

// recentObjectiveSummaries scans recent conversations for up to
// objectivePromptConversations autonomous-intent turns tagged with
// projectID's id (via internal/orchestrator's persisted metadata), truncated
// to objectiveConversationTruncate characters each, most-recent first.
// internal/store.ConversationStore doesn't guarantee an ordering convention
// across backends, so matches are re-sorted by timestamp here rather than
// trusting RecentConversations' slice order.
func (l *Loop) recentObjectiveSummaries(ctx context.Context, projectID string) []string {
	st := l.cfg.Orchestrator.Store()
	recent, err := st.RecentConversations(ctx, conversationScanLimit)
	if err != nil {
		return nil
	}

	var matches []store.Conversation
	for _, c := range recent {
		var meta struct {
			Mode      string `json:"mode"`
			ProjectID string `json:"project_id"`
		}
		if len(c.MetadataJSON) > 0 {
			_ = json.Unmarshal(c.MetadataJSON, &meta)
		}
		if meta.Mode != string(orchestrator.IntentAutonomous) || meta.ProjectID != projectID {
			continue
		}
		matches = append(matches, c)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Timestamp.After(matches[j].Timestamp) })

	if len(matches) > objectivePromptConversations {
		matches = matches[:objectivePromptConversations]
	}
	out := make([]string, 0, len(matches))
	for _, c := range matches {
		out = append(out, truncate(c.AgentMsg, objectiveConversationTruncate))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
