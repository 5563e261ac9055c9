// Package improvement implements the improvement loop of spec.md §4.9: a
// single long-lived, idle-sensitive background task that mutates the
// runtime's own source in short-lived improve/* branches. Grounded on
// original_source/bbclaw/core/improvement_loop.py's ImprovementLoop
// (warm-up sleep, per-minute gate evaluation, branch lifecycle, fix/rotation
// prompt modes), with spec.md's numeric defaults and — deliberately — without
// the Python reference's early-timeout-skips-cleanup bug: this Loop always
// runs its cleanup step regardless of how orchestrator.Run finishes.
package improvement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loopworks/conductor/internal/errlog"
	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/telemetry"
)

const (
	defaultWarmUp             = 30 * time.Second
	defaultCheckInterval      = 60 * time.Second
	defaultIntervalMinutes    = 360
	defaultMaxCyclesPerHour   = 1
	defaultTokenBudgetPerHour = 80000
	defaultIdleMinutes        = 5
	defaultRotateAfter        = 20
	defaultRunTimeout         = 5 * time.Minute

	loopStateKnowledgeKey = "improvement_loop_state"
	attemptScanLimit      = 50
)

const genericPrompt = "You are the runtime's own self-improver. Analyze your own source tree, " +
	"identify one concrete improvement (a bug fix, an optimization, a small feature), implement it, " +
	"and verify it works. Make small, safe changes."

const rotationPrompt = "Many consecutive cycles produced no change. Radically change strategy: " +
	"pick a different area of the codebase than usual, and make small, safe changes there."

// Config wires the loop's collaborators and tunables. Every *Minutes/*Hour
// field except IdleMinutes defaults to spec.md §4.9's stated value when left
// zero; IdleMinutes defaults only when negative, and zero means no idle wait.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Errors       *errlog.Collector
	VCS          VCS

	// Enabled mirrors config.Config.ImprovementEnabled, which internal/config
	// reads from the environment and internal/app wires through for both
	// binaries.
	Enabled bool

	WarmUp        time.Duration
	CheckInterval time.Duration
	IntervalMin   int
	MaxCyclesHour int
	TokenBudget   int
	IdleMinutes   int
	RotateAfter   int
	RunTimeout    time.Duration
}

// Status is a snapshot for the HTTP/CLI surfaces.
type Status struct {
	IsRunning                bool
	CycleCount               int
	ConsecutiveNoImprovement int
	LastRunAt                time.Time
	TokensLastHour           int
	TokenBudget              int
}

// loopState is the cross-restart counters persisted to the knowledge store,
// per spec.md §4.9 step 6.
type loopState struct {
	CycleCount               int       `json:"cycle_count"`
	ConsecutiveNoImprovement int       `json:"consecutive_no_improvement"`
	LastRunAt                time.Time `json:"last_run_at"`
	LastCycleTokens          int       `json:"last_cycle_tokens"`
}

// Loop is the improvement control-plane task.
type Loop struct {
	cfg Config

	mu    sync.Mutex
	state loopState
}

// New builds a Loop from cfg, applying spec.md's stated defaults, and
// restores any persisted loopState found under loopStateKnowledgeKey so
// counters survive restarts.
func New(ctx context.Context, cfg Config) *Loop {
	if cfg.WarmUp <= 0 {
		cfg.WarmUp = defaultWarmUp
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.IntervalMin <= 0 {
		cfg.IntervalMin = defaultIntervalMinutes
	}
	if cfg.MaxCyclesHour <= 0 {
		cfg.MaxCyclesHour = defaultMaxCyclesPerHour
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = defaultTokenBudgetPerHour
	}
	if cfg.IdleMinutes < 0 {
		cfg.IdleMinutes = defaultIdleMinutes
	}
	if cfg.RotateAfter <= 0 {
		cfg.RotateAfter = defaultRotateAfter
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}

	l := &Loop{cfg: cfg}
	l.restoreState(ctx)
	return l
}

func (l *Loop) restoreState(ctx context.Context) {
	if l.cfg.Orchestrator == nil {
		return
	}
	raw, err := l.cfg.Orchestrator.Store().GetKnowledge(ctx, loopStateKnowledgeKey)
	if err != nil {
		return
	}
	var s loopState
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Status reports the loop's current state, for internal/httpapi and
// internal/cli.
func (l *Loop) Status() Status {
	tokens := l.tokensLastHour(context.Background())
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		IsRunning:                l.cfg.Orchestrator.IsImprovementRunning(),
		CycleCount:               l.state.CycleCount,
		ConsecutiveNoImprovement: l.state.ConsecutiveNoImprovement,
		LastRunAt:                l.state.LastRunAt,
		TokensLastHour:           tokens,
		TokenBudget:              l.cfg.TokenBudget,
	}
}

// Run drives the loop until ctx is cancelled, per spec.md §5's long-lived
// task list.
func (l *Loop) Run(ctx context.Context) {
	telemetry.Info(ctx, "improvement loop starting", telemetry.KV{K: "interval_minutes", V: l.cfg.IntervalMin})

	select {
	case <-time.After(l.cfg.WarmUp):
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-time.After(l.cfg.CheckInterval):
		case <-ctx.Done():
			telemetry.Info(ctx, "improvement loop stopped")
			return
		}

		l.Tick(ctx)
	}
}

// Tick evaluates the gate once and, if it passes, runs one full cycle. It is
// exported so it can also serve as an admin "run an improvement cycle now"
// trigger, bypassing the wait for the next check-interval tick — not merely
// a test hook. Returns whether a cycle actually ran.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.shouldRun(ctx) {
		return false
	}

	l.cfg.Orchestrator.SetImprovementRunning(true)
	defer l.cfg.Orchestrator.SetImprovementRunning(false)
	l.runCycle(ctx)
	return true
}

// shouldRun implements spec.md §4.9's AND-gate.
func (l *Loop) shouldRun(ctx context.Context) bool {
	if !l.cfg.Enabled {
		return false
	}

	l.mu.Lock()
	sinceLast := time.Since(l.state.LastRunAt)
	l.mu.Unlock()
	if !l.state.LastRunAt.IsZero() && sinceLast < time.Duration(l.cfg.IntervalMin)*time.Minute {
		return false
	}

	if l.cyclesThisHour(ctx) >= l.cfg.MaxCyclesHour {
		return false
	}

	if l.tokensLastHour(ctx) >= l.cfg.TokenBudget {
		return false
	}

	if l.cfg.Errors == nil || !l.cfg.Errors.HasActionable() {
		idleFor := time.Since(l.cfg.Orchestrator.LastUserActivity())
		if idleFor < time.Duration(l.cfg.IdleMinutes)*time.Minute {
			return false
		}
	}

	if l.cfg.VCS != nil {
		branch, err := l.cfg.VCS.CurrentBranch(ctx)
		if err == nil && isImprovementBranch(branch) {
			if err := l.cfg.VCS.CheckoutMainline(ctx); err != nil {
				telemetry.Error(ctx, "failed to checkout mainline off a stale improve branch", err, telemetry.KV{K: "origin", V: "improvement_loop"})
			}
			return false
		}
	}

	return true
}

func isImprovementBranch(branch string) bool {
	const prefix = "improve/"
	return len(branch) >= len(prefix) && branch[:len(prefix)] == prefix
}

func (l *Loop) cyclesThisHour(ctx context.Context) int {
	attempts, err := l.cfg.Orchestrator.Store().RecentImprovementAttempts(ctx, attemptScanLimit)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-time.Hour)
	count := 0
	for _, a := range attempts {
		if a.CreatedAt.After(cutoff) {
			count++
		}
	}
	return count
}

func (l *Loop) tokensLastHour(ctx context.Context) int {
	attempts, err := l.cfg.Orchestrator.Store().RecentImprovementAttempts(ctx, attemptScanLimit)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-time.Hour)
	total := 0
	for _, a := range attempts {
		if a.CreatedAt.After(cutoff) {
			total += a.TokensUsed
		}
	}
	return total
}

// runCycle implements spec.md §4.9's cycle: branch, run, evaluate, always
// clean up.
func (l *Loop) runCycle(ctx context.Context) {
	l.mu.Lock()
	l.state.CycleCount++
	cycle := l.state.CycleCount
	consecutiveNoImprovement := l.state.ConsecutiveNoImprovement
	l.mu.Unlock()

	branch := fmt.Sprintf("improve/%s", time.Now().UTC().Format("20060102-150405"))
	telemetry.Info(ctx, "improvement cycle starting", telemetry.KV{K: "cycle", V: cycle}, telemetry.KV{K: "branch", V: branch})

	attempt := store.ImprovementAttempt{Cycle: cycle, Branch: branch}

	if l.cfg.VCS != nil {
		if err := l.cfg.VCS.CreateBranch(ctx, branch); err != nil {
			attempt.Error = err.Error()
			l.finishCycle(ctx, attempt, false)
			return
		}
	}

	mode, prompt := l.buildPrompt()
	telemetry.Info(ctx, "improvement cycle prompt selected", telemetry.KV{K: "cycle", V: cycle}, telemetry.KV{K: "mode", V: mode})

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.RunTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.cfg.Orchestrator.Run(runCtx, prompt, orchestrator.IntentImprovement)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		telemetry.Error(ctx, "improvement cycle timeout", runCtx.Err(), telemetry.KV{K: "origin", V: "improvement_loop"}, telemetry.KV{K: "cycle", V: cycle})
		<-done
	}

	attempt.TokensUsed = l.cfg.Orchestrator.LastRunTokens()

	merged := false
	if l.cfg.VCS != nil {
		changed, err := l.cfg.VCS.ChangedFiles(ctx, "main")
		if err != nil {
			attempt.Error = err.Error()
		} else if len(changed) > 0 {
			changedJSON, _ := json.Marshal(changed)
			attempt.ChangedFilesJSON = changedJSON
			if err := l.commitAndMerge(ctx, branch, cycle); err != nil {
				attempt.Error = err.Error()
			} else {
				merged = true
			}
		} else {
			consecutiveNoImprovement++
		}
		l.cleanupBranch(ctx, branch)
	}

	attempt.Merged = merged
	if merged && mode == "fix" && l.cfg.Errors != nil {
		l.cfg.Errors.MarkAllResolved()
	}
	if merged {
		consecutiveNoImprovement = 0
	}

	l.mu.Lock()
	l.state.ConsecutiveNoImprovement = consecutiveNoImprovement
	l.mu.Unlock()

	l.finishCycle(ctx, attempt, merged)
}

func (l *Loop) commitAndMerge(ctx context.Context, branch string, cycle int) error {
	if err := l.cfg.VCS.CommitAll(ctx, fmt.Sprintf("improve: cycle %d", cycle)); err != nil {
		return err
	}
	return l.cfg.VCS.Merge(ctx, branch)
}

// cleanupBranch always runs, even if the cycle failed or timed out — the
// Python reference's early-return-on-timeout path skips this, a bug this
// Loop deliberately does not reproduce.
func (l *Loop) cleanupBranch(ctx context.Context, branch string) {
	if err := l.cfg.VCS.CheckoutMainline(ctx); err != nil {
		telemetry.Error(ctx, "cleanup: failed to checkout mainline", err, telemetry.KV{K: "origin", V: "improvement_loop"}, telemetry.KV{K: "branch", V: branch})
	}
	if err := l.cfg.VCS.DeleteBranch(ctx, branch); err != nil {
		telemetry.Debug(ctx, "cleanup: failed to delete improvement branch", telemetry.KV{K: "branch", V: branch}, telemetry.KV{K: "error", V: err.Error()})
	}
}

// buildPrompt implements spec.md §4.9 step 3's mode selection.
func (l *Loop) buildPrompt() (mode, prompt string) {
	if l.cfg.Errors != nil && l.cfg.Errors.HasActionable() {
		return "fix", "Diagnose the root cause of the following errors and patch them with the smallest safe change.\n\n" + l.cfg.Errors.FormatForPrompt()
	}

	l.mu.Lock()
	rotate := l.state.ConsecutiveNoImprovement >= l.cfg.RotateAfter
	l.mu.Unlock()
	if rotate {
		return "rotation", rotationPrompt
	}

	return "generic", genericPrompt
}

// finishCycle persists the attempt record and the durable loop state (step
// 6), unconditionally — best-effort, matching the rest of the runtime's
// storage-failure policy.
func (l *Loop) finishCycle(ctx context.Context, attempt store.ImprovementAttempt, merged bool) {
	now := time.Now()

	l.mu.Lock()
	l.state.LastRunAt = now
	l.state.LastCycleTokens = attempt.TokensUsed
	state := l.state
	l.mu.Unlock()

	attempt.CreatedAt = now

	st := l.cfg.Orchestrator.Store()
	if err := st.SaveImprovementAttempt(ctx, attempt); err != nil {
		telemetry.Error(ctx, "failed to persist improvement attempt", err, telemetry.KV{K: "origin", V: "improvement_loop"})
	}

	stateJSON, _ := json.Marshal(state)
	if err := st.SetKnowledge(ctx, loopStateKnowledgeKey, stateJSON); err != nil {
		telemetry.Error(ctx, "failed to persist improvement loop state", err, telemetry.KV{K: "origin", V: "improvement_loop"})
	}

	telemetry.Info(ctx, "improvement cycle finished", telemetry.KV{K: "cycle", V: attempt.Cycle}, telemetry.KV{K: "merged", V: merged})
}
