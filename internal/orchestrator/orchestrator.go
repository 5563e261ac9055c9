// Package orchestrator implements spec.md §4.6: the single public
// run(user_input, intent) entry point that owns the sandbox, message bus,
// error collector, store, planner and plan executor, and
// coordinates with the autonomous and improvement background loops.
// Grounded on original_source/bbclaw/core/orchestrator.py's Orchestrator
// class (run/run_direct/_synthesize/_extract_and_switch_project), adapted
// from its asyncio coroutines to goroutines/context.Context and from its
// exception-based control flow to this module's result-typed errors.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/bus"
	"github.com/loopworks/conductor/internal/errlog"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/planner"
	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/telemetry"
)

// Intent distinguishes who is calling Run, per spec.md §4.6.
type Intent string

const (
	IntentUser        Intent = "user"
	IntentImprovement Intent = "improvement"
	IntentAutonomous  Intent = "autonomous"
)

var projectMentionRE = regexp.MustCompile(`(?:^|\s)#([a-z0-9][a-z0-9-]*)`)

// defaultMultiStepCues is the language-independent heuristic of spec.md
// §4.6 step 4, carried over from the Spanish/English bilingual list in
// original_source/bbclaw/core/orchestrator.py's _MULTI_STEP_KEYWORDS (the
// distillation's "English" framing is a subset of what the original
// actually checks for).
var defaultMultiStepCues = []string{
	"then", "first", "step 1", "step 2", "and then", "also",
	"y luego", "después", "primero", "paso 1", "paso 2", "además",
	"1.", "2.",
}

const synthesisPrompt = "You have the results of multiple specialized agents working in parallel.\n" +
	"Synthesize everything into ONE clear, structured, useful answer for the user.\n" +
	"Don't repeat content unnecessarily. Be direct. Use markdown."

// Config wires every collaborator the orchestrator needs.
type Config struct {
	Store    store.Store
	Bus      *bus.Bus
	Sandbox  *sandbox.Sandbox
	Errors   *errlog.Collector
	Planner  *planner.Planner
	Executor *plan.Executor
	Provider llm.Provider // used for Embed; may be one that returns EmbeddingsUnavailable

	Agents map[string]plan.AgentRunner // role -> runner; must include "coder" and "generalist"

	RecentConversationsN int
	SemanticTopK         int
	SemanticMaxDistance  float64
	DirectModeMaxChars   int
	MultiStepCues        []string

	ImprovementWaitPoll time.Duration
	ImprovementWaitMax  time.Duration
}

// Reminder is one pending item queued by the autonomous loop for display on
// the CLI's next prompt.
type Reminder struct {
	Title       string
	Description string
	QueuedAt    time.Time
}

// Orchestrator is the process-wide coordination point. Its active-project
// and workspace-root mutable state is process-wide by design (spec.md §5:
// "mutation happens only from the orchestrator at request boundaries");
// callers must serialize Run invocations themselves.
type Orchestrator struct {
	cfg Config

	mu                 sync.Mutex
	activeProjectID    string
	lastUserActivity   time.Time
	improvementRunning bool
	pendingReminders   []Reminder
	lastRunTokens      int
}

// New builds an Orchestrator from cfg, applying spec.md's stated defaults.
func New(cfg Config) *Orchestrator {
	if cfg.RecentConversationsN <= 0 {
		cfg.RecentConversationsN = 10
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 5
	}
	if cfg.SemanticMaxDistance <= 0 {
		cfg.SemanticMaxDistance = 1.2
	}
	if cfg.DirectModeMaxChars <= 0 {
		cfg.DirectModeMaxChars = 500
	}
	if len(cfg.MultiStepCues) == 0 {
		cfg.MultiStepCues = defaultMultiStepCues
	}
	if cfg.ImprovementWaitPoll <= 0 {
		cfg.ImprovementWaitPoll = time.Second
	}
	if cfg.ImprovementWaitMax <= 0 {
		cfg.ImprovementWaitMax = 30 * time.Second
	}
	return &Orchestrator{cfg: cfg, lastUserActivity: time.Now()}
}

// Store exposes the orchestrator's backing store, for internal/autonomous,
// internal/improvement, internal/httpapi and internal/cli, all of which
// read or write state the orchestrator owns but doesn't otherwise surface.
func (o *Orchestrator) Store() store.Store { return o.cfg.Store }

// Bus exposes the process-wide event bus.
func (o *Orchestrator) Bus() *bus.Bus { return o.cfg.Bus }

// Sandbox exposes the workspace sandbox, so the improvement loop can switch
// to the repo root and the CLI can report the active workspace.
func (o *Orchestrator) Sandbox() *sandbox.Sandbox { return o.cfg.Sandbox }

// Errors exposes the error collector the improvement loop gates on.
func (o *Orchestrator) Errors() *errlog.Collector { return o.cfg.Errors }

// ActiveProjectID returns the currently active project id, or "" if none.
func (o *Orchestrator) ActiveProjectID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeProjectID
}

// SetActiveProjectID switches the active project without going through a
// #slug mention — used by internal/autonomous when it round-robins onto a
// project's objective.
func (o *Orchestrator) SetActiveProjectID(id string) {
	o.mu.Lock()
	o.activeProjectID = id
	o.mu.Unlock()
}

// SetImprovementRunning is called by internal/improvement at the start and
// end of each cycle; Run(intent=user) waits on it, Run(intent=autonomous)
// callers (internal/autonomous) should check IsImprovementRunning and skip
// their tick instead of calling Run at all.
func (o *Orchestrator) SetImprovementRunning(running bool) {
	o.mu.Lock()
	o.improvementRunning = running
	o.mu.Unlock()
}

// IsImprovementRunning reports the current mutual-exclusion state.
func (o *Orchestrator) IsImprovementRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.improvementRunning
}

// LastUserActivity reports the timestamp of the most recent intent=user Run
// call, for the improvement loop's idle gate.
func (o *Orchestrator) LastUserActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUserActivity
}

// LastRunTokens reports the token usage of the most recently completed Run,
// for the improvement loop's per-cycle token accounting.
func (o *Orchestrator) LastRunTokens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRunTokens
}

// QueueReminder is called by internal/autonomous when a due scheduled item
// of type "reminder" fires.
func (o *Orchestrator) QueueReminder(r Reminder) {
	o.mu.Lock()
	o.pendingReminders = append(o.pendingReminders, r)
	o.mu.Unlock()
}

// DrainReminders pops and clears every pending reminder, for display before
// the CLI's next prompt.
func (o *Orchestrator) DrainReminders() []Reminder {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.pendingReminders
	o.pendingReminders = nil
	return out
}

// Run implements the seven-step pipeline of spec.md §4.6.
func (o *Orchestrator) Run(ctx context.Context, userInput string, intent Intent) string {
	if intent == IntentUser {
		o.mu.Lock()
		o.lastUserActivity = time.Now()
		o.mu.Unlock()
		o.waitForImprovement(ctx)
		userInput = o.extractAndSwitchProject(ctx, userInput)
	}

	memoryContext := o.buildMemoryContext(ctx, userInput)

	var response string
	if isSimpleTask(userInput, o.cfg.DirectModeMaxChars, o.cfg.MultiStepCues) {
		response = o.runDirect(ctx, userInput, memoryContext)
	} else {
		response = o.runPlanned(ctx, userInput, memoryContext)
	}

	o.persist(ctx, userInput, response, intent)
	return response
}

// waitForImprovement polls every ImprovementWaitPoll, up to
// ImprovementWaitMax, for the improvement loop to finish, per spec.md §4.6
// step 1 / §5's "wait up to 30s" ordering guarantee.
func (o *Orchestrator) waitForImprovement(ctx context.Context) {
	if !o.IsImprovementRunning() {
		return
	}
	deadline := time.Now().Add(o.cfg.ImprovementWaitMax)
	ticker := time.NewTicker(o.cfg.ImprovementWaitPoll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.IsImprovementRunning() {
				return
			}
		}
	}
}

// extractAndSwitchProject implements step 2: scan for a #slug mention,
// switch the active workspace and session on a match, strip the mention.
func (o *Orchestrator) extractAndSwitchProject(ctx context.Context, text string) string {
	loc := projectMentionRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	slug := strings.ToLower(text[loc[2]:loc[3]])

	project, err := o.cfg.Store.GetProjectBySlug(ctx, slug)
	if err != nil {
		return text // no matching project: leave the text untouched
	}

	if o.cfg.Sandbox != nil {
		if err := o.cfg.Sandbox.SetRoot(project.WorkspacePath); err != nil {
			telemetry.Error(ctx, "project switch failed to set workspace root", err,
				telemetry.KV{K: "origin", V: "orchestrator"}, telemetry.KV{K: "project", V: project.Slug})
			return text
		}
	}
	_ = o.cfg.Store.TouchLastUsed(ctx, project.ID, time.Now())

	o.mu.Lock()
	o.activeProjectID = project.ID
	o.mu.Unlock()

	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.Event{Type: "project_changed", Source: "orchestrator", Payload: map[string]any{
			"projectId": project.ID, "projectName": project.Name, "projectSlug": project.Slug,
		}})
	}
	telemetry.Info(ctx, "auto-switched project", telemetry.KV{K: "project", V: project.Name}, telemetry.KV{K: "slug", V: slug})

	start := loc[0]
	if start < len(text) && text[start] == ' ' {
		start++
	}
	cleaned := strings.TrimSpace(text[:start] + text[loc[1]:])
	if cleaned == "" {
		return text
	}
	return cleaned
}

// buildMemoryContext implements step 3: recent conversations, semantically
// similar snippets (only if the provider supports embeddings), and
// accumulated knowledge.
func (o *Orchestrator) buildMemoryContext(ctx context.Context, userInput string) string {
	var parts []string

	if recent, err := o.cfg.Store.RecentConversations(ctx, o.cfg.RecentConversationsN); err == nil && len(recent) > 0 {
		var lines []string
		for _, c := range recent {
			lines = append(lines, "User: "+c.UserMsg)
			if c.AgentMsg != "" {
				lines = append(lines, "Assistant: "+c.AgentMsg)
			}
		}
		parts = append(parts, "## Recent history\n"+strings.Join(lines, "\n"))
	}

	if snippet := o.buildSemanticContext(ctx, userInput); snippet != "" {
		parts = append(parts, snippet)
	}

	if knowledge, err := o.cfg.Store.AllKnowledge(ctx); err == nil && len(knowledge) > 0 {
		keys := make([]string, 0, len(knowledge))
		for k := range knowledge {
			keys = append(keys, k)
		}
		if len(keys) > 10 {
			keys = keys[:10]
		}
		var lines []string
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("- **%s**: %s", k, knowledge[k]))
		}
		parts = append(parts, "## Accumulated knowledge\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

func (o *Orchestrator) buildSemanticContext(ctx context.Context, userInput string) string {
	if o.cfg.Provider == nil {
		return ""
	}
	count, err := o.cfg.Store.CountSnippets(ctx)
	if err != nil || count == 0 {
		return ""
	}
	embedding, err := o.cfg.Provider.Embed(ctx, userInput)
	if err != nil {
		return "" // EmbeddingsUnavailable or transient: silently skipped, per spec.md §7
	}
	matches, err := o.cfg.Store.SearchSnippets(ctx, embedding, o.cfg.SemanticTopK)
	if err != nil {
		return ""
	}
	var lines []string
	for _, m := range matches {
		if m.Distance < o.cfg.SemanticMaxDistance {
			lines = append(lines, "- "+m.Text)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Relevant semantic memory\n" + strings.Join(lines, "\n")
}

// isSimpleTask implements spec.md §4.6 step 4's direct-mode heuristic.
func isSimpleTask(userInput string, maxChars int, cues []string) bool {
	if len(userInput) > maxChars {
		return false
	}
	lower := strings.ToLower(userInput)
	for _, cue := range cues {
		if strings.Contains(lower, cue) {
			return false
		}
	}
	return true
}

// runDirect bypasses the planner and executor: a single coder-or-generalist
// agent resolves the request directly.
func (o *Orchestrator) runDirect(ctx context.Context, userInput, memoryContext string) string {
	runner, ok := o.cfg.Agents["coder"]
	if !ok {
		runner, ok = o.cfg.Agents["generalist"]
	}
	if !ok {
		return "Error: no agent available for direct mode"
	}

	result := runner.Run(ctx, agent.Context{TaskDescription: userInput, MemoryContext: memoryContext})
	o.mu.Lock()
	o.lastRunTokens = result.TokensUsed
	o.mu.Unlock()

	response := result.Output
	if !result.Success {
		response = "Error: " + result.Error
	}
	o.persistTask(ctx, result, "direct")
	o.storeSnippet(ctx, userInput, response)
	return response
}

// runPlanned drives planner → executor → synthesis for multi-step requests.
func (o *Orchestrator) runPlanned(ctx context.Context, userInput, memoryContext string) string {
	p := o.cfg.Planner.CreatePlan(ctx, userInput, memoryContext)
	telemetry.Info(ctx, "plan created", telemetry.KV{K: "summary", V: p.Summary}, telemetry.KV{K: "tasks", V: len(p.Tasks)})

	p = o.cfg.Executor.Execute(ctx, p, memoryContext)

	var tokens int
	for _, t := range p.Tasks {
		tokens += t.TokensUsed
	}
	o.mu.Lock()
	o.lastRunTokens = tokens
	o.mu.Unlock()

	response := o.synthesize(ctx, userInput, p)
	o.storeSnippet(ctx, userInput, response)
	return response
}

// synthesize implements step 6: a single successful task's output is
// returned verbatim; otherwise a digest is built and handed to the
// "orchestrator" synthesizer role.
func (o *Orchestrator) synthesize(ctx context.Context, userInput string, p *planner.Plan) string {
	if len(p.Tasks) == 1 && p.Tasks[0].Status == planner.StatusDone {
		if p.Tasks[0].Result != "" {
			return p.Tasks[0].Result
		}
		return "(no result)"
	}

	var digest strings.Builder
	for _, t := range p.Tasks {
		switch t.Status {
		case planner.StatusDone:
			fmt.Fprintf(&digest, "### %s (agent: %s)\n%s\n\n", t.Name, t.Agent, t.Result)
		case planner.StatusFailed:
			fmt.Fprintf(&digest, "### %s — FAILED\nError: %s\n\n", t.Name, t.Error)
		}
	}
	if digest.Len() == 0 {
		return "No results were obtained from the agents."
	}

	synth, ok := o.cfg.Agents["orchestrator"]
	if !ok {
		return digest.String()
	}

	synthInput := fmt.Sprintf("User request: %s\n\nAgent results:\n%s", userInput, digest.String())
	result := synth.Run(ctx, agent.Context{TaskDescription: synthInput, MemoryContext: synthesisPrompt})
	if !result.Success {
		return digest.String()
	}
	return result.Output
}

// persist implements step 7: save the conversation turn and, if embeddings
// are available, the snippet's embedding. Best-effort: storage failures are
// logged but never returned to the caller (§7: "only catastrophic errors …
// propagate"). The intent and active project are recorded in metadata so
// internal/autonomous can later recall "the last N autonomous conversations
// about this project" without a schema change.
func (o *Orchestrator) persist(ctx context.Context, userInput, response string, intent Intent) {
	metadata, _ := json.Marshal(map[string]any{
		"mode":       string(intent),
		"project_id": o.ActiveProjectID(),
	})
	err := o.cfg.Store.SaveConversation(ctx, store.Conversation{
		UserMsg: userInput, AgentMsg: response, MetadataJSON: metadata,
	})
	if err != nil {
		telemetry.Error(ctx, "conversation persistence failed", err, telemetry.KV{K: "origin", V: "orchestrator"})
	}
}

func (o *Orchestrator) persistTask(ctx context.Context, result agent.Result, mode string) {
	id := result.TaskID
	if id == "" {
		id = mode + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	status := "failed"
	if result.Success {
		status = "done"
	}
	rec := store.TaskRecord{ID: id, Name: truncate(result.Output, 100), Status: status, Agent: result.AgentName}
	if result.Success {
		rec.Result = truncate(result.Output, 5000)
	} else {
		rec.Error = truncate(result.Error, 2000)
	}
	if err := o.cfg.Store.UpsertTask(ctx, rec); err != nil {
		telemetry.Error(ctx, "best-effort direct-task persistence failed", err, telemetry.KV{K: "origin", V: "orchestrator"})
	}
}

// storeSnippet embeds and stores "User: …\nAssistant: …" for future
// semantic recall, iff the provider supports embeddings. An embedding
// failure is logged at debug level and otherwise ignored, per spec.md §7's
// EmbeddingsUnavailable policy ("semantic-store step silently skipped"); a
// failure to store the snippet is logged via telemetry.Error.
func (o *Orchestrator) storeSnippet(ctx context.Context, userInput, response string) {
	if o.cfg.Provider == nil {
		return
	}
	text := fmt.Sprintf("User: %s\nAssistant: %s", userInput, truncate(response, 500))
	embedding, err := o.cfg.Provider.Embed(ctx, text)
	if err != nil {
		telemetry.Debug(ctx, "embedding unavailable, snippet not stored", telemetry.KV{K: "error", V: err.Error()})
		return
	}
	if err := o.cfg.Store.StoreSnippet(ctx, text, embedding); err != nil {
		telemetry.Error(ctx, "semantic snippet persistence failed", err, telemetry.KV{K: "origin", V: "orchestrator"})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
