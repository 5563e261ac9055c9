// Package app builds the process-wide object graph shared by cmd/conductor
// (the CLI) and cmd/conductord (the HTTP facade): provider selection,
// store, sandbox, tool registry, agents, planner/executor, bus, error
// collector, orchestrator, and the two background control-plane loops.
// Grounded on cmd/demo/main.go's explicit, framework-free wiring style —
// this module has no dependency-injection container, everything is built
// by hand in New.
package app

import (
	"context"
	"fmt"

	"github.com/loopworks/conductor/internal/agent"
	"github.com/loopworks/conductor/internal/autonomous"
	"github.com/loopworks/conductor/internal/bus"
	"github.com/loopworks/conductor/internal/bus/redisbridge"
	"github.com/loopworks/conductor/internal/config"
	"github.com/loopworks/conductor/internal/errlog"
	"github.com/loopworks/conductor/internal/improvement"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/llm/anthropic"
	"github.com/loopworks/conductor/internal/llm/breaker"
	"github.com/loopworks/conductor/internal/llm/openai"
	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/plan"
	"github.com/loopworks/conductor/internal/planner"
	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/store/memory"
	"github.com/loopworks/conductor/internal/store/postgres"
	"github.com/loopworks/conductor/internal/telemetry"
	"github.com/loopworks/conductor/internal/tools"
	"github.com/loopworks/conductor/internal/tools/builtin"
)

// App is the fully wired runtime: everything cmd/conductor and
// cmd/conductord need to serve their respective surfaces.
type App struct {
	Config       *config.Config
	Store        store.Store
	Bus          *bus.Bus
	Sandbox      *sandbox.Sandbox
	Errors       *errlog.Collector
	Registry     *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Autonomous   *autonomous.Loop
	Improvement  *improvement.Loop
	RedisBridge  *redisbridge.Bridge // nil unless cfg.RedisURL is set

	closeStore func() error
}

// New loads configuration from the environment and builds the full object
// graph. ctx is used for the initial store connection/migration, bounds the
// message bus's dispatch loop, and is passed to improvement.New to restore
// the improvement loop's persisted state.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	ws, err := sandbox.New(cfg.WorkspaceRoot)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("init workspace sandbox: %w", err)
	}

	anchor, err := sandbox.FindProjectAnchor(cfg.ProjectRoot, "go.mod")
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("find project anchor: %w", err)
	}

	registry := tools.New(builtin.GitAutoCommit(ws))
	if err := builtin.RegisterFilesystem(registry, ws); err != nil {
		closeStore()
		return nil, fmt.Errorf("register filesystem tools: %w", err)
	}
	if err := builtin.RegisterSource(registry, anchor); err != nil {
		closeStore()
		return nil, fmt.Errorf("register source tools: %w", err)
	}
	if err := builtin.RegisterScheduling(registry, store.AsScheduleStore(st)); err != nil {
		closeStore()
		return nil, fmt.Errorf("register scheduling tools: %w", err)
	}

	eventBus := bus.New(256)
	go eventBus.Start(ctx)

	var bridge *redisbridge.Bridge
	if cfg.RedisURL != "" {
		bridge, err = redisbridge.New(cfg.RedisURL, "conductor.events")
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("connect redis event bridge: %w", err)
		}
	}

	errs := errlog.New()
	telemetry.SetErrorSink(errs.Capture)

	coder := agent.New(agent.Config{
		Name: "coder", Description: "a careful software engineer operating inside a sandboxed workspace",
		Provider: provider, Tools: registry, SystemPromptFor: coderSystemPrompt,
		MaxIterations: cfg.MaxIterations, Temperature: cfg.Temperature, RetryBase: cfg.RetryBase, MaxRetries: uint64(cfg.MaxRetries),
	})
	researcher := agent.New(agent.Config{
		Name: "researcher", Description: "a specialist in research, analysis, and synthesizing information",
		Provider: provider, Tools: registry, SystemPromptFor: researcherSystemPrompt,
		MaxIterations: cfg.MaxIterations, Temperature: cfg.Temperature, RetryBase: cfg.RetryBase, MaxRetries: uint64(cfg.MaxRetries),
	})
	selfImprover := agent.New(agent.Config{
		Name: "self_improver", Description: "an agent that can modify the system's own source code",
		Provider: provider, Tools: registry, SystemPromptFor: selfImproverSystemPrompt,
		MaxIterations: cfg.MaxIterations, Temperature: cfg.Temperature, RetryBase: cfg.RetryBase, MaxRetries: uint64(cfg.MaxRetries),
	})
	generalist := agent.New(agent.Config{
		Name: "generalist", Description: "a flexible assistant for any task that doesn't need specialized tools",
		Provider: provider, Tools: registry, SystemPromptFor: coderSystemPrompt,
		MaxIterations: cfg.MaxIterations, Temperature: cfg.Temperature, RetryBase: cfg.RetryBase, MaxRetries: uint64(cfg.MaxRetries),
	})

	agents := map[string]plan.AgentRunner{
		"coder": coder, "researcher": researcher, "self_improver": selfImprover, "generalist": generalist,
	}

	executor := plan.New(plan.Config{
		Agents: agents, Bus: eventBus, Persister: store.AsPlanPersister(st), MaxParallelism: cfg.MaxParallelTask,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store: st, Bus: eventBus, Sandbox: ws, Errors: errs,
		Planner: planner.New(provider), Executor: executor, Provider: provider,
		Agents:             agents,
		ImprovementWaitMax: cfg.UserWaitForImprovement,
	})

	autoLoop := autonomous.New(autonomous.Config{
		Orchestrator:         orch,
		TickMinutes:          cfg.AutonomousTickMinutes,
		DailyObjectiveCap:    cfg.DailyObjectiveCap,
		ScheduledTaskTimeout: cfg.ScheduledTaskTimeout,
	})

	gitRoot := anchor.Root()
	impLoop := improvement.New(ctx, improvement.Config{
		Orchestrator:  orch,
		Errors:        errs,
		VCS:           improvement.NewGitVCS(gitRoot, "main"),
		Enabled:       cfg.ImprovementEnabled,
		IntervalMin:   cfg.ImprovementIntervalMin,
		MaxCyclesHour: cfg.ImprovementMaxPerHour,
		TokenBudget:   cfg.ImprovementTokenBudget,
		IdleMinutes:   cfg.ImprovementIdleMinutes,
		RotateAfter:   cfg.ImprovementRotateAfter,
		RunTimeout:    cfg.ImprovementRunTimeout,
	})

	return &App{
		Config: cfg, Store: st, Bus: eventBus, Sandbox: ws, Errors: errs, Registry: registry,
		Orchestrator: orch, Autonomous: autoLoop, Improvement: impLoop, RedisBridge: bridge,
		closeStore: closeStore,
	}, nil
}

// Close releases the store connection (a no-op for the in-memory backend)
// and the Redis bridge, if one was configured.
func (a *App) Close() error {
	if a.RedisBridge != nil {
		_ = a.RedisBridge.Close()
	}
	if a.closeStore == nil {
		return nil
	}
	return a.closeStore()
}

// RunBackgroundLoops starts the autonomous and improvement loops, and the
// Redis event bridge if one is configured, returning once ctx is
// cancelled. Call this in its own goroutine.
func (a *App) RunBackgroundLoops(ctx context.Context) {
	go a.Autonomous.Run(ctx)
	go a.Improvement.Run(ctx)
	if a.RedisBridge != nil {
		go a.RedisBridge.Forward(ctx, a.Bus)
		go a.RedisBridge.Replay(ctx, a.Bus)
	}
	<-ctx.Done()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	if cfg.DatabaseURL == "" {
		return memory.New(), func() error { return nil }, nil
	}
	pg, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := postgres.Migrate(pg.DB()); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	return pg, pg.Close, nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		provider, err = openai.New(cfg.OpenAIAPIKey, openai.Options{Model: cfg.OpenAIModel, MaxTokens: 4096, Temperature: cfg.Temperature})
	case "bedrock":
		return nil, fmt.Errorf("provider %q requires an AWS bedrockruntime client; wire one in cmd/*/main.go before enabling it", cfg.Provider)
	case "anthropic", "":
		provider, err = anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.AnthropicModel, 4096, cfg.Temperature)
	default:
		return nil, fmt.Errorf("unknown CONDUCTOR_PROVIDER %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", cfg.Provider, err)
	}
	return breaker.New(cfg.Provider, provider), nil
}
