// Package telemetry wraps goa.design/clue's structured logger and
// OpenTelemetry tracer/meter behind a small facade so the rest of the
// runtime never imports either directly. Grounded on
// runtime/agent/telemetry/clue.go in the teacher repo.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	clue "goa.design/clue/log"
)

// NewContext installs a clue logger context, ready for Info/Debug/Error calls.
func NewContext(ctx context.Context) context.Context { return clue.Context(ctx) }

// KV is a single structured logging field.
type KV = clue.KV

// Info logs at info level with structured fields.
func Info(ctx context.Context, msg string, kv ...KV) {
	clue.Info(ctx, append([]clue.Fielder{clue.KV{K: "msg", V: msg}}, fielders(kv)...)...)
}

// Debug logs at debug level with structured fields.
func Debug(ctx context.Context, msg string, kv ...KV) {
	clue.Debug(ctx, append([]clue.Fielder{clue.KV{K: "msg", V: msg}}, fielders(kv)...)...)
}

// Error logs at error level, attaching err, with structured fields. If an
// ErrorSink is installed (see SetErrorSink), it also receives the record —
// this is the process-wide ERROR stream spec.md §4.11's error collector
// subscribes to.
func Error(ctx context.Context, msg string, err error, kv ...KV) {
	clue.Error(ctx, err, append([]clue.Fielder{clue.KV{K: "msg", V: msg}}, fielders(kv)...)...)
	if errorSink != nil {
		errorSink(ctx, originOf(kv), msg, err)
	}
}

// ErrorSink receives every record logged via Error, after it has been
// written to the structured log.
type ErrorSink func(ctx context.Context, origin, msg string, err error)

var errorSink ErrorSink

// SetErrorSink installs (or clears, with nil) the process-wide ERROR sink.
// internal/errlog.Collector is the sole intended installer.
func SetErrorSink(sink ErrorSink) { errorSink = sink }

func originOf(kv []KV) string {
	for _, k := range kv {
		if k.K == "origin" {
			if s, ok := k.V.(string); ok {
				return s
			}
		}
	}
	return "runtime"
}

func fielders(kv []KV) []clue.Fielder {
	out := make([]clue.Fielder, len(kv))
	for i, k := range kv {
		out[i] = k
	}
	return out
}

// Tracer returns the package-wide tracer used to create spans around
// provider calls, tool invocations, and plan/agent runs.
func Tracer() trace.Tracer { return otel.Tracer("github.com/loopworks/conductor") }

// Meter returns the package-wide OpenTelemetry meter.
func Meter() metric.Meter { return otel.Meter("github.com/loopworks/conductor") }

// Metrics bundles the runtime's Prometheus counters/histograms. No HTTP
// route in this module serves them, and nothing in the tree calls NewMetrics.
type Metrics struct {
	AgentRuns        *prometheus.CounterVec
	AgentIterations  prometheus.Histogram
	ToolInvocations  *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ImprovementCycle *prometheus.CounterVec
}

// NewMetrics registers and returns the runtime's Prometheus metrics against
// the default registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		AgentRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_agent_runs_total",
			Help: "Agent loop invocations by role and outcome.",
		}, []string{"role", "outcome"}),
		AgentIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_agent_iterations",
			Help:    "Number of reason/tool/observe iterations per agent run.",
			Buckets: prometheus.LinearBuckets(1, 1, 20),
		}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_invocations_total",
			Help: "Tool registry dispatches by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_provider_errors_total",
			Help: "LLM provider errors by provider and kind.",
		}, []string{"provider", "kind"}),
		ImprovementCycle: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_improvement_cycles_total",
			Help: "Improvement loop cycles by outcome.",
		}, []string{"outcome"}),
	}
}
