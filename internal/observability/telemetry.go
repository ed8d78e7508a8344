// Package observability bundles the process's logging, metrics, and tracing
// hooks. The scheduler and queue only depend on context, so these hooks are
// wired at the HTTP boundary and threaded through request contexts rather
// than pushed into package APIs.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// meterName identifies this module's instrumentation scope to whatever
// MeterProvider/TracerProvider the process registers (or the OTEL no-op
// default if none is configured).
const meterName = "github.com/aiqa-platform/qacore"

// Init attaches clue's structured logger to ctx, choosing terminal or JSON
// formatting depending on whether stdout is a TTY.
func Init(ctx context.Context, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// Counters bundles the run and AI-job outcome counters the HTTP layer
// increments. Constructed once at startup from the global MeterProvider.
type Counters struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	jobsFinished metric.Int64Counter
}

// NewCounters builds the instrumentation scope's counters.
func NewCounters() *Counters {
	meter := otel.Meter(meterName)
	runsStarted, _ := meter.Int64Counter("qacore.runs.started")
	runsFinished, _ := meter.Int64Counter("qacore.runs.finished")
	jobsFinished, _ := meter.Int64Counter("qacore.ai_jobs.finished")
	return &Counters{runsStarted: runsStarted, runsFinished: runsFinished, jobsFinished: jobsFinished}
}

// RunStarted records that a batch began executing.
func (c *Counters) RunStarted(ctx context.Context, teamID string) {
	if c == nil || c.runsStarted == nil {
		return
	}
	c.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("team_id", teamID)))
}

// RunFinished records a batch's terminal status.
func (c *Counters) RunFinished(ctx context.Context, teamID, status string, duration time.Duration) {
	if c == nil || c.runsFinished == nil {
		return
	}
	c.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("team_id", teamID),
		attribute.String("status", status),
	))
}

// JobFinished records an AI generation job's terminal status.
func (c *Counters) JobFinished(ctx context.Context, teamID, status string) {
	if c == nil || c.jobsFinished == nil {
		return
	}
	c.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("team_id", teamID),
		attribute.String("status", status),
	))
}

// StartSpan opens a span under this module's tracer, using the global
// TracerProvider (a no-op until a real one is registered with
// otel.SetTracerProvider; nothing in this module registers one).
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(meterName).Start(ctx, name)
}

// Logf emits an info-level structured log line through clue.
func Logf(ctx context.Context, msg string, keyvals ...log.Fielder) {
	log.Print(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, keyvals...)...)
}
