package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

const meterName = "cad-orchestrator"

// RunMetrics collects metrics for synthesis runs, agent calls, harness
// executions and sessions. It satisfies orchestration.RunRecorder.
type RunMetrics struct {
	runsStartedCounter      metric.Int64Counter
	runsCompletedCounter    metric.Int64Counter
	runsFailedCounter       metric.Int64Counter
	runDurationHistogram    metric.Float64Histogram
	runsActiveGauge         metric.Int64UpDownCounter
	agentDurationHistogram  metric.Float64Histogram
	executionsCounter       metric.Int64Counter
	executionDurationHistog metric.Float64Histogram
	sessionsActiveGauge     metric.Int64UpDownCounter

	mu      sync.Mutex
	started map[string]time.Time
}

// NewRunMetrics creates a metrics collector. A nil provider uses the global one.
func NewRunMetrics(provider metric.MeterProvider) (*RunMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &RunMetrics{started: make(map[string]time.Time)}
	var err error

	if m.runsStartedCounter, err = meter.Int64Counter(
		"cad.runs.started",
		metric.WithDescription("Total number of synthesis and edit runs started"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.runsCompletedCounter, err = meter.Int64Counter(
		"cad.runs.completed",
		metric.WithDescription("Total number of runs that produced a full program"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.runsFailedCounter, err = meter.Int64Counter(
		"cad.runs.failed",
		metric.WithDescription("Total number of runs that failed"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.runDurationHistogram, err = meter.Float64Histogram(
		"cad.run.duration",
		metric.WithDescription("Duration of runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.runsActiveGauge, err = meter.Int64UpDownCounter(
		"cad.runs.active",
		metric.WithDescription("Number of runs in progress"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.agentDurationHistogram, err = meter.Float64Histogram(
		"cad.agent.duration",
		metric.WithDescription("Latency of agent completion calls in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.executionsCounter, err = meter.Int64Counter(
		"cad.harness.executions",
		metric.WithDescription("Total number of program executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.executionDurationHistog, err = meter.Float64Histogram(
		"cad.harness.duration",
		metric.WithDescription("Duration of program executions in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.sessionsActiveGauge, err = meter.Int64UpDownCounter(
		"cad.sessions.active",
		metric.WithDescription("Number of open regeneration sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RunStarted records a new run.
func (m *RunMetrics) RunStarted(ctx context.Context, rec models.RunRecord) error {
	kind := "generate"
	if rec.ParentRunID != nil {
		kind = "edit"
	}
	m.mu.Lock()
	m.started[rec.ID] = time.Now()
	m.mu.Unlock()

	m.runsStartedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("run.kind", kind)))
	m.runsActiveGauge.Add(ctx, 1)
	return nil
}

// RunResumed records a stored run picked up again.
func (m *RunMetrics) RunResumed(ctx context.Context, runID string) error {
	m.mu.Lock()
	m.started[runID] = time.Now()
	m.mu.Unlock()

	m.runsStartedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("run.kind", "resume")))
	m.runsActiveGauge.Add(ctx, 1)
	return nil
}

// StageCompleted is a no-op; stage latency is covered by agent durations.
func (m *RunMetrics) StageCompleted(ctx context.Context, runID string, stage models.Stage) error {
	return nil
}

// RunFinished records the outcome and duration of a run.
func (m *RunMetrics) RunFinished(ctx context.Context, runID string, status models.RunStatus, stage models.Stage, runErr error) error {
	m.mu.Lock()
	start, ok := m.started[runID]
	delete(m.started, runID)
	m.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("stage", string(stage)),
	)
	if status == models.RunStatusCompleted {
		m.runsCompletedCounter.Add(ctx, 1, attrs)
	} else {
		m.runsFailedCounter.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("error.type", models.ErrorKind(runErr))))
	}
	if ok {
		m.runDurationHistogram.Record(ctx, time.Since(start).Seconds(), attrs)
		m.runsActiveGauge.Add(ctx, -1)
	}
	return nil
}

// ObserveAgent records one completion call. It matches agents.DurationObserver.
func (m *RunMetrics) ObserveAgent(ctx context.Context, role agents.Role, d time.Duration, err error) {
	m.agentDurationHistogram.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("agent.role", string(role)),
		attribute.Bool("error", err != nil),
	))
}

// ObserveExecution records one harness run. It matches session.ExecutionObserver.
func (m *RunMetrics) ObserveExecution(ctx context.Context, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.executionsCounter.Add(ctx, 1, attrs)
	m.executionDurationHistog.Record(ctx, d.Seconds(), attrs)
}

// SessionOpened increments the open session gauge.
func (m *RunMetrics) SessionOpened(ctx context.Context) {
	m.sessionsActiveGauge.Add(ctx, 1)
}

// SessionClosed decrements the open session gauge.
func (m *RunMetrics) SessionClosed(ctx context.Context) {
	m.sessionsActiveGauge.Add(ctx, -1)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return models.ErrorKind(err)
}
