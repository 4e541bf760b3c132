package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

func newTestMetrics(t *testing.T) (*RunMetrics, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewRunMetrics(provider)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "want int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func countOf(t *testing.T, data metricdata.Aggregation) uint64 {
	hist, ok := data.(metricdata.Histogram[float64])
	require.True(t, ok, "want float64 histogram, got %T", data)
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	return total
}

func TestNewRunMetrics_GlobalProvider(t *testing.T) {
	m, err := NewRunMetrics(nil)
	require.NoError(t, err)
	assert.NotNil(t, m.runsStartedCounter)
	assert.NotNil(t, m.sessionsActiveGauge)
}

func TestRunMetrics_RunLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	parent := "A_plate_2024_05_01_12_30_00"

	require.NoError(t, m.RunStarted(ctx, models.RunRecord{ID: parent}))
	require.NoError(t, m.StageCompleted(ctx, parent, models.StageDisassemble))
	require.NoError(t, m.RunFinished(ctx, parent, models.RunStatusCompleted, models.StageAssemble, nil))

	edit := "taller_" + parent
	require.NoError(t, m.RunStarted(ctx, models.RunRecord{ID: edit, ParentRunID: &parent}))
	require.NoError(t, m.RunFinished(ctx, edit, models.RunStatusFailed, models.StageManipulate,
		&models.AgentCallError{Role: "parameter_manipulator", Err: errors.New("503")}))

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["cad.runs.started"]))
	assert.Equal(t, int64(1), sumOf(t, data["cad.runs.completed"]))
	assert.Equal(t, int64(1), sumOf(t, data["cad.runs.failed"]))
	assert.Equal(t, int64(0), sumOf(t, data["cad.runs.active"]))
	assert.Equal(t, uint64(2), countOf(t, data["cad.run.duration"]))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.started)
}

func TestRunMetrics_ResumedRunCountsAgain(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	id := "A_plate_2024_05_01_12_30_00"

	require.NoError(t, m.RunStarted(ctx, models.RunRecord{ID: id}))
	require.NoError(t, m.RunFinished(ctx, id, models.RunStatusFailed, models.StageAssemble, errors.New("502")))
	require.NoError(t, m.RunResumed(ctx, id))
	require.NoError(t, m.RunFinished(ctx, id, models.RunStatusCompleted, models.StageAssemble, nil))

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["cad.runs.started"]))
	assert.Equal(t, int64(1), sumOf(t, data["cad.runs.failed"]))
	assert.Equal(t, int64(1), sumOf(t, data["cad.runs.completed"]))
	assert.Equal(t, int64(0), sumOf(t, data["cad.runs.active"]))
	assert.Equal(t, uint64(2), countOf(t, data["cad.run.duration"]))
}

func TestRunMetrics_FinishWithoutStart(t *testing.T) {
	m, reader := newTestMetrics(t)

	require.NoError(t, m.RunFinished(context.Background(), "unknown", models.RunStatusFailed, models.StagePersist, errors.New("disk full")))

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, data["cad.runs.failed"]))
	_, recorded := data["cad.run.duration"]
	assert.False(t, recorded, "no duration without a start")
}

func TestRunMetrics_Observers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	var agentObserver agents.DurationObserver = m.ObserveAgent
	agentObserver(ctx, agents.RoleDisassembler, 2*time.Second, nil)
	agentObserver(ctx, agents.RoleCodeWriter, time.Second, errors.New("timeout"))

	m.ObserveExecution(ctx, 50*time.Millisecond, nil)
	m.ObserveExecution(ctx, 10*time.Millisecond, &models.ExecutionError{Reason: "panic"})

	m.SessionOpened(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)

	data := collect(t, reader)
	assert.Equal(t, uint64(2), countOf(t, data["cad.agent.duration"]))
	assert.Equal(t, int64(2), sumOf(t, data["cad.harness.executions"]))
	assert.Equal(t, uint64(2), countOf(t, data["cad.harness.duration"]))
	assert.Equal(t, int64(1), sumOf(t, data["cad.sessions.active"]))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "execution", outcome(&models.ExecutionError{Reason: "x"}))
	assert.Equal(t, "schema", outcome(&models.SchemaError{Reason: "x"}))
}
