package session

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/harness"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/testutil"
)

// recordingRunner remembers the sliders of every execution.
type recordingRunner struct {
	mu    sync.Mutex
	calls []models.SliderState
	inner harness.Runner
}

func (r *recordingRunner) Run(ctx context.Context, req harness.Request) (*harness.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.Sliders.Clone())
	r.mu.Unlock()
	return r.inner.Run(ctx, req)
}

func (r *recordingRunner) last() models.SliderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type fixture struct {
	artifacts *orchestration.ArtifactStore
	runner    *recordingRunner
	store     *MemoryStore
	manager   *Manager
	runID     string
}

func newFixture(t *testing.T, program string, opts ...Option) *fixture {
	t.Helper()
	artifacts, err := orchestration.NewArtifactStore(t.TempDir())
	require.NoError(t, err)
	runID, err := artifacts.CreateRun("A_plate_2024_05_01_12_30_00")
	require.NoError(t, err)
	require.NoError(t, artifacts.WriteFullProgram(runID, program))

	f := &fixture{
		artifacts: artifacts,
		runner:    &recordingRunner{inner: harness.InProcessRunner{}},
		store:     NewMemoryStore(),
		runID:     runID,
	}
	f.manager = NewManager(artifacts, f.runner, f.store, opts...)
	return f
}

// lockCount reports how many sessions hold a lock entry.
func (m *Manager) lockCount() int {
	n := 0
	m.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestManager_LockEntriesReleased(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, testutil.PlateProgram)
		_, err := f.manager.Modify(ctx, "expired-session", map[string]string{"body_radius": "1"})
		require.ErrorIs(t, err, models.ErrSessionNotFound)
		assert.Zero(t, f.manager.lockCount())
	})

	t.Run("expired in store", func(t *testing.T) {
		f := newFixture(t, testutil.PlateProgram)
		gen, err := f.manager.Generate(ctx, f.runID)
		require.NoError(t, err)
		_, err = f.manager.Modify(ctx, gen.Session.ID, map[string]string{"body_radius": "120"})
		require.NoError(t, err)
		assert.Equal(t, 1, f.manager.lockCount())

		// the store forgets the session behind the manager's back
		require.NoError(t, f.store.Delete(ctx, gen.Session.ID))
		_, err = f.manager.Modify(ctx, gen.Session.ID, map[string]string{"body_radius": "130"})
		require.ErrorIs(t, err, models.ErrSessionNotFound)
		assert.Zero(t, f.manager.lockCount())
	})

	t.Run("invalidated", func(t *testing.T) {
		f := newFixture(t, testutil.PlateProgram)
		gen, err := f.manager.Generate(ctx, f.runID)
		require.NoError(t, err)
		require.NoError(t, f.artifacts.WriteFullProgram(f.runID, strings.Replace(testutil.PlateProgram, "0.8", "0.7", 1)))

		_, err = f.manager.Modify(ctx, gen.Session.ID, map[string]string{"body_radius": "120"})
		var schemaErr *models.SchemaError
		require.True(t, errors.As(err, &schemaErr))
		assert.Zero(t, f.manager.lockCount())
	})

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t, testutil.PlateProgram)
		gen, err := f.manager.Generate(ctx, f.runID)
		require.NoError(t, err)
		require.NoError(t, f.manager.Close(ctx, gen.Session.ID))
		assert.Zero(t, f.manager.lockCount())
	})
}

func TestManager_GeneratePlate(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)

	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	assert.Len(t, gen.Shapes, 2)
	assert.Equal(t, models.NewSchema(testutil.PlateSchema), gen.Schema)
	assert.Equal(t, models.SliderState{}, f.runner.last(), "generate injects no sliders")

	sess := gen.Session
	assert.Equal(t, f.runID, sess.RunID)
	assert.Equal(t, []string{"body_height", "body_radius", "rim_height", "rim_thickness"}, sess.Keys)
	assert.Equal(t, models.SliderState{"body_radius": 100, "body_height": 10, "rim_height": 2, "rim_thickness": 2}, sess.Sliders)
	assert.Equal(t, Digest(testutil.PlateProgram), sess.ProgramDigest)

	info, err := os.Stat(gen.MeshPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, 1, f.store.Len())
}

func TestManager_ModifyBodyRadius(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	mod, err := f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{"body_radius": "250"})
	require.NoError(t, err)

	radius, ok := mod.Schema.Lookup("body_radius")
	require.True(t, ok)
	assert.Equal(t, models.ParameterSchema{Key: "body_radius", Min: 10, Max: 300, Value: 250}, radius)

	for _, key := range []string{"body_height", "rim_height", "rim_thickness"} {
		before, _ := gen.Schema.Lookup(key)
		after, _ := mod.Schema.Lookup(key)
		assert.Equal(t, before, after, "key %s must be unchanged", key)
	}
	assert.Equal(t, gen.MeshPath, mod.MeshPath)
}

func TestManager_PartialUpdatesKeepLatentValues(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)
	id := gen.Session.ID

	_, err = f.manager.Modify(context.Background(), id, map[string]string{"body_radius": "150", "rim_height": "4"})
	require.NoError(t, err)
	_, err = f.manager.Modify(context.Background(), id, map[string]string{"body_radius": "200"})
	require.NoError(t, err)

	assert.Equal(t, models.SliderState{"body_radius": 200, "body_height": 10, "rim_height": 4, "rim_thickness": 2}, f.runner.last())

	sess, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4.0, sess.Sliders["rim_height"])
}

func TestManager_ModifyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		updates map[string]string
		wantErr error
	}{
		{name: "unknown_key", updates: map[string]string{"handle_length": "5"}, wantErr: models.ErrUnknownParameter},
		{name: "not_a_number", updates: map[string]string{"body_radius": "wide"}, wantErr: models.ErrInvalidSliderValue},
		{name: "nan", updates: map[string]string{"body_radius": "NaN"}, wantErr: models.ErrInvalidSliderValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testutil.PlateProgram)
			gen, err := f.manager.Generate(context.Background(), f.runID)
			require.NoError(t, err)

			_, err = f.manager.Modify(context.Background(), gen.Session.ID, tt.updates)
			assert.ErrorIs(t, err, tt.wantErr)

			sess, err := f.manager.Get(context.Background(), gen.Session.ID)
			require.NoError(t, err, "session survives bad input")
			assert.Equal(t, gen.Session.Sliders, sess.Sliders)
		})
	}
}

func TestManager_ModifyUnknownSession(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	_, err := f.manager.Modify(context.Background(), "no-such-session", map[string]string{"body_radius": "1"})
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestManager_OutOfRangePassesThrough(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	mod, err := f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{"body_radius": "400"})
	require.NoError(t, err)
	assert.Equal(t, []string{"body_radius"}, mod.OutOfRange)
	assert.Equal(t, 400.0, f.runner.last()["body_radius"])
}

func TestManager_ClampSliders(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram, WithClampSliders(true))
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	mod, err := f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{"body_radius": "400"})
	require.NoError(t, err)
	assert.Empty(t, mod.OutOfRange)
	assert.Equal(t, 300.0, f.runner.last()["body_radius"])
}

func TestManager_KeySetDriftInvalidatesSession(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	// swap the runner for one that returns a different schema
	f.manager.runner = harness.Runner(runnerFunc(func(ctx context.Context, req harness.Request) (*harness.Result, error) {
		return harness.Evaluate(ctx, harness.Request{Source: testutil.DrillProgram})
	}))

	_, err = f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{"body_radius": "120"})
	var schemaErr *models.SchemaError
	require.True(t, errors.As(err, &schemaErr), "got %T: %v", err, err)
	assert.Equal(t, f.runID, schemaErr.RunID)

	_, err = f.manager.Get(context.Background(), gen.Session.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound, "session must be dropped")
}

func TestManager_ProgramChangeInvalidatesSession(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	require.NoError(t, f.artifacts.WriteFullProgram(f.runID, strings.Replace(testutil.PlateProgram, "0.8", "0.7", 1)))

	_, err = f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{"body_radius": "120"})
	var schemaErr *models.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Contains(t, schemaErr.Reason, "program changed")
}

func TestManager_ExecutionErrorKeepsSession(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	// a rim thicker than the body makes the kernel reject the tube
	_, err = f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{"rim_thickness": "150"})
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr), "got %T: %v", err, err)
	assert.Equal(t, f.runID, execErr.RunID)

	sess, err := f.manager.Get(context.Background(), gen.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, sess.Sliders["rim_thickness"], "failed values are not persisted")
}

func TestManager_GenerateFailures(t *testing.T) {
	f := newFixture(t, testutil.PanicProgram)
	_, err := f.manager.Generate(context.Background(), f.runID)
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, f.runID, execErr.RunID)
	assert.Zero(t, f.store.Len())

	_, err = f.manager.Generate(context.Background(), "missing_run")
	assert.ErrorIs(t, err, models.ErrRunNotFound)
}

func TestManager_ConcurrentModifiesSerialize(t *testing.T) {
	f := newFixture(t, testutil.PlateProgram)
	gen, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, key := range []string{"body_radius", "body_height", "rim_height"} {
		wg.Add(1)
		go func(key string, v int) {
			defer wg.Done()
			_, err := f.manager.Modify(context.Background(), gen.Session.ID, map[string]string{key: "1" + strings.Repeat("5", v)})
			assert.NoError(t, err)
		}(key, i+1)
	}
	wg.Wait()

	sess, err := f.manager.Get(context.Background(), gen.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 15.0, sess.Sliders["body_radius"])
	assert.Equal(t, 155.0, sess.Sliders["body_height"])
	assert.Equal(t, 1555.0, sess.Sliders["rim_height"])
}

func TestParseSliders_Property(t *testing.T) {
	known := []string{"a", "b", "c"}
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.MapOf(rapid.SampledFrom(known), rapid.Float64Range(-1e6, 1e6)).Draw(t, "values")
		raw := make(map[string]string, len(values))
		for k, v := range values {
			raw[k] = strconv.FormatFloat(v, 'g', -1, 64)
		}

		parsed, err := ParseSliders(raw, known)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for k, v := range values {
			if parsed[k] != v {
				t.Fatalf("%s: got %v want %v", k, parsed[k], v)
			}
		}
	})
}

func TestSliderStrings(t *testing.T) {
	out, err := SliderStrings(map[string]interface{}{"a": "1.5", "b": 250.0, "c": 1e-7})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1.5", "b": "250", "c": "1e-07"}, out)

	_, err = SliderStrings(map[string]interface{}{"a": nil})
	assert.ErrorIs(t, err, models.ErrInvalidSliderValue)

	_, err = SliderStrings(map[string]interface{}{"a": true})
	assert.ErrorIs(t, err, models.ErrInvalidSliderValue)
}

func TestClamp(t *testing.T) {
	schema := models.NewSchema(map[string][3]float64{"a": {0, 10, 5}, "b": {1, 2, 1}})
	got := Clamp(models.SliderState{"a": -3, "b": 1.5, "c": 99}, schema)
	assert.Equal(t, models.SliderState{"a": 0, "b": 1.5, "c": 99}, got)
}

type runnerFunc func(ctx context.Context, req harness.Request) (*harness.Result, error)

func (f runnerFunc) Run(ctx context.Context, req harness.Request) (*harness.Result, error) {
	return f(ctx, req)
}

func TestManager_ExecutionObserver(t *testing.T) {
	var calls int
	f := newFixture(t, testutil.PlateProgram, WithExecutionObserver(func(ctx context.Context, d time.Duration, err error) {
		calls++
	}))
	_, err := f.manager.Generate(context.Background(), f.runID)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
