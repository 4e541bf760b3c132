package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// testDatabaseURL builds the URL from DATABASE_URL or the POSTGRES_* vars.
// Returns "" when neither is set.
func testDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "postgres")
	password := getenv("POSTGRES_PASSWORD", "postgres")
	dbname := getenv("POSTGRES_DB", "cad_orchestrator")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=prefer", user, password, host, port, dbname)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTestStore(t *testing.T) (*RunStore, *pgxpool.Pool) {
	url := testDatabaseURL()
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres tests")
	}
	ctx := context.Background()

	pool, err := Connect(ctx, url, 3, 500*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewRunStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	return s, pool
}

func cleanupRuns(t *testing.T, pool *pgxpool.Pool, ids ...string) {
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `DELETE FROM cad_runs WHERE id = ANY($1)`, ids)
		if err != nil {
			t.Logf("Warning: failed to clean up runs: %v", err)
		}
	})
}

func TestRunStore_Lifecycle(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()

	id := "A_plate_" + uuid.NewString()
	cleanupRuns(t, pool, id)

	created := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.RunStarted(ctx, models.RunRecord{ID: id, ObjectName: "A plate", CreatedAt: created}))

	rec, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, rec.Status)
	assert.Equal(t, "A plate", rec.ObjectName)
	assert.Nil(t, rec.CompletedAt)
	assert.True(t, rec.CreatedAt.Equal(created))

	require.NoError(t, s.StageCompleted(ctx, id, models.StageDisassemble))
	rec, err = s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageDisassemble, rec.Stage)

	require.NoError(t, s.RunFinished(ctx, id, models.RunStatusFailed, models.StageCodeWrite, errors.New("model unavailable")))
	rec, err = s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, rec.Status)
	assert.Equal(t, models.StageCodeWrite, rec.Stage)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "model unavailable", *rec.Error)
	assert.NotNil(t, rec.CompletedAt)
}

func TestRunStore_Resumed(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()

	id := "A_plate_" + uuid.NewString()
	cleanupRuns(t, pool, id)

	require.NoError(t, s.RunStarted(ctx, models.RunRecord{ID: id, ObjectName: "A plate", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.RunFinished(ctx, id, models.RunStatusFailed, models.StageAssemble, errors.New("502")))
	require.NoError(t, s.RunResumed(ctx, id))

	rec, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, rec.Status)
	assert.Nil(t, rec.Error)
	assert.Nil(t, rec.CompletedAt)

	err = s.RunResumed(ctx, "missing_"+uuid.NewString())
	assert.ErrorIs(t, err, models.ErrRunNotFound)
}

func TestRunStore_EditRunsReferenceParent(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()

	parent := "A_plate_" + uuid.NewString()
	child := "taller_" + parent
	cleanupRuns(t, pool, child, parent)

	now := time.Now().UTC()
	require.NoError(t, s.RunStarted(ctx, models.RunRecord{ID: parent, ObjectName: "A plate", CreatedAt: now}))
	require.NoError(t, s.RunStarted(ctx, models.RunRecord{ID: child, ObjectName: "A plate", ParentRunID: &parent, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.RunFinished(ctx, child, models.RunStatusCompleted, models.StageManipulate, nil))

	rec, err := s.GetRun(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, rec.ParentRunID)
	assert.Equal(t, parent, *rec.ParentRunID)
	assert.Nil(t, rec.Error)

	runs, err := s.ListRuns(ctx, 500)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, parent)
	assert.Contains(t, ids, child)
}

func TestRunStore_GetRunNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing_"+uuid.NewString())
	assert.ErrorIs(t, err, models.ErrRunNotFound)
}

func TestRunStore_DuplicateRunID(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()

	id := "dup_" + uuid.NewString()
	cleanupRuns(t, pool, id)

	rec := models.RunRecord{ID: id, ObjectName: "dup", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.RunStarted(ctx, rec))
	assert.Error(t, s.RunStarted(ctx, rec))
}
