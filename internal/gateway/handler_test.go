package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/harness"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/session"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/testutil"
)

type countingObserver struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (o *countingObserver) SessionOpened(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) SessionClosed(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

type fakeCatalog struct {
	records map[string]*models.RunRecord
	err     error
}

func (f *fakeCatalog) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[runID]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return rec, nil
}

func (f *fakeCatalog) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.RunRecord
	for _, rec := range f.records {
		if len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

type testServer struct {
	router    *gin.Engine
	handler   *Handler
	completer *testutil.ScriptedCompleter
	store     *orchestration.ArtifactStore
	observer  *countingObserver
	jwt       *auth.JWTManager
}

func setupTestServer(t *testing.T, completer *testutil.ScriptedCompleter, opts ...Option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	set, err := agents.NewSet(completer, testutil.RoleConfigs(), nil)
	require.NoError(t, err)
	store, err := orchestration.NewArtifactStore(t.TempDir())
	require.NoError(t, err)
	orch := orchestration.New(set, store)
	manager := session.NewManager(store, harness.InProcessRunner{}, session.NewMemoryStore())

	jm, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	observer := &countingObserver{}
	opts = append([]Option{WithSessionObserver(observer)}, opts...)
	h := NewHandler(orch, manager, jm, zap.NewNop(), opts...)

	router := gin.New()
	h.RegisterRoutes(router.Group("/api"))
	return &testServer{router: router, handler: h, completer: completer, store: store, observer: observer, jwt: jm}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createPlate(t *testing.T) SessionResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/objects", CreateObjectRequest{ObjectName: "A plate"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[SessionResponse](t, w)
}

func TestCreateObject_Plate(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())

	resp := s.createPlate(t)

	assert.True(t, strings.HasPrefix(resp.RunID, "A_plate_"))
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, 4, resp.NumOfParams)
	assert.Equal(t, 2, resp.NumOfShapes)
	assert.Equal(t, MeshURL, resp.MeshURL)
	assert.Equal(t, testutil.PlateSchema, resp.Params.Wire())
	assert.Equal(t, 1, s.observer.opened)

	claims, err := s.jwt.ValidateToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, claims.SessionID)
	assert.Equal(t, resp.RunID, claims.RunID)
}

func TestCreateObject_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		script     func(c *testutil.ScriptedCompleter)
		wantStatus int
		wantCode   string
		wantRunID  bool
	}{
		{
			name:       "missing object name",
			body:       map[string]string{},
			wantStatus: http.StatusBadRequest,
			wantCode:   models.ErrCodeInvalidRequest,
		},
		{
			name:       "blank object name",
			body:       CreateObjectRequest{ObjectName: "   "},
			wantStatus: http.StatusBadRequest,
			wantCode:   models.ErrCodeValidationFailed,
		},
		{
			name: "agent call fails",
			body: CreateObjectRequest{ObjectName: "A plate"},
			script: func(c *testutil.ScriptedCompleter) {
				c.Errs[agents.RoleDisassembler] = errors.New("503 service unavailable")
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   models.ErrCodeAgentCall,
			wantRunID:  true,
		},
		{
			name: "disassembler returns no parts",
			body: CreateObjectRequest{ObjectName: "A plate"},
			script: func(c *testutil.ScriptedCompleter) {
				c.Replies[agents.RoleDisassembler] = []string{"\n\n"}
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   models.ErrCodeSynthesis,
			wantRunID:  true,
		},
		{
			name: "assembled program panics",
			body: CreateObjectRequest{ObjectName: "A plate"},
			script: func(c *testutil.ScriptedCompleter) {
				c.Replies[agents.RoleAssembler] = []string{testutil.PanicProgram}
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   models.ErrCodeExecution,
			wantRunID:  true,
		},
		{
			name: "assembled program binds no shapes",
			body: CreateObjectRequest{ObjectName: "A plate"},
			script: func(c *testutil.ScriptedCompleter) {
				c.Replies[agents.RoleAssembler] = []string{testutil.NoShapesProgram}
			},
			wantStatus: http.StatusConflict,
			wantCode:   models.ErrCodeSchema,
			wantRunID:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := testutil.PlateCompleter()
			if tt.script != nil {
				tt.script(completer)
			}
			s := setupTestServer(t, completer)

			w := s.do(t, http.MethodPost, "/api/objects", tt.body, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			body := decode[models.ErrorResponse](t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			if tt.wantRunID {
				assert.NotEmpty(t, body.Details["run_id"])
			}
			assert.Zero(t, s.observer.opened)
		})
	}
}

func TestUpdateSliders(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())
	created := s.createPlate(t)

	w := s.do(t, http.MethodPost, "/api/sessions/sliders", map[string]interface{}{
		"sliders": map[string]interface{}{"body_radius": "250"},
	}, created.Token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SessionResponse](t, w)
	assert.Equal(t, created.SessionID, resp.SessionID)
	assert.Empty(t, resp.Token)
	wire := resp.Params.Wire()
	assert.Equal(t, [3]float64{10, 300, 250}, wire["body_radius"])
	assert.Equal(t, [3]float64{10, 100, 10}, wire["body_height"])

	// numeric JSON values are accepted too
	w = s.do(t, http.MethodPost, "/api/sessions/sliders", map[string]interface{}{
		"sliders": map[string]interface{}{"rim_height": 4.5},
	}, created.Token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	wire = decode[SessionResponse](t, w).Params.Wire()
	assert.Equal(t, [3]float64{1, 20, 4.5}, wire["rim_height"])
	assert.Equal(t, [3]float64{10, 300, 250}, wire["body_radius"])
}

func TestUpdateSliders_Errors(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())
	created := s.createPlate(t)

	orphan, err := s.jwt.GenerateToken(context.Background(), "00000000-0000-0000-0000-000000000000", created.RunID)
	require.NoError(t, err)

	tests := []struct {
		name       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{"no token", "", map[string]interface{}{"sliders": map[string]string{"body_radius": "1"}}, http.StatusUnauthorized},
		{"bad token", "garbage", map[string]interface{}{"sliders": map[string]string{"body_radius": "1"}}, http.StatusUnauthorized},
		{"missing sliders", created.Token, map[string]string{}, http.StatusBadRequest},
		{"unknown key", created.Token, map[string]interface{}{"sliders": map[string]string{"width": "1"}}, http.StatusBadRequest},
		{"not a number", created.Token, map[string]interface{}{"sliders": map[string]string{"body_radius": "wide"}}, http.StatusBadRequest},
		{"boolean value", created.Token, map[string]interface{}{"sliders": map[string]bool{"body_radius": true}}, http.StatusBadRequest},
		{"unknown session", orphan, map[string]interface{}{"sliders": map[string]string{"body_radius": "1"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/sessions/sliders", tt.body, tt.token)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestUpdateSliders_ProgramChangedDropsSession(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())
	created := s.createPlate(t)

	require.NoError(t, s.store.WriteFullProgram(created.RunID, testutil.DrillProgram))

	body := map[string]interface{}{"sliders": map[string]string{"body_radius": "120"}}
	w := s.do(t, http.MethodPost, "/api/sessions/sliders", body, created.Token)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, models.ErrCodeSchema, decode[models.ErrorResponse](t, w).Code)
	assert.Equal(t, 1, s.observer.closed)

	w = s.do(t, http.MethodPost, "/api/sessions/sliders", body, created.Token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetMesh(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())
	created := s.createPlate(t)

	w := s.do(t, http.MethodGet, "/api/sessions/mesh", nil, created.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "model/obj", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), created.RunID+".obj")
	assert.True(t, strings.HasPrefix(w.Body.String(), "v "))
	assert.Contains(t, w.Body.String(), "\nf ")

	w = s.do(t, http.MethodGet, "/api/sessions/mesh", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCloseSession(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())
	created := s.createPlate(t)

	w := s.do(t, http.MethodDelete, "/api/sessions", nil, created.Token)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, s.observer.closed)

	w = s.do(t, http.MethodGet, "/api/sessions/mesh", nil, created.Token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEditRun(t *testing.T) {
	completer := testutil.PlateCompleter()
	edited := strings.Replace(testutil.PlateProgram, `slider.Get("body_radius", 100)`, `slider.Get("body_radius", 150)`, 1)
	completer.Replies[agents.RoleParameterManipulator] = []string{"```go\n" + edited + "```"}
	s := setupTestServer(t, completer)
	created := s.createPlate(t)

	w := s.do(t, http.MethodPost, "/api/runs/"+created.RunID+"/edits", EditRunRequest{Prompt: "make it wider"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[SessionResponse](t, w)
	assert.Equal(t, "make_it_wider_"+created.RunID, resp.RunID)
	assert.NotEqual(t, created.SessionID, resp.SessionID)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, 4, resp.NumOfParams)

	w = s.do(t, http.MethodGet, "/api/runs/"+resp.RunID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	run := decode[RunResponse](t, w)
	assert.Equal(t, created.RunID, run.Manifest.ParentRunID)
	assert.Equal(t, "make it wider", run.Manifest.EditPrompt)
	assert.True(t, run.HasFullProgram)
}

func TestEditRun_Errors(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())

	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
	}{
		{"unknown run", "/api/runs/nothing_here/edits", EditRunRequest{Prompt: "taller"}, http.StatusNotFound},
		{"missing prompt", "/api/runs/nothing_here/edits", map[string]string{}, http.StatusBadRequest},
		{"dotted run id", "/api/runs/..hidden/edits", EditRunRequest{Prompt: "taller"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestResumeRun(t *testing.T) {
	completer := testutil.PlateCompleter()
	completer.Errs[agents.RoleAssembler] = errors.New("502 bad gateway")
	s := setupTestServer(t, completer)

	w := s.do(t, http.MethodPost, "/api/objects", CreateObjectRequest{ObjectName: "A plate"}, "")
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	runID := decode[models.ErrorResponse](t, w).Details["run_id"]
	require.NotEmpty(t, runID)

	delete(completer.Errs, agents.RoleAssembler)
	completer.Replies[agents.RoleAssembler] = []string{testutil.PlateProgram}

	w = s.do(t, http.MethodPost, "/api/runs/"+runID+"/resume", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, runID, resp.RunID)
	assert.Equal(t, 4, resp.NumOfParams)
	assert.NotEmpty(t, resp.Token)
	assert.Len(t, completer.PromptsFor(agents.RoleCodeWriter), 2, "part programs are not rewritten")
	assert.Equal(t, 1, s.observer.opened)
}

func TestResumeRun_Errors(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter())

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"unknown run", "/api/runs/nothing_here/resume", http.StatusNotFound},
		{"dotted run id", "/api/runs/..hidden/resume", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tt.path, nil, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestGetRun(t *testing.T) {
	catalog := &fakeCatalog{records: map[string]*models.RunRecord{}}
	s := setupTestServer(t, testutil.PlateCompleter(), WithRunCatalog(catalog))
	created := s.createPlate(t)
	catalog.records[created.RunID] = &models.RunRecord{ID: created.RunID, ObjectName: "A plate", Status: models.RunStatusCompleted}

	w := s.do(t, http.MethodGet, "/api/runs/"+created.RunID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	run := decode[RunResponse](t, w)
	assert.Equal(t, created.RunID, run.Manifest.RunID)
	assert.Equal(t, "A plate", run.Manifest.Object.Name)
	require.Len(t, run.Parts, 2)
	assert.Equal(t, "Body", run.Parts[0].PartName)
	assert.Equal(t, []string{"Body", "Rim"}, run.PartPrograms, "part spec order")
	assert.True(t, run.HasFullProgram)
	require.NotNil(t, run.Record)
	assert.Equal(t, models.RunStatusCompleted, run.Record.Status)

	w = s.do(t, http.MethodGet, "/api/runs/missing_run", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRun_CatalogFailureIsNotFatal(t *testing.T) {
	s := setupTestServer(t, testutil.PlateCompleter(), WithRunCatalog(&fakeCatalog{err: errors.New("connection refused")}))
	created := s.createPlate(t)

	w := s.do(t, http.MethodGet, "/api/runs/"+created.RunID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[RunResponse](t, w).Record)
}

func TestListRuns(t *testing.T) {
	t.Run("without catalog", func(t *testing.T) {
		s := setupTestServer(t, testutil.PlateCompleter())
		w := s.do(t, http.MethodGet, "/api/runs", nil, "")
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})

	t.Run("with catalog", func(t *testing.T) {
		catalog := &fakeCatalog{records: map[string]*models.RunRecord{}}
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("run_%d", i)
			catalog.records[id] = &models.RunRecord{ID: id}
		}
		s := setupTestServer(t, testutil.PlateCompleter(), WithRunCatalog(catalog))

		w := s.do(t, http.MethodGet, "/api/runs?limit=2", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]models.RunRecord](t, w), 2)

		w = s.do(t, http.MethodGet, "/api/runs?limit=zero", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty catalog", func(t *testing.T) {
		s := setupTestServer(t, testutil.PlateCompleter(), WithRunCatalog(&fakeCatalog{}))
		w := s.do(t, http.MethodGet, "/api/runs", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"agent", &models.AgentCallError{Role: "assembler", Err: errors.New("x")}, http.StatusBadGateway, models.ErrCodeAgentCall},
		{"synthesis", &models.SynthesisError{RunID: "r", Reason: "x"}, http.StatusUnprocessableEntity, models.ErrCodeSynthesis},
		{"execution", &models.ExecutionError{RunID: "r", Reason: "x", Trace: "panic"}, http.StatusUnprocessableEntity, models.ErrCodeExecution},
		{"schema", &models.SchemaError{RunID: "r", Reason: "x"}, http.StatusConflict, models.ErrCodeSchema},
		{"run not found", fmt.Errorf("load: %w", models.ErrRunNotFound), http.StatusNotFound, models.ErrCodeNotFound},
		{"session not found", models.ErrSessionNotFound, http.StatusNotFound, models.ErrCodeNotFound},
		{"unknown parameter", fmt.Errorf("%w: %q", models.ErrUnknownParameter, "x"), http.StatusBadRequest, models.ErrCodeValidationFailed},
		{"invalid run id", orchestration.ValidateRunID("../x"), http.StatusBadRequest, models.ErrCodeValidationFailed},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, models.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}

	_, body := errorResponse(&models.ExecutionError{RunID: "r", Reason: "x", Trace: "panic: boom"})
	assert.Equal(t, "panic: boom", body.Details["trace"])

	_, body = errorResponse(errors.New("disk full"))
	assert.NotContains(t, body.Error, "disk full", "internal details stay in the logs")
}
