package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/session"
)

var tracer = otel.Tracer("gateway")

// MeshURL is where a session's latest mesh is served.
const MeshURL = "/api/sessions/mesh"

// RunCatalog looks up run records. Implemented by store.RunStore.
type RunCatalog interface {
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error)
}

// SessionObserver is told when sessions open and close.
type SessionObserver interface {
	SessionOpened(ctx context.Context)
	SessionClosed(ctx context.Context)
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	orchestrator *orchestration.Orchestrator
	sessions     *session.Manager
	jwtManager   *auth.JWTManager
	catalog      RunCatalog
	observer     SessionObserver
	logger       *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithRunCatalog enables Postgres run records on run lookups.
func WithRunCatalog(catalog RunCatalog) Option {
	return func(h *Handler) { h.catalog = catalog }
}

func WithSessionObserver(o SessionObserver) Option {
	return func(h *Handler) { h.observer = o }
}

// NewHandler creates a new gateway handler
func NewHandler(orchestrator *orchestration.Orchestrator, sessions *session.Manager, jwtManager *auth.JWTManager, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		orchestrator: orchestrator,
		sessions:     sessions,
		jwtManager:   jwtManager,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the API on group, which is expected at /api.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/objects", h.CreateObject)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:runId", h.GetRun)
	api.POST("/runs/:runId/edits", h.EditRun)
	api.POST("/runs/:runId/resume", h.ResumeRun)
	api.GET("/ws/generate", h.StreamGenerate)

	sessions := api.Group("/sessions")
	sessions.Use(auth.RequireSession(h.jwtManager, h.logger))
	{
		sessions.POST("/sliders", h.UpdateSliders)
		sessions.GET("/mesh", h.GetMesh)
		sessions.DELETE("", h.CloseSession)
	}
}

// CreateObjectRequest represents an object synthesis request
type CreateObjectRequest struct {
	ObjectName string `json:"object_name" binding:"required"`
}

// EditRunRequest represents a change request against a run's full program
type EditRunRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// SliderRequest carries raw slider updates. Values may be JSON strings or numbers.
type SliderRequest struct {
	Sliders map[string]interface{} `json:"sliders" binding:"required"`
}

// SessionResponse is returned by every call that runs the full program
type SessionResponse struct {
	RunID       string        `json:"run_id"`
	SessionID   string        `json:"session_id"`
	Token       string        `json:"token,omitempty"`
	Params      models.Schema `json:"params"`
	NumOfParams int           `json:"num_of_params"`
	NumOfShapes int           `json:"num_of_shapes"`
	MeshURL     string        `json:"mesh_url"`
	OutOfRange  []string      `json:"out_of_range,omitempty"`
}

// RunResponse describes a run's artifacts and catalog record
type RunResponse struct {
	Manifest       *models.RunManifest `json:"manifest"`
	Parts          []models.PartSpec   `json:"parts,omitempty"`
	PartPrograms   []string            `json:"part_programs,omitempty"`
	HasFullProgram bool                `json:"has_full_program"`
	Record         *models.RunRecord   `json:"record,omitempty"`
}

func newSessionResponse(gen *session.Generation, token string) SessionResponse {
	return SessionResponse{
		RunID:       gen.Session.RunID,
		SessionID:   gen.Session.ID,
		Token:       token,
		Params:      gen.Schema,
		NumOfParams: len(gen.Schema),
		NumOfShapes: len(gen.Shapes),
		MeshURL:     MeshURL,
		OutOfRange:  gen.OutOfRange,
	}
}

// CreateObject godoc
// @Summary Synthesize an object
// @Description Run the Disassembler, Code Writer and Assembler for an object name, execute the full program and open a slider session
// @Tags objects
// @Accept json
// @Produce json
// @Param request body CreateObjectRequest true "Object to synthesize"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Router /objects [post]
func (h *Handler) CreateObject(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "gateway.create_object")
	defer span.End()

	var req CreateObjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	span.SetAttributes(attribute.String("object.name", req.ObjectName))

	runID, err := h.orchestrator.Generate(ctx, req.ObjectName, nil)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, runID)
		return
	}
	span.SetAttributes(attribute.String("run.id", runID))

	resp, err := h.openSession(ctx, runID)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, runID)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// EditRun godoc
// @Summary Edit a run
// @Description Apply a natural-language change request to a run's full program. The result is stored as a new run and a session is opened on it.
// @Tags runs
// @Accept json
// @Produce json
// @Param runId path string true "Run ID"
// @Param request body EditRunRequest true "Change request"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Router /runs/{runId}/edits [post]
func (h *Handler) EditRun(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "gateway.edit_run")
	defer span.End()

	parentID := c.Param("runId")
	if err := orchestration.ValidateRunID(parentID); err != nil {
		h.respondError(c, err, "")
		return
	}
	var req EditRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	span.SetAttributes(attribute.String("run.parent_id", parentID))

	runID, err := h.orchestrator.Edit(ctx, parentID, req.Prompt, nil)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, runID)
		return
	}

	resp, err := h.openSession(ctx, runID)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, runID)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// ResumeRun godoc
// @Summary Resume a run
// @Description Continue a failed run from its stored artifacts. Stored part specs and part programs are reused, the missing stages run, and a session is opened on the full program.
// @Tags runs
// @Produce json
// @Param runId path string true "Run ID"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Router /runs/{runId}/resume [post]
func (h *Handler) ResumeRun(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "gateway.resume_run")
	defer span.End()

	runID := c.Param("runId")
	if err := orchestration.ValidateRunID(runID); err != nil {
		h.respondError(c, err, "")
		return
	}
	span.SetAttributes(attribute.String("run.id", runID))

	runID, err := h.orchestrator.Resume(ctx, runID, nil)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, runID)
		return
	}

	resp, err := h.openSession(ctx, runID)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, runID)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateSliders godoc
// @Summary Modify slider values
// @Description Merge slider updates over the session's last values and re-run the full program
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body SliderRequest true "Slider updates"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} map[string]string
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/sliders [post]
func (h *Handler) UpdateSliders(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "gateway.update_sliders")
	defer span.End()

	sessionID := c.GetString(auth.SessionIDKey)
	span.SetAttributes(attribute.String("session.id", sessionID))

	var req SliderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	updates, err := session.SliderStrings(req.Sliders)
	if err != nil {
		h.respondError(c, err, "")
		return
	}

	gen, err := h.sessions.Modify(ctx, sessionID, updates)
	if err != nil {
		span.RecordError(err)
		var schemaErr *models.SchemaError
		if errors.As(err, &schemaErr) && h.observer != nil {
			h.observer.SessionClosed(ctx)
		}
		h.respondError(c, err, c.GetString(auth.RunIDKey))
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(gen, ""))
}

// GetMesh godoc
// @Summary Download the latest mesh
// @Description Serve the Wavefront OBJ file from the session's latest execution
// @Tags sessions
// @Produce plain
// @Success 200 {file} file
// @Failure 401 {object} map[string]string
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/mesh [get]
func (h *Handler) GetMesh(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.GetString(auth.SessionIDKey))
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	c.Header("Content-Type", "model/obj")
	c.FileAttachment(sess.MeshPath, sess.RunID+".obj")
}

// CloseSession godoc
// @Summary Close a session
// @Tags sessions
// @Success 204
// @Failure 401 {object} map[string]string
// @Security BearerAuth
// @Router /sessions [delete]
func (h *Handler) CloseSession(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.sessions.Close(ctx, c.GetString(auth.SessionIDKey)); err != nil {
		h.respondError(c, err, "")
		return
	}
	if h.observer != nil {
		h.observer.SessionClosed(ctx)
	}
	c.Status(http.StatusNoContent)
}

// GetRun godoc
// @Summary Get run
// @Description Return a run's manifest, parts and catalog record
// @Tags runs
// @Produce json
// @Param runId path string true "Run ID"
// @Success 200 {object} RunResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /runs/{runId} [get]
func (h *Handler) GetRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("runId")
	if err := orchestration.ValidateRunID(runID); err != nil {
		h.respondError(c, err, "")
		return
	}

	store := h.orchestrator.Store()
	manifest, err := store.LoadManifest(runID)
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	resp := RunResponse{Manifest: manifest}

	if parts, err := store.LoadParts(runID); err == nil {
		resp.Parts = parts
	}
	if programs, err := store.PartPrograms(runID); err == nil {
		for _, p := range programs {
			resp.PartPrograms = append(resp.PartPrograms, p.Name)
		}
	}
	if _, err := store.LoadFullProgram(runID); err == nil {
		resp.HasFullProgram = true
	}

	if h.catalog != nil {
		rec, err := h.catalog.GetRun(ctx, runID)
		switch {
		case err == nil:
			resp.Record = rec
		case errors.Is(err, models.ErrRunNotFound):
		default:
			h.logger.Warn("failed to load run record", zap.String("run_id", runID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListRuns godoc
// @Summary List runs
// @Description List the most recent runs from the run catalog
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs" default(50)
// @Success 200 {array} models.RunRecord
// @Failure 400 {object} models.ErrorResponse
// @Failure 501 {object} models.ErrorResponse
// @Router /runs [get]
func (h *Handler) ListRuns(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusNotImplemented, models.ErrorResponse{Error: "Run catalog is not configured", Code: models.ErrCodeInternalError})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(c, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := h.catalog.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

// openSession executes the full program of runID and issues a session token.
func (h *Handler) openSession(ctx context.Context, runID string) (SessionResponse, error) {
	gen, err := h.sessions.Generate(ctx, runID)
	if err != nil {
		return SessionResponse{}, err
	}
	if h.observer != nil {
		h.observer.SessionOpened(ctx)
	}
	token, err := h.jwtManager.GenerateToken(ctx, gen.Session.ID, runID)
	if err != nil {
		return SessionResponse{}, err
	}
	return newSessionResponse(gen, token), nil
}

func errorFields(c *gin.Context, err error) []zap.Field {
	return []zap.Field{
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("error_kind", models.ErrorKind(err)),
		zap.Error(err),
	}
}
