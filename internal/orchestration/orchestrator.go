// Package orchestration drives the agent pipeline for one object name and
// persists every artifact of the run.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// ErrEmptyInput is returned when an object name or change request is blank.
var ErrEmptyInput = errors.New("input is empty")

// Observer receives every stage transition of a run.
type Observer func(models.PipelineEvent)

// Orchestrator runs Disassembler, Code Writer and Assembler strictly in
// order, and the Parameter Manipulator on demand.
type Orchestrator struct {
	agents   *agents.Set
	store    *ArtifactStore
	recorder RunRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the run audit recorder.
func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source used for run identifiers.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(set *agents.Set, store *ArtifactStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents:   set,
		store:    store,
		recorder: NopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the artifact store the orchestrator writes to.
func (o *Orchestrator) Store() *ArtifactStore {
	return o.store
}

// run tracks the state of one pipeline invocation.
type run struct {
	o       *Orchestrator
	id      string
	observe Observer
	stage   models.Stage
	logger  *zap.Logger
}

func (r *run) emit(status models.PipelineEventStatus, part, msg string) {
	if r.observe == nil {
		return
	}
	r.observe(models.PipelineEvent{
		RunID:     r.id,
		Stage:     r.stage,
		Status:    status,
		Part:      part,
		Message:   msg,
		Timestamp: r.o.now().UTC(),
	})
}

func (r *run) begin(stage models.Stage, part string) {
	r.stage = stage
	r.emit(models.PipelineEventStarted, part, "")
}

func (r *run) done(ctx context.Context, part string) {
	r.emit(models.PipelineEventCompleted, part, "")
	if part != "" {
		return
	}
	if err := r.o.recorder.StageCompleted(ctx, r.id, r.stage); err != nil {
		r.logger.Warn("failed to record stage", zap.String("stage", string(r.stage)), zap.Error(err))
	}
}

// fail records the run as failed at the current stage and returns err.
func (r *run) fail(ctx context.Context, part string, err error) error {
	r.emit(models.PipelineEventFailed, part, err.Error())
	r.logger.Error("run failed", zap.String("stage", string(r.stage)), zap.String("part", part), zap.Error(err))
	if recErr := r.o.recorder.RunFinished(ctx, r.id, models.RunStatusFailed, r.stage, err); recErr != nil {
		r.logger.Warn("failed to record run failure", zap.Error(recErr))
	}
	return err
}

func (r *run) persistErr(ctx context.Context, what string, err error) error {
	r.stage = models.StagePersist
	return r.fail(ctx, "", fmt.Errorf("failed to persist %s: %w", what, err))
}

func (r *run) synthesisErr(ctx context.Context, part, reason string) error {
	return r.fail(ctx, part, &models.SynthesisError{RunID: r.id, Stage: r.stage, Reason: reason})
}

func (r *run) finish(ctx context.Context) {
	if err := r.o.recorder.RunFinished(ctx, r.id, models.RunStatusCompleted, r.stage, nil); err != nil {
		r.logger.Warn("failed to record run completion", zap.Error(err))
	}
	r.logger.Info("run completed")
}

func (o *Orchestrator) start(ctx context.Context, base string, rec models.RunRecord, observe Observer) (*run, error) {
	runID, err := o.store.CreateRun(base)
	if err != nil {
		return nil, err
	}
	rec.ID = runID
	rec.Status = models.RunStatusRunning
	rec.CreatedAt = o.now().UTC()
	if err := o.recorder.RunStarted(ctx, rec); err != nil {
		o.logger.Warn("failed to record run start", zap.String("run_id", runID), zap.Error(err))
	}
	return &run{
		o:       o,
		id:      runID,
		observe: observe,
		logger:  o.logger.With(zap.String("run_id", runID)),
	}, nil
}

// Generate synthesizes a full program for objectName and returns the run
// identifier. On failure after the run directory was created, the
// identifier is returned with the error so the partial run stays
// inspectable.
func (o *Orchestrator) Generate(ctx context.Context, objectName string, observe Observer) (string, error) {
	objectName = strings.TrimSpace(objectName)
	if objectName == "" {
		return "", fmt.Errorf("object name: %w", ErrEmptyInput)
	}

	r, err := o.start(ctx, RunID(objectName, o.now()), models.RunRecord{ObjectName: objectName}, observe)
	if err != nil {
		return "", err
	}
	r.logger.Info("run started", zap.String("object_name", objectName))

	r.stage = models.StagePersist
	manifest := &models.RunManifest{
		RunID:     r.id,
		Object:    models.ObjectDescription{Name: objectName},
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.WriteManifest(*manifest); err != nil {
		return r.id, r.persistErr(ctx, "manifest", err)
	}

	parts, err := o.disassemble(ctx, r, manifest)
	if err != nil {
		return r.id, err
	}
	programs, err := o.writeCode(ctx, r, objectName, parts, nil)
	if err != nil {
		return r.id, err
	}
	if err := o.assemble(ctx, r, objectName, programs); err != nil {
		return r.id, err
	}

	r.finish(ctx)
	return r.id, nil
}

// Resume continues a failed or interrupted run from its stored artifacts.
// Stored part specs skip the Disassembler and every stored part program
// skips its Code Writer call; the Assembler then runs over the part programs
// in part spec order. An edit run re-runs the Parameter Manipulator with its
// stored change request. A run that already has a full program is returned
// as is.
func (o *Orchestrator) Resume(ctx context.Context, runID string, observe Observer) (string, error) {
	manifest, err := o.store.LoadManifest(runID)
	if err != nil {
		return "", err
	}
	if _, err := o.store.LoadFullProgram(runID); err == nil {
		o.logger.Info("run already complete", zap.String("run_id", runID))
		return runID, nil
	} else if !errors.Is(err, models.ErrRunNotFound) {
		return "", err
	}

	if err := o.recorder.RunResumed(ctx, runID); err != nil {
		o.logger.Warn("failed to record run resume", zap.String("run_id", runID), zap.Error(err))
	}
	r := &run{
		o:       o,
		id:      runID,
		observe: observe,
		stage:   models.StagePersist,
		logger:  o.logger.With(zap.String("run_id", runID)),
	}
	r.logger.Info("run resumed", zap.String("object_name", manifest.Object.Name))

	if manifest.ParentRunID != "" {
		program, err := o.store.LoadFullProgram(manifest.ParentRunID)
		if err != nil {
			return r.id, r.fail(ctx, "", fmt.Errorf("failed to load parent program: %w", err))
		}
		if err := o.manipulate(ctx, r, manifest.EditPrompt, program); err != nil {
			return r.id, err
		}
		r.finish(ctx)
		return r.id, nil
	}

	parts, err := o.store.LoadParts(runID)
	switch {
	case errors.Is(err, models.ErrRunNotFound):
		if parts, err = o.disassemble(ctx, r, manifest); err != nil {
			return r.id, err
		}
	case err != nil:
		return r.id, r.fail(ctx, "", fmt.Errorf("failed to load part specs: %w", err))
	}

	stored, err := o.store.PartPrograms(runID)
	if err != nil {
		return r.id, r.fail(ctx, "", err)
	}
	sources := make(map[string]string, len(stored))
	for _, p := range stored {
		sources[p.Name] = p.Source
	}

	programs, err := o.writeCode(ctx, r, manifest.Object.Name, parts, sources)
	if err != nil {
		return r.id, err
	}
	if err := o.assemble(ctx, r, manifest.Object.Name, programs); err != nil {
		return r.id, err
	}

	r.finish(ctx)
	return r.id, nil
}

// disassemble runs the Disassembler and stores its description and part specs.
func (o *Orchestrator) disassemble(ctx context.Context, r *run, manifest *models.RunManifest) ([]models.PartSpec, error) {
	r.begin(models.StageDisassemble, "")
	description, err := o.agents.Disassembler.Run(ctx, manifest.Object.Name)
	if err != nil {
		return nil, r.fail(ctx, "", err)
	}
	if err := o.store.WriteDisassembly(r.id, description); err != nil {
		return nil, r.persistErr(ctx, "disassembly", err)
	}
	parts := SplitParts(description)
	if len(parts) == 0 {
		return nil, r.synthesisErr(ctx, "", "disassembler output contains no parts")
	}
	if err := o.store.WriteParts(r.id, parts); err != nil {
		return nil, r.persistErr(ctx, "parts", err)
	}
	manifest.Object.Description = description
	if err := o.store.WriteManifest(*manifest); err != nil {
		return nil, r.persistErr(ctx, "manifest", err)
	}
	r.done(ctx, "")
	return parts, nil
}

// writeCode runs the Code Writer one part at a time. Parts whose file stem
// has a source in stored are taken from it instead.
func (o *Orchestrator) writeCode(ctx context.Context, r *run, objectName string, parts []models.PartSpec, stored map[string]string) ([]models.GeneratedProgram, error) {
	r.begin(models.StageCodeWrite, "")
	stems := uniqueFileNames(parts)
	programs := make([]models.GeneratedProgram, 0, len(parts))
	for i, part := range parts {
		if source := stored[stems[i]]; strings.TrimSpace(source) != "" {
			r.emit(models.PipelineEventCompleted, part.PartName, "reused stored part program")
			programs = append(programs, models.GeneratedProgram{Name: part.PartName, Kind: models.PartProgram, Source: source})
			continue
		}
		r.emit(models.PipelineEventStarted, part.PartName, "")
		out, err := o.agents.CodeWriter.Run(ctx, CodeWriterPrompt(objectName, part))
		if err != nil {
			return nil, r.fail(ctx, part.PartName, err)
		}
		source := StripCodeFence(out)
		if strings.TrimSpace(source) == "" {
			return nil, r.synthesisErr(ctx, part.PartName, fmt.Sprintf("code writer returned no code for part %q", part.PartName))
		}
		if err := o.store.WritePartProgram(r.id, stems[i], source); err != nil {
			return nil, r.persistErr(ctx, "part program", err)
		}
		programs = append(programs, models.GeneratedProgram{Name: part.PartName, Kind: models.PartProgram, Source: source})
		r.done(ctx, part.PartName)
	}
	r.done(ctx, "")
	return programs, nil
}

// assemble runs the Assembler over programs and stores the full program.
func (o *Orchestrator) assemble(ctx context.Context, r *run, objectName string, programs []models.GeneratedProgram) error {
	r.begin(models.StageAssemble, "")
	out, err := o.agents.Assembler.Run(ctx, AssemblerPrompt(objectName, programs))
	if err != nil {
		return r.fail(ctx, "", err)
	}
	full := StripCodeFence(out)
	if strings.TrimSpace(full) == "" {
		return r.synthesisErr(ctx, "", "assembler returned no program")
	}
	if err := o.store.WriteFullProgram(r.id, full); err != nil {
		return r.persistErr(ctx, "full program", err)
	}
	r.done(ctx, "")
	return nil
}

// Edit runs the Parameter Manipulator against the full program of runID and
// stores the result as a new run whose parent is runID. The part specs and
// part programs of the original run are left untouched.
func (o *Orchestrator) Edit(ctx context.Context, runID, request string, observe Observer) (string, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return "", fmt.Errorf("change request: %w", ErrEmptyInput)
	}
	program, err := o.store.LoadFullProgram(runID)
	if err != nil {
		return "", err
	}
	parent, err := o.store.LoadManifest(runID)
	if err != nil {
		return "", err
	}

	parentID := runID
	r, err := o.start(ctx, EditRunID(request, runID), models.RunRecord{
		ObjectName:  parent.Object.Name,
		ParentRunID: &parentID,
	}, observe)
	if err != nil {
		return "", err
	}
	r.logger.Info("edit run started", zap.String("parent_run_id", runID))

	r.stage = models.StagePersist
	manifest := models.RunManifest{
		RunID:       r.id,
		Object:      parent.Object,
		ParentRunID: runID,
		EditPrompt:  request,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.store.WriteManifest(manifest); err != nil {
		return r.id, r.persistErr(ctx, "manifest", err)
	}
	if err := o.store.WriteEditPrompt(r.id, request); err != nil {
		return r.id, r.persistErr(ctx, "edit prompt", err)
	}

	if err := o.manipulate(ctx, r, request, program); err != nil {
		return r.id, err
	}

	r.finish(ctx)
	return r.id, nil
}

// manipulate runs the Parameter Manipulator and stores the edited program.
func (o *Orchestrator) manipulate(ctx context.Context, r *run, request, program string) error {
	r.begin(models.StageManipulate, "")
	out, err := o.agents.ParameterManipulator.Run(ctx, ManipulatorPrompt(request, program))
	if err != nil {
		return r.fail(ctx, "", err)
	}
	full := StripCodeFence(out)
	if strings.TrimSpace(full) == "" {
		return r.synthesisErr(ctx, "", "parameter manipulator returned no program")
	}
	if err := o.store.WriteFullProgram(r.id, full); err != nil {
		return r.persistErr(ctx, "full program", err)
	}
	r.done(ctx, "")
	return nil
}
