package orchestration

import (
	"context"
	"errors"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// RunRecorder keeps an audit trail of runs outside the artifact store.
// Implementations must be safe for concurrent use.
type RunRecorder interface {
	RunStarted(ctx context.Context, rec models.RunRecord) error
	// RunResumed marks an existing run as running again.
	RunResumed(ctx context.Context, runID string) error
	StageCompleted(ctx context.Context, runID string, stage models.Stage) error
	RunFinished(ctx context.Context, runID string, status models.RunStatus, stage models.Stage, runErr error) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RunStarted(context.Context, models.RunRecord) error { return nil }

func (NopRecorder) RunResumed(context.Context, string) error { return nil }

func (NopRecorder) StageCompleted(context.Context, string, models.Stage) error { return nil }

func (NopRecorder) RunFinished(context.Context, string, models.RunStatus, models.Stage, error) error {
	return nil
}

// MultiRecorder fans out to several recorders and joins their errors.
type MultiRecorder []RunRecorder

func (m MultiRecorder) RunStarted(ctx context.Context, rec models.RunRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RunStarted(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) RunResumed(ctx context.Context, runID string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RunResumed(ctx, runID))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) StageCompleted(ctx context.Context, runID string, stage models.Stage) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.StageCompleted(ctx, runID, stage))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) RunFinished(ctx context.Context, runID string, status models.RunStatus, stage models.Stage, runErr error) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RunFinished(ctx, runID, status, stage, runErr))
	}
	return errors.Join(errs...)
}
