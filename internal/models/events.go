package models

import (
	"time"
)

// Stage names one step of the synthesis pipeline.
type Stage string

const (
	StageDisassemble Stage = "disassembler"
	StageCodeWrite   Stage = "code_writer"
	StageAssemble    Stage = "assembler"
	StageManipulate  Stage = "parameter_manipulator"
	StagePersist     Stage = "persist"
)

// PipelineEventStatus represents the status carried by a pipeline event
type PipelineEventStatus string

const (
	PipelineEventStarted   PipelineEventStatus = "STARTED"
	PipelineEventCompleted PipelineEventStatus = "COMPLETED"
	PipelineEventFailed    PipelineEventStatus = "FAILED"
)

// PipelineEvent is emitted by the orchestrator for every stage transition.
type PipelineEvent struct {
	RunID     string              `json:"run_id"`
	Stage     Stage               `json:"stage"`
	Status    PipelineEventStatus `json:"status"`
	Part      string              `json:"part,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// RunStatus is the lifecycle state of a synthesis run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the catalog entry for one synthesis or edit run.
type RunRecord struct {
	ID          string     `json:"id" db:"id"`
	ObjectName  string     `json:"object_name" db:"object_name"`
	ParentRunID *string    `json:"parent_run_id,omitempty" db:"parent_run_id"`
	Status      RunStatus  `json:"status" db:"status"`
	Stage       Stage      `json:"stage,omitempty" db:"stage"`
	Error       *string    `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
