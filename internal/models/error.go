package models

import (
	"errors"
	"fmt"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeAgentCall        = "AGENT_CALL_FAILED"
	ErrCodeSynthesis        = "SYNTHESIS_FAILED"
	ErrCodeExecution        = "EXECUTION_FAILED"
	ErrCodeSchema           = "SCHEMA_VIOLATION"
)

// Sentinel errors shared by the storage, session and gateway layers.
var (
	ErrRunNotFound        = errors.New("run not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUnknownParameter   = errors.New("unknown parameter")
	ErrInvalidSliderValue = errors.New("invalid slider value")
)

// AgentCallError wraps a transport or service failure of a completion call.
// It is never retried inside the pipeline.
type AgentCallError struct {
	Role string
	Err  error
}

func (e *AgentCallError) Error() string {
	return fmt.Sprintf("agent %s call failed: %v", e.Role, e.Err)
}

func (e *AgentCallError) Unwrap() error { return e.Err }

// SynthesisError reports agent output that cannot be decomposed as expected.
// It halts the orchestration run.
type SynthesisError struct {
	RunID  string
	Stage  Stage
	Reason string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed for run %s at stage %s: %s", e.RunID, e.Stage, e.Reason)
}

// ExecutionError reports a generated program that failed to compile, raised,
// or exceeded its execution budget. Trace holds the interpreter trace and any
// captured program output.
type ExecutionError struct {
	RunID  string
	Reason string
	Trace  string
}

func (e *ExecutionError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("program execution failed: %s", e.Reason)
	}
	return fmt.Sprintf("program execution failed for run %s: %s", e.RunID, e.Reason)
}

// SchemaError reports missing result bindings or a parameter key set that
// drifted between generate and modify. It is fatal for the session.
type SchemaError struct {
	RunID  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("schema error: %s", e.Reason)
	}
	return fmt.Sprintf("schema error for run %s: %s", e.RunID, e.Reason)
}

// WithRunID stamps runID onto execution and schema errors that were raised
// below the layer that knows the run. Other errors are returned unchanged.
func WithRunID(err error, runID string) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.RunID == "" {
		stamped := *execErr
		stamped.RunID = runID
		return &stamped
	}
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) && schemaErr.RunID == "" {
		stamped := *schemaErr
		stamped.RunID = runID
		return &stamped
	}
	return err
}

// ErrorKind names the taxonomy class of err for logs and metric labels.
func ErrorKind(err error) string {
	var (
		agentErr     *AgentCallError
		synthesisErr *SynthesisError
		execErr      *ExecutionError
		schemaErr    *SchemaError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &agentErr):
		return "agent_call"
	case errors.As(err, &synthesisErr):
		return "synthesis"
	case errors.As(err, &execErr):
		return "execution"
	case errors.As(err, &schemaErr):
		return "schema"
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownParameter), errors.Is(err, ErrInvalidSliderValue):
		return "validation"
	default:
		return "internal"
	}
}
