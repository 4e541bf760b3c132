package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/orchestration"
)

// errorResponse maps an error from the pipeline or session layer to a
// status code and API body.
func errorResponse(err error) (int, models.ErrorResponse) {
	var (
		agentErr     *models.AgentCallError
		synthesisErr *models.SynthesisError
		execErr      *models.ExecutionError
		schemaErr    *models.SchemaError
	)

	switch {
	case errors.As(err, &agentErr):
		return http.StatusBadGateway, models.ErrorResponse{
			Error:   err.Error(),
			Code:    models.ErrCodeAgentCall,
			Details: map[string]string{"role": agentErr.Role},
		}
	case errors.As(err, &synthesisErr):
		return http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   err.Error(),
			Code:    models.ErrCodeSynthesis,
			Details: map[string]string{"run_id": synthesisErr.RunID, "stage": string(synthesisErr.Stage)},
		}
	case errors.As(err, &execErr):
		details := map[string]string{"run_id": execErr.RunID}
		if execErr.Trace != "" {
			details["trace"] = execErr.Trace
		}
		return http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   err.Error(),
			Code:    models.ErrCodeExecution,
			Details: details,
		}
	case errors.As(err, &schemaErr):
		return http.StatusConflict, models.ErrorResponse{
			Error:   err.Error(),
			Code:    models.ErrCodeSchema,
			Details: map[string]string{"run_id": schemaErr.RunID},
		}
	case errors.Is(err, models.ErrRunNotFound), errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeNotFound}
	case errors.Is(err, models.ErrUnknownParameter),
		errors.Is(err, models.ErrInvalidSliderValue),
		errors.Is(err, orchestration.ErrEmptyInput),
		errors.Is(err, orchestration.ErrInvalidRunID):
		return http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeValidationFailed}
	default:
		return http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error", Code: models.ErrCodeInternalError}
	}
}

func (h *Handler) respondError(c *gin.Context, err error, runID string) {
	status, body := errorResponse(err)
	body = withRunID(body, runID)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", errorFields(c, err)...)
	} else {
		h.logger.Warn("request rejected", errorFields(c, err)...)
	}
	c.JSON(status, body)
}

// withRunID adds runID to the details unless the error already named one.
func withRunID(body models.ErrorResponse, runID string) models.ErrorResponse {
	if runID == "" {
		return body
	}
	if body.Details == nil {
		body.Details = map[string]string{}
	}
	if body.Details["run_id"] == "" {
		body.Details["run_id"] = runID
	}
	return body
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msg, Code: models.ErrCodeInvalidRequest})
}
