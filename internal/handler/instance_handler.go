package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/certlab/certlab-backend/internal/instancer"
	"github.com/certlab/certlab-backend/internal/middleware"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/certlab/certlab-backend/internal/response"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// InstanceHandler serves the challenge-instance status and lifecycle routes.
type InstanceHandler struct {
	instances *service.InstanceService
	log       zerolog.Logger
}

// NewInstanceHandler creates a new InstanceHandler.
func NewInstanceHandler(instances *service.InstanceService, log zerolog.Logger) *InstanceHandler {
	return &InstanceHandler{
		instances: instances,
		log:       log.With().Str("component", "instance_handler").Logger(),
	}
}

// GetStatus godoc
// GET /api/v1/candidate/questions/:question_id/instance
// Returns the candidate's view of the question's instance.
func (h *InstanceHandler) GetStatus(c *gin.Context) {
	claims := middleware.GetClaims(c)

	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.instances.GetState(c.Request.Context(), claims.CandidateID, questionID)
	if err != nil {
		h.failInstance(c, questionID, err, "Instance status failed")
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Start godoc
// POST /api/v1/candidate/questions/:question_id/instance/start
// Provisions the question's instance. At most one instance may be active
// per candidate; a conflicting lease names the holding question.
func (h *InstanceHandler) Start(c *gin.Context) {
	h.lifecycle(c, h.instances.Start, "Instance start failed")
}

// Stop godoc
// POST /api/v1/candidate/questions/:question_id/instance/stop
func (h *InstanceHandler) Stop(c *gin.Context) {
	h.lifecycle(c, h.instances.Stop, "Instance stop failed")
}

// Restart godoc
// POST /api/v1/candidate/questions/:question_id/instance/restart
// Reboots a running instance in place, keeping the concurrency lease.
func (h *InstanceHandler) Restart(c *gin.Context) {
	h.lifecycle(c, h.instances.Restart, "Instance restart failed")
}

func (h *InstanceHandler) lifecycle(
	c *gin.Context,
	action func(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error),
	logMsg string,
) {
	claims := middleware.GetClaims(c)

	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := action(c.Request.Context(), claims.CandidateID, questionID)
	if err != nil {
		h.failInstance(c, questionID, err, logMsg)
		return
	}
	response.Success(c, http.StatusAccepted, state)
}

// failInstance maps instance-domain errors onto response codes. Shared by
// the status and lifecycle routes because they fail in the same ways.
func (h *InstanceHandler) failInstance(c *gin.Context, questionID uuid.UUID, err error, logMsg string) {
	var concurrencyErr *service.ConcurrencyLimitError
	var backendErr *instancer.BackendError

	switch {
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, service.ErrNoInstanceDescriptor):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrUnsupportedOperation):
		response.Fail(c, http.StatusConflict, response.ErrOperationUnsupported)
	case errors.Is(err, service.ErrAttemptNotStarted):
		response.Fail(c, http.StatusConflict, response.ErrInvalidState)
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidState)
	case errors.As(err, &concurrencyErr):
		response.FailWithFields(c, http.StatusConflict, response.ErrConcurrencyLimit, map[string]string{
			"conflicting_question_id": concurrencyErr.ConflictingQuestionID.String(),
		})
	case errors.As(err, &backendErr):
		h.log.Warn().Err(err).Str("question_id", questionID.String()).Msg(logMsg)
		response.Fail(c, http.StatusBadGateway, response.ErrInstanceBackendFailed)
	default:
		h.log.Error().Err(err).Str("question_id", questionID.String()).Msg(logMsg)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
