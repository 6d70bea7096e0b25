package handler

import (
	"errors"
	"net/http"

	"github.com/certlab/certlab-backend/internal/middleware"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/certlab/certlab-backend/internal/response"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/certlab/certlab-backend/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// AttemptHandler serves the attempt lifecycle and flag submissions.
type AttemptHandler struct {
	attempts *service.AttemptService
	scoring  *service.ScoringService
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts *service.AttemptService, scoring *service.ScoringService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		scoring:  scoring,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// Start godoc
// POST /api/v1/candidate/assessments/:assessment_id/attempt
// Starts a new attempt or resumes the existing one. Idempotent.
func (h *AttemptHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attempts.Start(c.Request.Context(), claims.CandidateID, assessmentID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		case errors.Is(err, service.ErrAssessmentNotActive):
			response.Fail(c, http.StatusConflict, response.ErrAssessmentNotAvailable)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Attempt start failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// GetState godoc
// GET /api/v1/candidate/assessments/:assessment_id/attempt
// Returns the reload-safe attempt state: score, remaining time, submissions.
func (h *AttemptHandler) GetState(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.attempts.GetState(c.Request.Context(), claims.CandidateID, assessmentID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Attempt state failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Submit godoc
// POST /api/v1/candidate/assessments/:assessment_id/attempt/submit
// Finalizes the attempt. Submitting an already-completed attempt succeeds
// without changing anything.
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attempts.Submit(c.Request.Context(), claims.CandidateID, assessmentID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Attempt submit failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// Reset godoc
// POST /api/v1/candidate/assessments/:assessment_id/attempt/reset
// Destroys the attempt's submissions and restarts the clock. Requires an
// explicit confirmation flag in the body.
func (h *AttemptHandler) Reset(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ResetAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrConfirmationRequired, fields)
		return
	}

	attempt, err := h.attempts.Reset(c.Request.Context(), claims.CandidateID, assessmentID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		case errors.Is(err, service.ErrAssessmentNotActive):
			response.Fail(c, http.StatusConflict, response.ErrAssessmentNotAvailable)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Attempt reset failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// SubmitFlag godoc
// POST /api/v1/candidate/assessments/:assessment_id/flags/submit
// Scores a submitted flag value. Correct flags award points exactly once;
// resubmissions of a solved flag return the stored result unchanged.
func (h *AttemptHandler) SubmitFlag(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitFlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.scoring.RecordSubmission(
		c.Request.Context(),
		claims.CandidateID,
		assessmentID,
		req.QuestionID,
		req.FlagID,
		req.Flag,
	)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		case errors.Is(err, service.ErrAttemptCompleted):
			response.Fail(c, http.StatusConflict, response.ErrAttemptCompleted)
		case errors.Is(err, service.ErrQuestionNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Flag submission failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	response.Success(c, http.StatusOK, result)
}
