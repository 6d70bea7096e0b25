// Package handler holds the HTTP layer: request parsing, claim extraction
// and the mapping from domain errors to response codes. Business rules live
// in the services.
package handler

import (
	"errors"
	"net/http"

	"github.com/certlab/certlab-backend/internal/middleware"
	"github.com/certlab/certlab-backend/internal/response"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// AssessmentHandler serves the candidate-facing assessment catalog and
// papers.
type AssessmentHandler struct {
	assessments *service.AssessmentService
	attempts    *service.AttemptService
	log         zerolog.Logger
}

// NewAssessmentHandler creates a new AssessmentHandler.
func NewAssessmentHandler(assessments *service.AssessmentService, attempts *service.AttemptService, log zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		assessments: assessments,
		attempts:    attempts,
		log:         log.With().Str("component", "assessment_handler").Logger(),
	}
}

// ListCatalog godoc
// GET /api/v1/candidate/assessments
// Returns every assessment with the candidate's attempt overlaid.
func (h *AssessmentHandler) ListCatalog(c *gin.Context) {
	claims := middleware.GetClaims(c)

	entries, err := h.assessments.Catalog(c.Request.Context(), claims.CandidateID)
	if err != nil {
		h.log.Error().Err(err).Msg("Catalog build failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, entries)
}

// GetPaper godoc
// GET /api/v1/candidate/assessments/:assessment_id/paper
// Returns the assessment's sections, questions and flag metadata. Requires
// an attempt: the paper is not visible before the candidate starts.
func (h *AssessmentHandler) GetPaper(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if _, _, err := h.attempts.Remaining(c.Request.Context(), claims.CandidateID, assessmentID); err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		default:
			h.log.Error().Err(err).Msg("Attempt lookup failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	paper, err := h.assessments.GetPaper(c.Request.Context(), assessmentID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Paper build failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}
	response.Success(c, http.StatusOK, paper)
}
