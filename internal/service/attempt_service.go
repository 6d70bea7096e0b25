package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/certlab/certlab-backend/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// InstanceJanitor tears down every remote instance a candidate holds for
// an assessment. Implemented by InstanceService; attempts call it on
// terminal transitions so completed attempts never leak running machines.
type InstanceJanitor interface {
	Teardown(ctx context.Context, candidateID int, assessmentID uuid.UUID) error
}

// AttemptService owns the attempt lifecycle state machine:
//
//	NONE → STARTED → COMPLETED
//
// with reset as the non-persisted STARTED|COMPLETED → STARTED transition.
type AttemptService struct {
	assessments AssessmentStore
	attempts    AttemptStore
	scoring     *ScoringService
	fallback    FallbackStore
	janitor     InstanceJanitor
	timer       AttemptTimer
	log         zerolog.Logger
}

// NewAttemptService creates a new AttemptService. The timer is attached
// later (the expiry worker needs this service to finalize attempts).
func NewAttemptService(
	assessments AssessmentStore,
	attempts AttemptStore,
	scoring *ScoringService,
	fallback FallbackStore,
	janitor InstanceJanitor,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		assessments: assessments,
		attempts:    attempts,
		scoring:     scoring,
		fallback:    fallback,
		janitor:     janitor,
		log:         log.With().Str("component", "attempt_service").Logger(),
	}
}

// AttachTimer wires the deadline timer. Called once during startup.
func (s *AttemptService) AttachTimer(t AttemptTimer) {
	s.timer = t
}

// Start creates a new attempt or resumes the existing one (idempotent).
// Fails when the assessment's active window has not begun or has elapsed.
// Resuming an attempt whose deadline already passed finalizes it first and
// returns the completed attempt.
func (s *AttemptService) Start(ctx context.Context, candidateID int, assessmentID uuid.UUID) (*model.Attempt, error) {
	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	existing, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}

	if existing != nil {
		return s.resume(ctx, existing)
	}

	// New attempts only inside the active window. Resuming is allowed
	// after the window closes so a candidate can still see their result.
	if !assessment.ActiveAt(time.Now()) {
		return nil, ErrAssessmentNotActive
	}

	attempt := &model.Attempt{
		ID:           uuid.New(),
		AssessmentID: assessmentID,
		CandidateID:  candidateID,
		Status:       model.AttemptStatusStarted,
		ExpiresAt:    time.Now().Add(time.Duration(assessment.DurationMinutes) * time.Minute),
	}

	if err := s.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent start from another device: the insert lost the
			// race, resume whichever attempt won.
			existing, fetchErr := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			return s.resume(ctx, existing)
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	if s.timer != nil {
		s.timer.Register(attempt.ID, attempt.ExpiresAt)
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("candidate_id", candidateID).
		Time("expires_at", attempt.ExpiresAt).
		Msg("Attempt started")

	return attempt, nil
}

// resume re-attaches to an existing attempt, finalizing it first if its
// deadline has already passed.
func (s *AttemptService) resume(ctx context.Context, attempt *model.Attempt) (*model.Attempt, error) {
	if attempt.Status == model.AttemptStatusCompleted {
		return attempt, nil
	}

	if attempt.Remaining(time.Now()) == 0 {
		if err := s.Finalize(ctx, attempt.ID); err != nil {
			return nil, fmt.Errorf("finalize expired attempt: %w", err)
		}
		return s.attempts.GetByID(ctx, attempt.ID)
	}

	// The timer recomputes from the persisted deadline, never from an
	// in-memory countdown that a restart could have reset.
	if s.timer != nil {
		s.timer.Register(attempt.ID, attempt.ExpiresAt)
	}
	return attempt, nil
}

// GetState returns the reload-safe attempt state: derived score, remaining
// seconds from the persisted deadline, and the merged submission map.
func (s *AttemptService) GetState(ctx context.Context, candidateID int, assessmentID uuid.UUID) (*model.AttemptState, error) {
	attempt, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	if attempt.Status == model.AttemptStatusStarted && attempt.Remaining(time.Now()) == 0 {
		if err := s.Finalize(ctx, attempt.ID); err != nil {
			return nil, fmt.Errorf("finalize expired attempt: %w", err)
		}
		if attempt, err = s.attempts.GetByID(ctx, attempt.ID); err != nil {
			return nil, err
		}
	}

	score, _, progress, err := s.scoring.DeriveScore(ctx, attempt)
	if err != nil {
		return nil, err
	}
	attempt.CurrentScore = score
	attempt.Progress = progress

	subs, err := s.scoring.MergedSubmissions(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	subMap := make(map[string]model.FlagSubmission, len(subs))
	for _, sub := range subs {
		subMap[sub.FlagID.String()] = sub
	}

	return &model.AttemptState{
		Attempt:          *attempt,
		RemainingSeconds: attempt.Remaining(time.Now()).Seconds(),
		Submissions:      subMap,
	}, nil
}

// Submit finalizes the candidate's attempt. Idempotent: submitting an
// already-completed attempt is a no-op that still succeeds.
func (s *AttemptService) Submit(ctx context.Context, candidateID int, assessmentID uuid.UUID) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	if attempt.Status == model.AttemptStatusCompleted {
		return attempt, nil
	}

	if err := s.Finalize(ctx, attempt.ID); err != nil {
		return nil, err
	}
	return s.attempts.GetByID(ctx, attempt.ID)
}

// Finalize performs the terminal transition for an attempt: recompute the
// final score from the submissions set (never trusting the cached columns
// alone), mark COMPLETED exactly once, purge fallback records, and tear
// down the candidate's remote instances. Safe to call concurrently; the
// guarded update makes one caller win and the rest no-op.
func (s *AttemptService) Finalize(ctx context.Context, attemptID uuid.UUID) error {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Status == model.AttemptStatusCompleted {
		return nil
	}

	score, _, progress, err := s.scoring.DeriveScore(ctx, attempt)
	if err != nil {
		return err
	}

	transitioned, err := s.attempts.Complete(ctx, attemptID, score, progress)
	if err != nil {
		if !repository.IsPermissionDenied(err) {
			return fmt.Errorf("complete attempt: %w", err)
		}
		// Policy rejection: record the completion in the fallback store
		// and keep the fallback set intact until the reconciler lands it.
		s.log.Warn().Str("attempt_id", attemptID.String()).Msg("Primary store rejected completion, using fallback")
		snapshot := *attempt
		snapshot.Status = model.AttemptStatusCompleted
		now := time.Now()
		snapshot.CompletedAt = &now
		snapshot.CurrentScore = score
		snapshot.Progress = progress
		if ferr := s.fallback.SaveAttemptState(ctx, &snapshot); ferr != nil {
			return fmt.Errorf("fallback completion write: %w", ferr)
		}
	} else if transitioned {
		if err := s.fallback.Purge(ctx, attemptID); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Fallback purge failed")
		}
	}

	if s.timer != nil {
		s.timer.Deregister(attemptID)
	}

	if err := s.janitor.Teardown(ctx, attempt.CandidateID, attempt.AssessmentID); err != nil {
		// Teardown failure must not undo the terminal transition; the
		// instance backend reclaims expired machines on its own.
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Instance teardown failed")
	}

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("final_score", score).
		Msg("Attempt completed")

	return nil
}

// Reset destroys the attempt's submissions and returns it to STARTED with
// a fresh deadline. Destructive and irreversible; the caller must have
// confirmed explicitly.
func (s *AttemptService) Reset(ctx context.Context, candidateID int, assessmentID uuid.UUID) (*model.Attempt, error) {
	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	if !assessment.ActiveAt(time.Now()) {
		return nil, ErrAssessmentNotActive
	}

	attempt, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(assessment.DurationMinutes) * time.Minute)
	if err := s.attempts.Reset(ctx, attempt.ID, expiresAt); err != nil {
		return nil, fmt.Errorf("reset attempt: %w", err)
	}

	if err := s.fallback.Purge(ctx, attempt.ID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Fallback purge failed")
	}

	if err := s.janitor.Teardown(ctx, candidateID, assessmentID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Instance teardown failed")
	}

	if s.timer != nil {
		s.timer.Register(attempt.ID, expiresAt)
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("candidate_id", candidateID).
		Msg("Attempt reset")

	return s.attempts.GetByID(ctx, attempt.ID)
}

// Remaining returns the seconds left on the candidate's attempt, always
// recomputed from the persisted deadline. Used by the stream handler.
func (s *AttemptService) Remaining(ctx context.Context, candidateID int, assessmentID uuid.UUID) (time.Duration, *model.Attempt, error) {
	attempt, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrAttemptNotFound
		}
		return 0, nil, fmt.Errorf("get attempt: %w", err)
	}
	return attempt.Remaining(time.Now()), attempt, nil
}
