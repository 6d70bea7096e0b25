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

// ScoringService validates flag submissions and maintains the scoring
// ledger with exactly-once semantics per (attempt, flag). Writes go through
// the persistence reconciler: primary first, fallback on policy rejection.
type ScoringService struct {
	attempts    AttemptStore
	questions   QuestionStore
	submissions SubmissionStore
	fallback    FallbackStore
	log         zerolog.Logger
}

// NewScoringService creates a new ScoringService.
func NewScoringService(
	attempts AttemptStore,
	questions QuestionStore,
	submissions SubmissionStore,
	fallback FallbackStore,
	log zerolog.Logger,
) *ScoringService {
	return &ScoringService{
		attempts:    attempts,
		questions:   questions,
		submissions: submissions,
		fallback:    fallback,
		log:         log.With().Str("component", "scoring_service").Logger(),
	}
}

// RecordSubmission evaluates a submitted flag value for the candidate's
// attempt at the assessment and upserts the outcome. A flag's score is
// added to the attempt exactly once, on the first correct submission;
// later submissions for an already-correct flag never change the score.
func (s *ScoringService) RecordSubmission(ctx context.Context, candidateID int, assessmentID, questionID, flagID uuid.UUID, submitted string) (*model.SubmissionResult, error) {
	attempt, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Status != model.AttemptStatusStarted {
		return nil, ErrAttemptCompleted
	}
	if attempt.Remaining(time.Now()) == 0 {
		// Past the deadline: the expiry worker will finalize; no new
		// submissions may land in the window between expiry and submit.
		return nil, ErrAttemptCompleted
	}

	// The question must belong to the attempt's assessment, or a correct
	// flag lifted from any other assessment could be scored into this one.
	question, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("get question: %w", err)
	}
	if question.AssessmentID != attempt.AssessmentID {
		return nil, ErrQuestionNotFound
	}

	flag, err := s.questions.GetFlag(ctx, questionID, flagID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("flag not found: %w", err)
		}
		return nil, fmt.Errorf("get flag: %w", err)
	}

	correct := flag.Matches(submitted)
	points := 0
	if correct {
		points = flag.Score
	}

	prior, err := s.priorSubmission(ctx, attempt.ID, questionID, flagID)
	if err != nil {
		return nil, err
	}

	// Once correct, the stored record is only replaced by an equally
	// correct record. An incorrect retry does not touch storage at all.
	if prior != nil && prior.IsCorrect && !correct {
		score, _, progress, err := s.DeriveScore(ctx, attempt)
		if err != nil {
			return nil, err
		}
		return &model.SubmissionResult{
			Correct:       false,
			PointsAwarded: 0,
			TotalScore:    score,
			Progress:      progress,
		}, nil
	}

	sub := &model.FlagSubmission{
		ID:            uuid.New(),
		AttemptID:     attempt.ID,
		QuestionID:    questionID,
		FlagID:        flagID,
		SubmittedText: submitted,
		IsCorrect:     correct,
		PointsAwarded: points,
	}
	if err := s.persistSubmission(ctx, sub); err != nil {
		return nil, err
	}

	score, _, progress, err := s.DeriveScore(ctx, attempt)
	if err != nil {
		return nil, err
	}

	// First time this flag became correct for this attempt: refresh the
	// cached score columns. The derivation above already includes the new
	// record, so this can never double-count.
	if correct && (prior == nil || !prior.IsCorrect) {
		s.updateScoreCache(ctx, attempt, score, progress)
	}

	return &model.SubmissionResult{
		Correct:       correct,
		PointsAwarded: points,
		TotalScore:    score,
		Progress:      progress,
	}, nil
}

// MergedSubmissions returns the attempt's submissions with primary-store
// records taking precedence and fallback records filling gaps only where
// no primary record exists for the same (question, flag) key.
func (s *ScoringService) MergedSubmissions(ctx context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error) {
	primary, err := s.submissions.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	fallback, err := s.fallback.ListSubmissions(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list fallback submissions: %w", err)
	}
	if len(fallback) == 0 {
		return primary, nil
	}

	seen := make(map[uuid.UUID]bool, len(primary))
	for _, sub := range primary {
		seen[sub.FlagID] = true
	}

	merged := primary
	for _, sub := range fallback {
		if !seen[sub.FlagID] {
			merged = append(merged, sub)
		}
	}
	return merged, nil
}

// DeriveScore recomputes score and progress from the merged submissions
// set. This is the authoritative path; attempt columns are caches.
func (s *ScoringService) DeriveScore(ctx context.Context, attempt *model.Attempt) (score, correctCount int, progress float64, err error) {
	fallback, err := s.fallback.ListSubmissions(ctx, attempt.ID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list fallback submissions: %w", err)
	}

	if len(fallback) == 0 {
		// No degraded writes outstanding: the primary aggregate is exact.
		correctCount, score, err = s.submissions.Totals(ctx, attempt.ID)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("submission totals: %w", err)
		}
	} else {
		subs, err := s.MergedSubmissions(ctx, attempt.ID)
		if err != nil {
			return 0, 0, 0, err
		}
		for _, sub := range subs {
			if sub.IsCorrect {
				correctCount++
				score += sub.PointsAwarded
			}
		}
	}

	total, err := s.questions.CountFlagsByAssessment(ctx, attempt.AssessmentID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count flags: %w", err)
	}
	if total > 0 {
		progress = float64(correctCount) / float64(total) * 100
	}

	return score, correctCount, progress, nil
}

// priorSubmission merges the primary and fallback records for one flag.
func (s *ScoringService) priorSubmission(ctx context.Context, attemptID, questionID, flagID uuid.UUID) (*model.FlagSubmission, error) {
	prior, err := s.submissions.GetByAttemptAndFlag(ctx, attemptID, flagID)
	if err == nil {
		return prior, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get prior submission: %w", err)
	}

	fallback, err := s.fallback.ListSubmissions(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list fallback submissions: %w", err)
	}
	for i := range fallback {
		if fallback[i].FlagID == flagID && fallback[i].QuestionID == questionID {
			return &fallback[i], nil
		}
	}
	return nil, nil
}

// persistSubmission writes to the primary store, degrading to the fallback
// store when a row-level policy rejects the write. The degradation is
// invisible to the candidate but logged for operators.
func (s *ScoringService) persistSubmission(ctx context.Context, sub *model.FlagSubmission) error {
	applied, err := s.submissions.Upsert(ctx, sub)
	if err == nil {
		if !applied {
			// Downgrade guard kept the stored correct record; an
			// idempotent retry of that record is the only write we skip.
			s.log.Debug().
				Str("attempt_id", sub.AttemptID.String()).
				Str("flag_id", sub.FlagID.String()).
				Msg("Submission write skipped by downgrade guard")
		}
		return nil
	}

	if !repository.IsPermissionDenied(err) {
		return fmt.Errorf("upsert submission: %w", err)
	}

	s.log.Warn().
		Str("attempt_id", sub.AttemptID.String()).
		Str("flag_id", sub.FlagID.String()).
		Msg("Primary store rejected submission write, using fallback")

	if err := s.fallback.SaveSubmission(ctx, sub); err != nil {
		return fmt.Errorf("fallback submission write: %w", err)
	}
	return nil
}

// updateScoreCache refreshes the attempt's cached score columns, degrading
// to the fallback store on policy rejection. Failures here never fail the
// submission: the derivation path stays correct either way.
func (s *ScoringService) updateScoreCache(ctx context.Context, attempt *model.Attempt, score int, progress float64) {
	err := s.attempts.UpdateScoreCache(ctx, attempt.ID, score, progress)
	if err == nil {
		return
	}

	if repository.IsPermissionDenied(err) {
		s.log.Warn().
			Str("attempt_id", attempt.ID.String()).
			Msg("Primary store rejected score update, using fallback")
		snapshot := *attempt
		snapshot.CurrentScore = score
		snapshot.Progress = progress
		if ferr := s.fallback.SaveAttemptState(ctx, &snapshot); ferr != nil {
			s.log.Error().Err(ferr).Str("attempt_id", attempt.ID.String()).Msg("Fallback score write failed")
		}
		return
	}

	s.log.Error().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Score cache update failed")
}
