package repository

import (
	"context"
	"errors"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgInsufficientPrivilege is the SQLSTATE raised when a row-level access
// policy rejects a write. Distinct from validation errors, which the
// persistence reconciler must not swallow.
const pgInsufficientPrivilege = "42501"

// IsPermissionDenied reports whether err is a row-level policy rejection.
func IsPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege
}

// SubmissionRepository handles flag submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// GetByAttemptAndFlag retrieves the submission for an (attempt, flag) pair.
func (r *SubmissionRepository) GetByAttemptAndFlag(ctx context.Context, attemptID, flagID uuid.UUID) (*model.FlagSubmission, error) {
	s := &model.FlagSubmission{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, attempt_id, question_id, flag_id, submitted_text, is_correct,
		        points_awarded, created_at, updated_at
		 FROM flag_submissions
		 WHERE attempt_id = $1 AND flag_id = $2`, attemptID, flagID,
	).Scan(&s.ID, &s.AttemptID, &s.QuestionID, &s.FlagID, &s.SubmittedText, &s.IsCorrect,
		&s.PointsAwarded, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert writes a submission for an (attempt, flag) pair. The update guard
// enforces the downgrade rule: an existing correct record is only ever
// replaced by an equally-correct record (idempotent retries), never by an
// incorrect one. Returns false when the guard rejected the write, i.e. the
// stored record stays correct and the score is untouched.
func (r *SubmissionRepository) Upsert(ctx context.Context, s *model.FlagSubmission) (bool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO flag_submissions
		     (id, attempt_id, question_id, flag_id, submitted_text, is_correct, points_awarded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (attempt_id, flag_id) DO UPDATE
		 SET submitted_text = EXCLUDED.submitted_text,
		     is_correct     = EXCLUDED.is_correct,
		     points_awarded = EXCLUDED.points_awarded,
		     updated_at     = NOW()
		 WHERE flag_submissions.is_correct = FALSE OR EXCLUDED.is_correct = TRUE
		 RETURNING created_at, updated_at`,
		s.ID, s.AttemptID, s.QuestionID, s.FlagID, s.SubmittedText, s.IsCorrect, s.PointsAwarded,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListByAttempt retrieves all submissions of one attempt.
func (r *SubmissionRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, question_id, flag_id, submitted_text, is_correct,
		        points_awarded, created_at, updated_at
		 FROM flag_submissions
		 WHERE attempt_id = $1
		 ORDER BY created_at`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.FlagSubmission
	for rows.Next() {
		var s model.FlagSubmission
		if err := rows.Scan(&s.ID, &s.AttemptID, &s.QuestionID, &s.FlagID, &s.SubmittedText,
			&s.IsCorrect, &s.PointsAwarded, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Totals derives the correct-flag count and awarded score sum for an
// attempt from the submissions set. This is the authoritative score path.
func (r *SubmissionRepository) Totals(ctx context.Context, attemptID uuid.UUID) (correct int, score int, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_correct),
		        COALESCE(SUM(points_awarded) FILTER (WHERE is_correct), 0)
		 FROM flag_submissions WHERE attempt_id = $1`, attemptID,
	).Scan(&correct, &score)
	return correct, score, err
}
