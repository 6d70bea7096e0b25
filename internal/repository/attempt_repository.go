package repository

import (
	"context"
	"time"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, assessment_id, candidate_id, status, started_at, expires_at,
		        completed_at, current_score, progress
		 FROM attempts WHERE id = $1`, id,
	).Scan(&a.ID, &a.AssessmentID, &a.CandidateID, &a.Status, &a.StartedAt, &a.ExpiresAt,
		&a.CompletedAt, &a.CurrentScore, &a.Progress)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByAssessmentAndCandidate retrieves the attempt for a specific
// assessment-candidate pair. The unique constraint guarantees at most one.
func (r *AttemptRepository) GetByAssessmentAndCandidate(ctx context.Context, assessmentID uuid.UUID, candidateID int) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, assessment_id, candidate_id, status, started_at, expires_at,
		        completed_at, current_score, progress
		 FROM attempts
		 WHERE assessment_id = $1 AND candidate_id = $2`, assessmentID, candidateID,
	).Scan(&a.ID, &a.AssessmentID, &a.CandidateID, &a.Status, &a.StartedAt, &a.ExpiresAt,
		&a.CompletedAt, &a.CurrentScore, &a.Progress)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a new attempt. The ON CONFLICT clause makes concurrent
// starts from two devices collapse into one row; the caller refetches on
// pgx.ErrNoRows (no row returned means another writer won).
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, assessment_id, candidate_id, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (assessment_id, candidate_id) DO NOTHING
		 RETURNING started_at`,
		a.ID, a.AssessmentID, a.CandidateID, model.AttemptStatusStarted, a.ExpiresAt,
	).Scan(&a.StartedAt)
}

// Complete marks an attempt COMPLETED with the recomputed final score.
// The status guard makes the terminal transition fire exactly once: a
// second caller (timer worker racing a manual submit) matches zero rows.
// Returns true if this call performed the transition.
func (r *AttemptRepository) Complete(ctx context.Context, id uuid.UUID, score int, progress float64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, current_score = $2, progress = $3, completed_at = NOW()
		 WHERE id = $4 AND status = $5`,
		model.AttemptStatusCompleted, score, progress, id, model.AttemptStatusStarted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Reset deletes the attempt's submissions and returns it to STARTED with a
// fresh deadline and zeroed score, in one transaction.
func (r *AttemptRepository) Reset(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM flag_submissions WHERE attempt_id = $1`, id); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, started_at = NOW(), expires_at = $2,
		     completed_at = NULL, current_score = 0, progress = 0
		 WHERE id = $3`,
		model.AttemptStatusStarted, expiresAt, id); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateScoreCache refreshes the incrementally maintained score/progress
// columns. These are caches; the submissions set stays authoritative.
func (r *AttemptRepository) UpdateScoreCache(ctx context.Context, id uuid.UUID, score int, progress float64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts SET current_score = $1, progress = $2 WHERE id = $3`,
		score, progress, id)
	return err
}

// ListStarted retrieves every STARTED attempt. Used by the expiry worker at
// boot to rebuild its deadline registry.
func (r *AttemptRepository) ListStarted(ctx context.Context) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, assessment_id, candidate_id, status, started_at, expires_at,
		        completed_at, current_score, progress
		 FROM attempts WHERE status = $1`, model.AttemptStatusStarted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.AssessmentID, &a.CandidateID, &a.Status, &a.StartedAt,
			&a.ExpiresAt, &a.CompletedAt, &a.CurrentScore, &a.Progress); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListByCandidate retrieves all attempts of one candidate, newest first.
// Used for the catalog overlay.
func (r *AttemptRepository) ListByCandidate(ctx context.Context, candidateID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, assessment_id, candidate_id, status, started_at, expires_at,
		        completed_at, current_score, progress
		 FROM attempts
		 WHERE candidate_id = $1
		 ORDER BY started_at DESC`, candidateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.AssessmentID, &a.CandidateID, &a.Status, &a.StartedAt,
			&a.ExpiresAt, &a.CompletedAt, &a.CurrentScore, &a.Progress); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
