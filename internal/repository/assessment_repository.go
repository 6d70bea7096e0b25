package repository

import (
	"context"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AssessmentRepository handles assessment data access. Assessments are
// authored externally; this repository is read-only.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetByID retrieves an assessment by its UUID.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a := &model.Assessment{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, question_count, max_score,
		        active_from, active_to, created_at, updated_at
		 FROM assessments WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.DurationMinutes, &a.QuestionCount, &a.MaxScore,
		&a.ActiveFrom, &a.ActiveTo, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List retrieves all assessments ordered by their active window start.
func (r *AssessmentRepository) List(ctx context.Context) ([]model.Assessment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, duration_minutes, question_count, max_score,
		        active_from, active_to, created_at, updated_at
		 FROM assessments
		 ORDER BY active_from NULLS FIRST, created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []model.Assessment
	for rows.Next() {
		var a model.Assessment
		if err := rows.Scan(&a.ID, &a.Title, &a.DurationMinutes, &a.QuestionCount, &a.MaxScore,
			&a.ActiveFrom, &a.ActiveTo, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}
