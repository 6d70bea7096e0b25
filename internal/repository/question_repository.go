package repository

import (
	"context"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QuestionRepository handles section, question and flag data access.
// All of it is authored externally and read-only to the attempt engine.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListSections retrieves all sections of an assessment, ordered.
func (r *QuestionRepository) ListSections(ctx context.Context, assessmentID uuid.UUID) ([]model.Section, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, assessment_id, title, order_num
		 FROM sections WHERE assessment_id = $1
		 ORDER BY order_num`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.ID, &s.AssessmentID, &s.Title, &s.OrderNum); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// ListByAssessment retrieves all questions of an assessment across its
// sections, ordered by section then question order.
func (r *QuestionRepository) ListByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.id, q.section_id, s.assessment_id, q.title, q.body, q.difficulty, q.points,
		        q.hints, q.template_id, q.machine_id, q.order_num
		 FROM questions q
		 JOIN sections s ON q.section_id = s.id
		 WHERE s.assessment_id = $1
		 ORDER BY s.order_num, q.order_num`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.SectionID, &q.AssessmentID, &q.Title, &q.Body, &q.Difficulty, &q.Points,
			&q.Hints, &q.TemplateID, &q.MachineID, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetByID retrieves a single question.
func (r *QuestionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error) {
	q := &model.Question{}
	err := r.pool.QueryRow(ctx,
		`SELECT q.id, q.section_id, s.assessment_id, q.title, q.body, q.difficulty, q.points,
		        q.hints, q.template_id, q.machine_id, q.order_num
		 FROM questions q
		 JOIN sections s ON q.section_id = s.id
		 WHERE q.id = $1`, id,
	).Scan(&q.ID, &q.SectionID, &q.AssessmentID, &q.Title, &q.Body, &q.Difficulty, &q.Points,
		&q.Hints, &q.TemplateID, &q.MachineID, &q.OrderNum)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetFlag retrieves a flag, verifying it belongs to the given question.
func (r *QuestionRepository) GetFlag(ctx context.Context, questionID, flagID uuid.UUID) (*model.Flag, error) {
	f := &model.Flag{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, question_id, value, score, case_sensitive, hint
		 FROM flags WHERE id = $1 AND question_id = $2`, flagID, questionID,
	).Scan(&f.ID, &f.QuestionID, &f.Value, &f.Score, &f.CaseSensitive, &f.Hint)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFlagsByAssessment retrieves every flag reachable from an assessment.
// Used to compute progress denominators and for the paper payload (values
// are stripped before anything leaves the service layer).
func (r *QuestionRepository) ListFlagsByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]model.Flag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT f.id, f.question_id, f.value, f.score, f.case_sensitive, f.hint
		 FROM flags f
		 JOIN questions q ON f.question_id = q.id
		 JOIN sections s ON q.section_id = s.id
		 WHERE s.assessment_id = $1`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		var f model.Flag
		if err := rows.Scan(&f.ID, &f.QuestionID, &f.Value, &f.Score, &f.CaseSensitive, &f.Hint); err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// CountFlagsByAssessment returns the total flag count of an assessment.
func (r *QuestionRepository) CountFlagsByAssessment(ctx context.Context, assessmentID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM flags f
		 JOIN questions q ON f.question_id = q.id
		 JOIN sections s ON q.section_id = s.id
		 WHERE s.assessment_id = $1`, assessmentID,
	).Scan(&n)
	return n, err
}
