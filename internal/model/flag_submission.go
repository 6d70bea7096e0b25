package model

import (
	"time"

	"github.com/google/uuid"
)

// FlagSubmission links an attempt, a question and a flag to a submitted
// string and its outcome. Unique per (attempt, flag); once a correct record
// exists it is never downgraded by later writes.
type FlagSubmission struct {
	ID            uuid.UUID `json:"id"`
	AttemptID     uuid.UUID `json:"attempt_id"`
	QuestionID    uuid.UUID `json:"question_id"`
	FlagID        uuid.UUID `json:"flag_id"`
	SubmittedText string    `json:"submitted_text"`
	IsCorrect     bool      `json:"is_correct"`
	PointsAwarded int       `json:"points_awarded"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubmissionResult is returned to the candidate after a flag submission.
type SubmissionResult struct {
	Correct       bool    `json:"correct"`
	PointsAwarded int     `json:"points_awarded"`
	TotalScore    int     `json:"total_score"`
	Progress      float64 `json:"progress_percentage"`
}
