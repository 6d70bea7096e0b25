package model

import (
	"time"

	"github.com/google/uuid"
)

// Assessment represents one certification assessment. Immutable while an
// attempt is in progress; authored by an external system and read-only here.
type Assessment struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	QuestionCount   int        `json:"question_count"`
	MaxScore        int        `json:"max_score"`
	ActiveFrom      *time.Time `json:"active_from,omitempty"`
	ActiveTo        *time.Time `json:"active_to,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the assessment's active window covers t.
// A nil boundary is open-ended on that side.
func (a *Assessment) ActiveAt(t time.Time) bool {
	if a.ActiveFrom != nil && t.Before(*a.ActiveFrom) {
		return false
	}
	if a.ActiveTo != nil && t.After(*a.ActiveTo) {
		return false
	}
	return true
}

// Section is an ordered grouping of questions within an assessment.
// Ordering matters for navigation only, never for scoring.
type Section struct {
	ID           uuid.UUID `json:"id"`
	AssessmentID uuid.UUID `json:"assessment_id"`
	Title        string    `json:"title"`
	OrderNum     int       `json:"order_num"`
}
