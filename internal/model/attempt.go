package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states. RESET is not a
// persisted status: it is the transition back to STARTED with zeroed score
// and a fresh deadline.
type AttemptStatus string

const (
	AttemptStatusStarted   AttemptStatus = "STARTED"
	AttemptStatusCompleted AttemptStatus = "COMPLETED"
)

// Attempt identifies one candidate's timed run at one assessment. At most
// one STARTED attempt may exist per (candidate, assessment) pair.
type Attempt struct {
	ID           uuid.UUID     `json:"id"`
	AssessmentID uuid.UUID     `json:"assessment_id"`
	CandidateID  int           `json:"candidate_id"`
	Status       AttemptStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	// CurrentScore and Progress are incrementally maintained caches. The
	// flag_submissions set is the source of truth; terminal transitions
	// always recompute from it.
	CurrentScore int     `json:"current_score"`
	Progress     float64 `json:"progress_percentage"`
}

// Remaining returns the wall-clock time left before the attempt deadline,
// floored at zero. Always derived from the persisted ExpiresAt, never from
// an in-memory countdown.
func (a *Attempt) Remaining(now time.Time) time.Duration {
	if a.Status != AttemptStatusStarted {
		return 0
	}
	r := a.ExpiresAt.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// AttemptState is the reload-safe view returned to the UI: everything the
// frontend needs to re-attach to a live attempt.
type AttemptState struct {
	Attempt          Attempt                   `json:"attempt"`
	RemainingSeconds float64                   `json:"remaining_seconds"`
	Submissions      map[string]FlagSubmission `json:"submissions"` // keyed by flag ID
}

// ResetAttemptRequest guards the destructive reset operation.
type ResetAttemptRequest struct {
	Confirm bool `json:"confirm" binding:"required"`
}
