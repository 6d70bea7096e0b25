package model

import (
	"strings"

	"github.com/google/uuid"
)

// Flag is a secret string a candidate must recover from a challenge to earn
// points. The canonical value and score are immutable once any attempt
// references the flag.
type Flag struct {
	ID            uuid.UUID `json:"id"`
	QuestionID    uuid.UUID `json:"question_id"`
	Value         string    `json:"-"`
	Score         int       `json:"score"`
	CaseSensitive bool      `json:"case_sensitive"`
	Hint          *string   `json:"hint,omitempty"`
}

// Matches compares a submitted string against the canonical value under the
// flag's case policy. Both sides are whitespace-trimmed; no partial credit.
func (f *Flag) Matches(submitted string) bool {
	canonical := strings.TrimSpace(f.Value)
	candidate := strings.TrimSpace(submitted)
	if !f.CaseSensitive {
		canonical = strings.ToLower(canonical)
		candidate = strings.ToLower(candidate)
	}
	return canonical == candidate
}

// SubmitFlagRequest is the payload for submitting a flag value.
type SubmitFlagRequest struct {
	QuestionID uuid.UUID `json:"question_id" binding:"required"`
	FlagID     uuid.UUID `json:"flag_id" binding:"required"`
	Flag       string    `json:"flag" binding:"required,max=512"`
}
