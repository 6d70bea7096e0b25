package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Domain Errors
var (
	ErrAssessmentNotActive  = errors.New("assessment is outside its active window")
	ErrAttemptNotFound      = errors.New("no attempt exists for this assessment")
	ErrAttemptCompleted     = errors.New("attempt is already completed")
	ErrAttemptNotStarted    = errors.New("attempt is not in STARTED state")
	ErrQuestionNotFound     = errors.New("question does not exist in this assessment")
	ErrUnsupportedOperation = errors.New("pre-provisioned machines are status-only")
	ErrInvalidTransition    = errors.New("instance is not in a state that allows this action")
	ErrNoInstanceDescriptor = errors.New("question has no remote instance")
)

// ConcurrencyLimitError rejects an instance start while another network
// instance is active for the same candidate. Recoverable: stop the
// conflicting instance first.
type ConcurrencyLimitError struct {
	ConflictingQuestionID uuid.UUID
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("another instance is active for question %s", e.ConflictingQuestionID)
}
