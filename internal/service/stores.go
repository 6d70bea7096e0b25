package service

import (
	"context"
	"time"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
)

// The services consume their persistence through narrow interfaces so the
// engine's invariants can be tested against in-memory fakes. The pgx
// repositories in internal/repository are the production implementations.

// AssessmentStore reads assessment metadata (read-only to the engine).
type AssessmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
	List(ctx context.Context) ([]model.Assessment, error)
}

// QuestionStore reads sections, questions and flags (read-only).
type QuestionStore interface {
	ListSections(ctx context.Context, assessmentID uuid.UUID) ([]model.Section, error)
	ListByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]model.Question, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error)
	GetFlag(ctx context.Context, questionID, flagID uuid.UUID) (*model.Flag, error)
	ListFlagsByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]model.Flag, error)
	CountFlagsByAssessment(ctx context.Context, assessmentID uuid.UUID) (int, error)
}

// AttemptStore reads and writes attempts.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByAssessmentAndCandidate(ctx context.Context, assessmentID uuid.UUID, candidateID int) (*model.Attempt, error)
	Create(ctx context.Context, a *model.Attempt) error
	Complete(ctx context.Context, id uuid.UUID, score int, progress float64) (bool, error)
	Reset(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	UpdateScoreCache(ctx context.Context, id uuid.UUID, score int, progress float64) error
	ListStarted(ctx context.Context) ([]model.Attempt, error)
	ListByCandidate(ctx context.Context, candidateID int) ([]model.Attempt, error)
}

// SubmissionStore reads and writes flag submissions.
type SubmissionStore interface {
	GetByAttemptAndFlag(ctx context.Context, attemptID, flagID uuid.UUID) (*model.FlagSubmission, error)
	Upsert(ctx context.Context, s *model.FlagSubmission) (bool, error)
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error)
	Totals(ctx context.Context, attemptID uuid.UUID) (correct int, score int, err error)
}

// FallbackStore is the write-ahead store for permission-rejected primary
// writes (the persistence reconciler's degraded path).
type FallbackStore interface {
	SaveSubmission(ctx context.Context, sub *model.FlagSubmission) error
	SaveAttemptState(ctx context.Context, a *model.Attempt) error
	ListSubmissions(ctx context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error)
	GetAttemptState(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
	Purge(ctx context.Context, attemptID uuid.UUID) error
}

// InstanceCacheStore holds the orchestrator's working state: cached
// instance views, the per-candidate concurrency lease, seen-running
// markers and poll set membership. The Redis implementation lives in
// internal/repository; the orchestration policy stays in InstanceService.
type InstanceCacheStore interface {
	GetState(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error)
	SetState(ctx context.Context, candidateID int, questionID uuid.UUID, state *model.InstanceState) error

	// AcquireLease takes the candidate's single-concurrency lease for a
	// question with a set-if-absent write; false means another question
	// already holds it.
	AcquireLease(ctx context.Context, candidateID int, questionID uuid.UUID, ttl time.Duration) (bool, error)
	// LeaseHolder returns the question holding the lease, uuid.Nil if free.
	LeaseHolder(ctx context.Context, candidateID int) (uuid.UUID, error)
	RenewLease(ctx context.Context, candidateID int, ttl time.Duration) error
	// ReleaseLease deletes the lease only while it is still held for the
	// given question, so a stale release cannot drop another question's hold.
	ReleaseLease(ctx context.Context, candidateID int, questionID uuid.UUID) error
	DropLease(ctx context.Context, candidateID int) error

	MarkSeenRunning(ctx context.Context, candidateID int, questionID uuid.UUID) error
	SeenRunning(ctx context.Context, candidateID int, questionID uuid.UUID) (bool, error)

	SyncPollSets(ctx context.Context, candidateID int, questionID uuid.UUID, transitional, missingIP bool) error
	// Forget drops every cached trace of one candidate-question instance.
	Forget(ctx context.Context, candidateID int, questionID uuid.UUID) error
}

// AttemptTimer tracks wall-clock deadlines of STARTED attempts. The expiry
// worker implements it; services register attempts when they start or
// resume and deregister on terminal transitions.
type AttemptTimer interface {
	Register(attemptID uuid.UUID, expiresAt time.Time)
	Deregister(attemptID uuid.UUID)
}
