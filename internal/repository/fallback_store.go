package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReconcileJobKind discriminates queued fallback writes.
type ReconcileJobKind string

const (
	ReconcileKindSubmission ReconcileJobKind = "submission"
	ReconcileKindAttempt    ReconcileJobKind = "attempt"
)

// ReconcileJob is one permission-rejected write waiting to be replayed
// against the primary store.
type ReconcileJob struct {
	Kind      ReconcileJobKind `json:"kind"`
	AttemptID uuid.UUID        `json:"attempt_id"`
	// Field identifies the submission within the fallback hash
	// ("questionID:flagID"); empty for attempt jobs.
	Field  string          `json:"field,omitempty"`
	Record json.RawMessage `json:"record"`
}

// FallbackStore is the write-ahead fallback for primary-store writes that a
// row-level access policy rejected. Records written here are merged into
// reads (primary precedence), drained by the reconcile worker, and purged
// on successful reset or attempt submission.
type FallbackStore struct {
	rdb *redis.Client
}

// NewFallbackStore creates a new FallbackStore.
func NewFallbackStore(rdb *redis.Client) *FallbackStore {
	return &FallbackStore{rdb: rdb}
}

// submissionField builds the hash field for a submission record.
func submissionField(questionID, flagID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", questionID, flagID)
}

// SaveSubmission stores a flag submission in the fallback hash and queues
// it for reconciliation.
func (s *FallbackStore) SaveSubmission(ctx context.Context, sub *model.FlagSubmission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	field := submissionField(sub.QuestionID, sub.FlagID)
	key := config.CacheKey.FallbackSubmissionsKey(sub.AttemptID.String())

	job, _ := json.Marshal(ReconcileJob{
		Kind:      ReconcileKindSubmission,
		AttemptID: sub.AttemptID,
		Field:     field,
		Record:    raw,
	})

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, field, raw)
	pipe.RPush(ctx, config.WorkerKey.ReconcileQueue, job)
	_, err = pipe.Exec(ctx)
	return err
}

// SaveAttemptState stores an attempt score/status record in the fallback
// store and queues it for reconciliation.
func (s *FallbackStore) SaveAttemptState(ctx context.Context, a *model.Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	job, _ := json.Marshal(ReconcileJob{
		Kind:      ReconcileKindAttempt,
		AttemptID: a.ID,
		Record:    raw,
	})

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.FallbackAttemptKey(a.ID.String()), raw, 0)
	pipe.RPush(ctx, config.WorkerKey.ReconcileQueue, job)
	_, err = pipe.Exec(ctx)
	return err
}

// ListSubmissions returns every fallback submission record of an attempt.
func (s *FallbackStore) ListSubmissions(ctx context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error) {
	entries, err := s.rdb.HGetAll(ctx, config.CacheKey.FallbackSubmissionsKey(attemptID.String())).Result()
	if err != nil {
		return nil, err
	}

	subs := make([]model.FlagSubmission, 0, len(entries))
	for _, raw := range entries {
		var sub model.FlagSubmission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			continue // Skip corrupt entries; the queue copy still has them.
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// GetAttemptState returns the fallback attempt record, or nil if none.
func (s *FallbackStore) GetAttemptState(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.FallbackAttemptKey(attemptID.String())).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var a model.Attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshal fallback attempt: %w", err)
	}
	return &a, nil
}

// DeleteSubmission removes a single reconciled submission field.
func (s *FallbackStore) DeleteSubmission(ctx context.Context, attemptID uuid.UUID, field string) error {
	return s.rdb.HDel(ctx, config.CacheKey.FallbackSubmissionsKey(attemptID.String()), field).Err()
}

// DeleteAttemptState removes a reconciled attempt record.
func (s *FallbackStore) DeleteAttemptState(ctx context.Context, attemptID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.FallbackAttemptKey(attemptID.String())).Err()
}

// Purge removes every fallback record scoped to an attempt. Called on
// successful reset and successful attempt submission.
func (s *FallbackStore) Purge(ctx context.Context, attemptID uuid.UUID) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.FallbackSubmissionsKey(attemptID.String()))
	pipe.Del(ctx, config.CacheKey.FallbackAttemptKey(attemptID.String()))
	_, err := pipe.Exec(ctx)
	return err
}
