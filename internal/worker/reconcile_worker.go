package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/certlab/certlab-backend/internal/repository"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ReconcileWorker drains the fallback write-ahead queue, replaying each
// permission-rejected write against the primary store. A write that is
// still rejected goes back on the queue with a backoff so the worker keeps
// retrying until the offending access policy is fixed. Replays reuse the
// guarded upserts, so a record that also reached the primary store through
// another path reconciles to a no-op.
type ReconcileWorker struct {
	rdb         *redis.Client
	submissions service.SubmissionStore
	attempts    service.AttemptStore
	fallback    *repository.FallbackStore
	log         zerolog.Logger
}

func NewReconcileWorker(
	rdb *redis.Client,
	submissions service.SubmissionStore,
	attempts service.AttemptStore,
	fallback *repository.FallbackStore,
	log zerolog.Logger,
) *ReconcileWorker {
	return &ReconcileWorker{
		rdb:         rdb,
		submissions: submissions,
		attempts:    attempts,
		fallback:    fallback,
		log:         log.With().Str("component", "reconcile_worker").Logger(),
	}
}

// Start runs the worker until the context is cancelled.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Reconcile worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Reconcile worker stopped")
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, 5*time.Second, config.WorkerKey.ReconcileQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Error().Err(err).Msg("Reconcile queue pop failed")
			time.Sleep(2 * time.Second)
			continue
		}

		// BLPop returns [key, value].
		if len(result) < 2 {
			continue
		}

		var job repository.ReconcileJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			w.log.Error().Err(err).Msg("Discarding malformed reconcile job")
			continue
		}

		w.process(ctx, result[1], &job)
	}
}

func (w *ReconcileWorker) process(ctx context.Context, raw string, job *repository.ReconcileJob) {
	var err error
	switch job.Kind {
	case repository.ReconcileKindSubmission:
		err = w.replaySubmission(ctx, job)
	case repository.ReconcileKindAttempt:
		err = w.replayAttempt(ctx, job)
	default:
		w.log.Error().Str("kind", string(job.Kind)).Msg("Discarding reconcile job of unknown kind")
		return
	}

	if err == nil {
		return
	}

	if repository.IsPermissionDenied(err) {
		// Policy still rejects the write. Requeue and back off; the
		// fallback copy keeps the record readable in the meantime.
		w.log.Warn().
			Str("attempt_id", job.AttemptID.String()).
			Str("kind", string(job.Kind)).
			Msg("Primary store still rejecting write, requeued")
		w.rdb.RPush(ctx, config.WorkerKey.ReconcileQueue, raw)
		time.Sleep(30 * time.Second)
		return
	}

	w.log.Error().Err(err).
		Str("attempt_id", job.AttemptID.String()).
		Str("kind", string(job.Kind)).
		Msg("Reconcile replay failed, requeued")
	w.rdb.RPush(ctx, config.WorkerKey.ReconcileQueue, raw)
	time.Sleep(5 * time.Second)
}

func (w *ReconcileWorker) replaySubmission(ctx context.Context, job *repository.ReconcileJob) error {
	var sub model.FlagSubmission
	if err := json.Unmarshal(job.Record, &sub); err != nil {
		w.log.Error().Err(err).Msg("Discarding corrupt submission record")
		return nil
	}

	if _, err := w.submissions.Upsert(ctx, &sub); err != nil {
		return err
	}

	if err := w.fallback.DeleteSubmission(ctx, job.AttemptID, job.Field); err != nil {
		w.log.Warn().Err(err).Msg("Reconciled submission cleanup failed")
	}
	w.log.Info().
		Str("attempt_id", job.AttemptID.String()).
		Str("field", job.Field).
		Msg("Fallback submission reconciled")
	return nil
}

func (w *ReconcileWorker) replayAttempt(ctx context.Context, job *repository.ReconcileJob) error {
	var attempt model.Attempt
	if err := json.Unmarshal(job.Record, &attempt); err != nil {
		w.log.Error().Err(err).Msg("Discarding corrupt attempt record")
		return nil
	}

	if attempt.Status == model.AttemptStatusCompleted {
		// Guarded completion: a false return means the row already
		// transitioned through another path, which is fine.
		if _, err := w.attempts.Complete(ctx, attempt.ID, attempt.CurrentScore, attempt.Progress); err != nil {
			return err
		}
	} else {
		if err := w.attempts.UpdateScoreCache(ctx, attempt.ID, attempt.CurrentScore, attempt.Progress); err != nil {
			return err
		}
	}

	if err := w.fallback.DeleteAttemptState(ctx, job.AttemptID); err != nil {
		w.log.Warn().Err(err).Msg("Reconciled attempt cleanup failed")
	}
	w.log.Info().Str("attempt_id", job.AttemptID.String()).Msg("Fallback attempt state reconciled")
	return nil
}
