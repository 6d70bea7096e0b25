// Package worker holds the background loops: attempt deadline enforcement,
// instance status polling and fallback write reconciliation.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/certlab/certlab-backend/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AttemptFinalizer performs the exactly-once terminal transition on an
// attempt. Implemented by service.AttemptService.
type AttemptFinalizer interface {
	Finalize(ctx context.Context, attemptID uuid.UUID) error
}

// ExpiryWorker force-submits attempts whose deadline has passed. It holds
// an in-memory deadline registry rebuilt from the primary store at boot,
// so a process restart cannot grant extra time. Implements
// service.AttemptTimer.
type ExpiryWorker struct {
	attempts  service.AttemptStore
	finalizer AttemptFinalizer
	log       zerolog.Logger

	mu        sync.Mutex
	deadlines map[uuid.UUID]time.Time
}

func NewExpiryWorker(attempts service.AttemptStore, finalizer AttemptFinalizer, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		attempts:  attempts,
		finalizer: finalizer,
		log:       log.With().Str("component", "expiry_worker").Logger(),
		deadlines: make(map[uuid.UUID]time.Time),
	}
}

// Register implements service.AttemptTimer.
func (w *ExpiryWorker) Register(attemptID uuid.UUID, expiresAt time.Time) {
	w.mu.Lock()
	w.deadlines[attemptID] = expiresAt
	w.mu.Unlock()
}

// Deregister implements service.AttemptTimer.
func (w *ExpiryWorker) Deregister(attemptID uuid.UUID) {
	w.mu.Lock()
	delete(w.deadlines, attemptID)
	w.mu.Unlock()
}

// Start runs the worker until the context is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.boot(ctx)

	w.log.Info().Msg("Expiry worker started")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Expiry worker stopped")
			return
		case now := <-ticker.C:
			w.sweep(ctx, now)
		}
	}
}

// boot reloads every STARTED attempt's deadline from the primary store.
func (w *ExpiryWorker) boot(ctx context.Context) {
	attempts, err := w.attempts.ListStarted(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Deadline registry boot failed")
		return
	}
	for _, a := range attempts {
		w.Register(a.ID, a.ExpiresAt)
	}
	w.log.Info().Int("count", len(attempts)).Msg("Deadline registry loaded")
}

func (w *ExpiryWorker) sweep(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var due []uuid.UUID
	for id, deadline := range w.deadlines {
		if !deadline.After(now) {
			due = append(due, id)
			delete(w.deadlines, id)
		}
	}
	w.mu.Unlock()

	for _, id := range due {
		if err := w.finalizer.Finalize(ctx, id); err != nil {
			w.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Forced submission failed")
			// Retry shortly; the guarded completion keeps this idempotent.
			w.Register(id, now.Add(5*time.Second))
			continue
		}
		w.log.Info().Str("attempt_id", id.String()).Msg("Attempt force-submitted on expiry")
	}
}
