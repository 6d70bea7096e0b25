package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/instancer"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// InstanceService orchestrates remote challenge instances for candidates:
// cached status reads, guarded start/stop/restart transitions and the
// single-concurrency lease. The instance backend stays authoritative; every
// cached state is a view that the poll workers keep converging.
type InstanceService struct {
	questions QuestionStore
	attempts  AttemptStore
	backend   instancer.Client
	cache     InstanceCacheStore
	cfg       *config.Config
	log       zerolog.Logger
}

func NewInstanceService(
	questions QuestionStore,
	attempts AttemptStore,
	backend instancer.Client,
	cache InstanceCacheStore,
	cfg *config.Config,
	log zerolog.Logger,
) *InstanceService {
	return &InstanceService{
		questions: questions,
		attempts:  attempts,
		backend:   backend,
		cache:     cache,
		cfg:       cfg,
		log:       log.With().Str("component", "instance_service").Logger(),
	}
}

// GetState returns the candidate's view of a question's instance. Cached
// running states are served while fresh; everything else refetches from the
// backend so transitional states never go stale.
func (s *InstanceService) GetState(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	question, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}

	if question.PreProvisioned() {
		return s.machineState(ctx, question)
	}
	if !question.Templated() {
		return nil, ErrNoInstanceDescriptor
	}

	if cached := s.readCache(ctx, candidateID, questionID); cached != nil {
		if cached.Status == model.InstanceStatusRunning &&
			time.Since(cached.FetchedAt) < s.cfg.InstanceStatusTTL {
			return cached, nil
		}
	}

	return s.Refresh(ctx, candidateID, questionID)
}

// Refresh queries the backend and rewrites the cached state. Also the entry
// point for the poll workers and the post-action one-shot refreshes.
func (s *InstanceService) Refresh(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	info, err := s.backend.Status(ctx, questionID, candidateID)
	state := &model.InstanceState{
		QuestionID: questionID,
		FetchedAt:  time.Now(),
	}

	switch {
	case err == nil:
		state.Status = normalizeStatus(info.Status)
		state.IPAddress = info.IP
		state.InstanceID = info.InstanceID
		state.ExpirationTime = info.ExpirationTime
		if state.Status == model.InstanceStatusRunning {
			s.markSeenRunning(ctx, candidateID, questionID)
		}

	case errors.Is(err, instancer.ErrNotFound):
		// 404 is a rest state, not a failure. Before the first observed
		// run it means "never started"; after, "reclaimed by the backend".
		if s.seenRunning(ctx, candidateID, questionID) {
			state.Status = model.InstanceStatusStopped
		} else {
			state.Status = model.InstanceStatusReady
		}

	default:
		// Backend failure: keep the last known addressing info so the UI
		// does not blank out a running instance over a transient error.
		var backendErr *instancer.BackendError
		state.Status = model.InstanceStatusError
		if errors.As(err, &backendErr) {
			state.Message = backendErr.Message
		} else {
			state.Message = err.Error()
		}
		if cached := s.readCache(ctx, candidateID, questionID); cached != nil {
			state.IPAddress = cached.IPAddress
			state.InstanceID = cached.InstanceID
			state.ExpirationTime = cached.ExpirationTime
		}
	}

	s.writeCache(ctx, candidateID, questionID, state)
	s.syncPollSets(ctx, candidateID, questionID, state)

	// Only a backend-confirmed rest state frees the lease. An errored view
	// may hide a live instance, so it keeps the lease held until the
	// backend answers ready or stopped.
	if state.Status.Rest() {
		s.releaseLease(ctx, candidateID, questionID)
	}
	return state, nil
}

// machineState resolves a pre-provisioned platform machine. Read-only by
// contract: no lease, no lifecycle, no caching.
func (s *InstanceService) machineState(ctx context.Context, question *model.Question) (*model.InstanceState, error) {
	state := &model.InstanceState{
		QuestionID: question.ID,
		FetchedAt:  time.Now(),
	}

	info, err := s.backend.MachineStatus(ctx, *question.MachineID)
	switch {
	case err == nil:
		state.Status = normalizeStatus(info.Status)
		state.IPAddress = info.IP
		state.InstanceID = info.InstanceID
	case errors.Is(err, instancer.ErrNotFound):
		state.Status = model.InstanceStatusStopped
	default:
		state.Status = model.InstanceStatusError
		var backendErr *instancer.BackendError
		if errors.As(err, &backendErr) {
			state.Message = backendErr.Message
		} else {
			state.Message = err.Error()
		}
	}
	return state, nil
}

// Start provisions an instance for a templated question, enforcing one
// active instance per candidate. The cached state transitions optimistically
// to starting and rolls back if the backend rejects the call.
func (s *InstanceService) Start(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	question, err := s.requireTemplated(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireLiveAttempt(ctx, candidateID, question.AssessmentID); err != nil {
		return nil, err
	}

	current, err := s.Refresh(ctx, candidateID, questionID)
	if err != nil {
		return nil, err
	}
	if current.Status.Active() {
		return nil, ErrInvalidTransition
	}

	if err := s.acquireLease(ctx, candidateID, questionID); err != nil {
		return nil, err
	}

	state := s.applyOptimistic(ctx, candidateID, questionID, model.InstanceActionStart)

	if err := s.backend.Start(ctx, questionID, candidateID, *question.TemplateID, s.cfg.InstanceDuration); err != nil {
		s.rollback(ctx, candidateID, questionID, model.InstanceActionStart)
		s.releaseLease(ctx, candidateID, questionID)
		return nil, err
	}

	s.scheduleRefresh(candidateID, questionID)
	s.log.Info().
		Int("candidate_id", candidateID).
		Str("question_id", questionID.String()).
		Msg("Instance start accepted")
	return state, nil
}

// Stop tears down the candidate's instance for a question. Valid from any
// active state, error included, so a machine hidden behind a transient
// backend failure stays stoppable. Stopping an instance at rest is an
// invalid transition.
func (s *InstanceService) Stop(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	if _, err := s.requireTemplated(ctx, questionID); err != nil {
		return nil, err
	}

	current, err := s.Refresh(ctx, candidateID, questionID)
	if err != nil {
		return nil, err
	}
	if current.Status.Rest() {
		return nil, ErrInvalidTransition
	}

	state := s.applyOptimistic(ctx, candidateID, questionID, model.InstanceActionStop)

	if err := s.backend.Stop(ctx, questionID, candidateID); err != nil {
		if !errors.Is(err, instancer.ErrNotFound) {
			s.rollback(ctx, candidateID, questionID, model.InstanceActionStop)
			return nil, err
		}
		// Already gone on the backend side. Converge immediately.
		state.Status = model.InstanceStatusStopped
		s.writeCache(ctx, candidateID, questionID, state)
		s.syncPollSets(ctx, candidateID, questionID, state)
	}

	s.releaseLease(ctx, candidateID, questionID)
	s.scheduleRefresh(candidateID, questionID)
	return state, nil
}

// Restart reboots a running instance in place. Only valid from running; the
// lease is retained across the restart.
func (s *InstanceService) Restart(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	if _, err := s.requireTemplated(ctx, questionID); err != nil {
		return nil, err
	}

	current, err := s.Refresh(ctx, candidateID, questionID)
	if err != nil {
		return nil, err
	}
	if current.Status != model.InstanceStatusRunning {
		return nil, ErrInvalidTransition
	}

	state := s.applyOptimistic(ctx, candidateID, questionID, model.InstanceActionRestart)

	if err := s.backend.Restart(ctx, questionID, candidateID); err != nil {
		s.rollback(ctx, candidateID, questionID, model.InstanceActionRestart)
		return nil, err
	}

	s.scheduleRefresh(candidateID, questionID)
	return state, nil
}

// Teardown stops and forgets every templated instance the candidate holds
// for an assessment. Best-effort per question; used on attempt completion
// and reset so finished attempts never leak machines or leases.
func (s *InstanceService) Teardown(ctx context.Context, candidateID int, assessmentID uuid.UUID) error {
	questions, err := s.questions.ListByAssessment(ctx, assessmentID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}

	var firstErr error
	for _, q := range questions {
		if !q.Templated() {
			continue
		}
		if err := s.backend.Stop(ctx, q.ID, candidateID); err != nil && !errors.Is(err, instancer.ErrNotFound) {
			s.log.Warn().Err(err).Str("question_id", q.ID.String()).Msg("Teardown stop failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.cache.Forget(ctx, candidateID, q.ID); err != nil {
			s.log.Warn().Err(err).Str("question_id", q.ID.String()).Msg("Instance forget failed")
		}
	}

	if err := s.cache.DropLease(ctx, candidateID); err != nil {
		s.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Lease drop failed")
	}
	return firstErr
}

func (s *InstanceService) requireTemplated(ctx context.Context, questionID uuid.UUID) (*model.Question, error) {
	question, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	if question.PreProvisioned() {
		return nil, ErrUnsupportedOperation
	}
	if !question.Templated() {
		return nil, ErrNoInstanceDescriptor
	}
	return question, nil
}

func (s *InstanceService) requireLiveAttempt(ctx context.Context, candidateID int, assessmentID uuid.UUID) error {
	attempt, err := s.attempts.GetByAssessmentAndCandidate(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotStarted
		}
		return fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Status != model.AttemptStatusStarted || attempt.Remaining(time.Now()) == 0 {
		return ErrAttemptNotStarted
	}
	return nil
}

// acquireLease takes the per-candidate concurrency lease for a question.
// Re-entrant for the same question; conflicting holds surface the question
// currently holding the lease.
func (s *InstanceService) acquireLease(ctx context.Context, candidateID int, questionID uuid.UUID) error {
	ttl := s.cfg.InstanceDuration + 5*time.Minute

	ok, err := s.cache.AcquireLease(ctx, candidateID, questionID, ttl)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := s.cache.LeaseHolder(ctx, candidateID)
	if err != nil {
		return fmt.Errorf("inspect lease: %w", err)
	}
	if holder == questionID {
		// Same question retrying a start. Refresh the TTL and proceed.
		if err := s.cache.RenewLease(ctx, candidateID, ttl); err != nil {
			s.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Lease renew failed")
		}
		return nil
	}
	return &ConcurrencyLimitError{ConflictingQuestionID: holder}
}

func (s *InstanceService) releaseLease(ctx context.Context, candidateID int, questionID uuid.UUID) {
	if err := s.cache.ReleaseLease(ctx, candidateID, questionID); err != nil {
		s.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Lease release failed")
	}
}

// applyOptimistic writes the action's transitional status to the cache
// before the backend call resolves and enrolls it for polling.
func (s *InstanceService) applyOptimistic(ctx context.Context, candidateID int, questionID uuid.UUID, action model.InstanceAction) *model.InstanceState {
	state := &model.InstanceState{
		QuestionID: questionID,
		Status:     action.Expected(),
		FetchedAt:  time.Now(),
	}
	if cached := s.readCache(ctx, candidateID, questionID); cached != nil {
		state.IPAddress = cached.IPAddress
		state.InstanceID = cached.InstanceID
		state.ExpirationTime = cached.ExpirationTime
	}
	s.writeCache(ctx, candidateID, questionID, state)
	s.syncPollSets(ctx, candidateID, questionID, state)
	return state
}

func (s *InstanceService) rollback(ctx context.Context, candidateID int, questionID uuid.UUID, action model.InstanceAction) {
	state := &model.InstanceState{
		QuestionID: questionID,
		Status:     action.Rollback(),
		FetchedAt:  time.Now(),
	}
	if cached := s.readCache(ctx, candidateID, questionID); cached != nil {
		state.IPAddress = cached.IPAddress
		state.InstanceID = cached.InstanceID
		state.ExpirationTime = cached.ExpirationTime
	}
	s.writeCache(ctx, candidateID, questionID, state)
	s.syncPollSets(ctx, candidateID, questionID, state)
}

// scheduleRefresh fires short one-shot refreshes after a mutating action so
// fast backend transitions surface before the next poll tick.
func (s *InstanceService) scheduleRefresh(candidateID int, questionID uuid.UUID) {
	for _, delay := range []time.Duration{3 * time.Second, 6 * time.Second} {
		time.AfterFunc(delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := s.Refresh(ctx, candidateID, questionID); err != nil {
				s.log.Debug().Err(err).Str("question_id", questionID.String()).Msg("One-shot refresh failed")
			}
		})
	}
}

func (s *InstanceService) readCache(ctx context.Context, candidateID int, questionID uuid.UUID) *model.InstanceState {
	state, err := s.cache.GetState(ctx, candidateID, questionID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Instance cache read failed")
		return nil
	}
	return state
}

func (s *InstanceService) writeCache(ctx context.Context, candidateID int, questionID uuid.UUID, state *model.InstanceState) {
	if err := s.cache.SetState(ctx, candidateID, questionID, state); err != nil {
		s.log.Warn().Err(err).Msg("Instance cache write failed")
	}
}

// syncPollSets keeps the worker poll sets consistent with the cached state:
// transitional states poll on the fast loop, running states without an IP
// on the slow loop, rest states on neither.
func (s *InstanceService) syncPollSets(ctx context.Context, candidateID int, questionID uuid.UUID, state *model.InstanceState) {
	transitional := state.Status.Transitional()
	missingIP := state.Status == model.InstanceStatusRunning && state.IPAddress == ""
	if err := s.cache.SyncPollSets(ctx, candidateID, questionID, transitional, missingIP); err != nil {
		s.log.Warn().Err(err).Msg("Poll set sync failed")
	}
}

func (s *InstanceService) markSeenRunning(ctx context.Context, candidateID int, questionID uuid.UUID) {
	if err := s.cache.MarkSeenRunning(ctx, candidateID, questionID); err != nil {
		s.log.Warn().Err(err).Msg("Seen-running mark failed")
	}
}

func (s *InstanceService) seenRunning(ctx context.Context, candidateID int, questionID uuid.UUID) bool {
	seen, err := s.cache.SeenRunning(ctx, candidateID, questionID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Seen-running read failed")
		return false
	}
	return seen
}

// normalizeStatus maps the backend's status vocabulary onto the engine's
// lifecycle. Unknown in-flight strings degrade to pending so the poll loop
// keeps watching them instead of parking an unrecognized state.
func normalizeStatus(raw string) model.InstanceStatus {
	switch s := model.InstanceStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case model.InstanceStatusReady,
		model.InstanceStatusStarting,
		model.InstanceStatusPending,
		model.InstanceStatusRunning,
		model.InstanceStatusRestarting,
		model.InstanceStatusStopping,
		model.InstanceStatusStopped,
		model.InstanceStatusError:
		return s
	}
	return model.InstanceStatusPending
}

// PollMember encodes one candidate-question pair as a poll set member.
func PollMember(candidateID int, questionID uuid.UUID) string {
	return fmt.Sprintf("%d:%s", candidateID, questionID)
}

// ParsePollMember decodes a poll set member back into its pair. Malformed
// members return an error so the workers can discard them.
func ParsePollMember(member string) (candidateID int, questionID uuid.UUID, err error) {
	var rawQuestion string
	if _, err = fmt.Sscanf(member, "%d:%s", &candidateID, &rawQuestion); err != nil {
		return 0, uuid.Nil, fmt.Errorf("malformed poll member %q: %w", member, err)
	}
	if questionID, err = uuid.Parse(rawQuestion); err != nil {
		return 0, uuid.Nil, fmt.Errorf("malformed poll member %q: %w", member, err)
	}
	return candidateID, questionID, nil
}
