package service

import (
	"context"
	"sync"
	"time"

	"github.com/certlab/certlab-backend/internal/instancer"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// In-memory store fakes mirroring the pgx repositories' semantics closely
// enough to exercise the engine invariants without a database.

type fakeAssessmentStore struct {
	assessments map[uuid.UUID]*model.Assessment
}

func (f *fakeAssessmentStore) GetByID(_ context.Context, id uuid.UUID) (*model.Assessment, error) {
	a, ok := f.assessments[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAssessmentStore) List(_ context.Context) ([]model.Assessment, error) {
	var out []model.Assessment
	for _, a := range f.assessments {
		out = append(out, *a)
	}
	return out, nil
}

type fakeQuestionStore struct {
	questions map[uuid.UUID]*model.Question
	flags     map[uuid.UUID]*model.Flag
}

func (f *fakeQuestionStore) ListSections(_ context.Context, _ uuid.UUID) ([]model.Section, error) {
	return nil, nil
}

func (f *fakeQuestionStore) ListByAssessment(_ context.Context, assessmentID uuid.UUID) ([]model.Question, error) {
	var out []model.Question
	for _, q := range f.questions {
		if q.AssessmentID == assessmentID {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (f *fakeQuestionStore) GetByID(_ context.Context, id uuid.UUID) (*model.Question, error) {
	q, ok := f.questions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *q
	return &cp, nil
}

func (f *fakeQuestionStore) GetFlag(_ context.Context, questionID, flagID uuid.UUID) (*model.Flag, error) {
	fl, ok := f.flags[flagID]
	if !ok || fl.QuestionID != questionID {
		return nil, pgx.ErrNoRows
	}
	cp := *fl
	return &cp, nil
}

func (f *fakeQuestionStore) ListFlagsByAssessment(_ context.Context, _ uuid.UUID) ([]model.Flag, error) {
	var out []model.Flag
	for _, fl := range f.flags {
		out = append(out, *fl)
	}
	return out, nil
}

func (f *fakeQuestionStore) CountFlagsByAssessment(_ context.Context, _ uuid.UUID) (int, error) {
	return len(f.flags), nil
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.Attempt

	completeErr    error
	updateCacheErr error
	completeCalls  int
}

func newFakeAttemptStore() *fakeAttemptStore {
	return &fakeAttemptStore{attempts: make(map[uuid.UUID]*model.Attempt)}
}

func (f *fakeAttemptStore) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttemptStore) GetByAssessmentAndCandidate(_ context.Context, assessmentID uuid.UUID, candidateID int) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.AssessmentID == assessmentID && a.CandidateID == candidateID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAttemptStore) Create(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.attempts {
		if existing.AssessmentID == a.AssessmentID && existing.CandidateID == a.CandidateID {
			// Matches the ON CONFLICT DO NOTHING insert, which surfaces
			// the lost race as no row returned.
			return pgx.ErrNoRows
		}
	}
	cp := *a
	cp.StartedAt = time.Now()
	f.attempts[a.ID] = &cp
	a.StartedAt = cp.StartedAt
	return nil
}

func (f *fakeAttemptStore) Complete(_ context.Context, id uuid.UUID, score int, progress float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return false, f.completeErr
	}
	a, ok := f.attempts[id]
	if !ok || a.Status != model.AttemptStatusStarted {
		return false, nil
	}
	now := time.Now()
	a.Status = model.AttemptStatusCompleted
	a.CompletedAt = &now
	a.CurrentScore = score
	a.Progress = progress
	return true, nil
}

func (f *fakeAttemptStore) Reset(_ context.Context, id uuid.UUID, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.Status = model.AttemptStatusStarted
	a.CompletedAt = nil
	a.CurrentScore = 0
	a.Progress = 0
	a.ExpiresAt = expiresAt
	return nil
}

func (f *fakeAttemptStore) UpdateScoreCache(_ context.Context, id uuid.UUID, score int, progress float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateCacheErr != nil {
		return f.updateCacheErr
	}
	if a, ok := f.attempts[id]; ok {
		a.CurrentScore = score
		a.Progress = progress
	}
	return nil
}

func (f *fakeAttemptStore) ListStarted(_ context.Context) ([]model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Attempt
	for _, a := range f.attempts {
		if a.Status == model.AttemptStatusStarted {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAttemptStore) ListByCandidate(_ context.Context, candidateID int) ([]model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Attempt
	for _, a := range f.attempts {
		if a.CandidateID == candidateID {
			out = append(out, *a)
		}
	}
	return out, nil
}

type fakeSubmissionStore struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[uuid.UUID]*model.FlagSubmission // attemptID → flagID

	upsertErr   error
	totalsCalls int
}

func newFakeSubmissionStore() *fakeSubmissionStore {
	return &fakeSubmissionStore{subs: make(map[uuid.UUID]map[uuid.UUID]*model.FlagSubmission)}
}

func (f *fakeSubmissionStore) GetByAttemptAndFlag(_ context.Context, attemptID, flagID uuid.UUID) (*model.FlagSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[attemptID][flagID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSubmissionStore) Upsert(_ context.Context, s *model.FlagSubmission) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	byFlag, ok := f.subs[s.AttemptID]
	if !ok {
		byFlag = make(map[uuid.UUID]*model.FlagSubmission)
		f.subs[s.AttemptID] = byFlag
	}
	// Mirrors the guarded upsert: a stored correct record is never
	// replaced by an incorrect one.
	if existing, ok := byFlag[s.FlagID]; ok && existing.IsCorrect && !s.IsCorrect {
		return false, nil
	}
	cp := *s
	cp.UpdatedAt = time.Now()
	byFlag[s.FlagID] = &cp
	return true, nil
}

func (f *fakeSubmissionStore) ListByAttempt(_ context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FlagSubmission
	for _, s := range f.subs[attemptID] {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSubmissionStore) Totals(_ context.Context, attemptID uuid.UUID) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalsCalls++
	var correct, score int
	for _, s := range f.subs[attemptID] {
		if s.IsCorrect {
			correct++
			score += s.PointsAwarded
		}
	}
	return correct, score, nil
}

type fakeFallbackStore struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]map[uuid.UUID]model.FlagSubmission // attemptID → flagID
	attempts map[uuid.UUID]*model.Attempt
	purged   map[uuid.UUID]int
}

func newFakeFallbackStore() *fakeFallbackStore {
	return &fakeFallbackStore{
		subs:     make(map[uuid.UUID]map[uuid.UUID]model.FlagSubmission),
		attempts: make(map[uuid.UUID]*model.Attempt),
		purged:   make(map[uuid.UUID]int),
	}
}

func (f *fakeFallbackStore) SaveSubmission(_ context.Context, sub *model.FlagSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[sub.AttemptID] == nil {
		f.subs[sub.AttemptID] = make(map[uuid.UUID]model.FlagSubmission)
	}
	f.subs[sub.AttemptID][sub.FlagID] = *sub
	return nil
}

func (f *fakeFallbackStore) SaveAttemptState(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts[a.ID] = &cp
	return nil
}

func (f *fakeFallbackStore) ListSubmissions(_ context.Context, attemptID uuid.UUID) ([]model.FlagSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FlagSubmission
	for _, s := range f.subs[attemptID] {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeFallbackStore) GetAttemptState(_ context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[attemptID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeFallbackStore) Purge(_ context.Context, attemptID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, attemptID)
	delete(f.attempts, attemptID)
	f.purged[attemptID]++
	return nil
}

type cachePair struct {
	candidateID int
	questionID  uuid.UUID
}

// fakeInstanceCache mirrors the Redis-backed orchestrator cache: state
// views, the SETNX lease semantics and poll set membership.
type fakeInstanceCache struct {
	mu           sync.Mutex
	states       map[cachePair]*model.InstanceState
	leases       map[int]uuid.UUID
	seen         map[cachePair]bool
	transitional map[cachePair]bool
	missingIP    map[cachePair]bool
}

func newFakeInstanceCache() *fakeInstanceCache {
	return &fakeInstanceCache{
		states:       make(map[cachePair]*model.InstanceState),
		leases:       make(map[int]uuid.UUID),
		seen:         make(map[cachePair]bool),
		transitional: make(map[cachePair]bool),
		missingIP:    make(map[cachePair]bool),
	}
}

func (f *fakeInstanceCache) GetState(_ context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[cachePair{candidateID, questionID}]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeInstanceCache) SetState(_ context.Context, candidateID int, questionID uuid.UUID, state *model.InstanceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	f.states[cachePair{candidateID, questionID}] = &cp
	return nil
}

func (f *fakeInstanceCache) AcquireLease(_ context.Context, candidateID int, questionID uuid.UUID, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.leases[candidateID]; held {
		return false, nil
	}
	f.leases[candidateID] = questionID
	return true, nil
}

func (f *fakeInstanceCache) LeaseHolder(_ context.Context, candidateID int) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[candidateID], nil
}

func (f *fakeInstanceCache) RenewLease(_ context.Context, _ int, _ time.Duration) error {
	return nil
}

func (f *fakeInstanceCache) ReleaseLease(_ context.Context, candidateID int, questionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Compare-and-delete, like the Lua script.
	if f.leases[candidateID] == questionID {
		delete(f.leases, candidateID)
	}
	return nil
}

func (f *fakeInstanceCache) DropLease(_ context.Context, candidateID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, candidateID)
	return nil
}

func (f *fakeInstanceCache) MarkSeenRunning(_ context.Context, candidateID int, questionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[cachePair{candidateID, questionID}] = true
	return nil
}

func (f *fakeInstanceCache) SeenRunning(_ context.Context, candidateID int, questionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[cachePair{candidateID, questionID}], nil
}

func (f *fakeInstanceCache) SyncPollSets(_ context.Context, candidateID int, questionID uuid.UUID, transitional, missingIP bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cachePair{candidateID, questionID}
	f.transitional[key] = transitional
	f.missingIP[key] = missingIP
	return nil
}

func (f *fakeInstanceCache) Forget(_ context.Context, candidateID int, questionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cachePair{candidateID, questionID}
	delete(f.states, key)
	delete(f.seen, key)
	delete(f.transitional, key)
	delete(f.missingIP, key)
	return nil
}

func (f *fakeInstanceCache) leaseHeldBy(candidateID int) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[candidateID]
}

// fakeInstancerClient scripts the instance backend per question. Unknown
// questions answer 404, like a backend that never provisioned them.
type fakeInstancerClient struct {
	mu        sync.Mutex
	statuses  map[uuid.UUID]*instancer.StatusInfo
	statusErr map[uuid.UUID]error
	machine   *instancer.StatusInfo

	startErr   error
	stopErr    error
	restartErr error

	statusCalls int
	startCalls  int
	stopCalls   int
}

func newFakeInstancerClient() *fakeInstancerClient {
	return &fakeInstancerClient{
		statuses:  make(map[uuid.UUID]*instancer.StatusInfo),
		statusErr: make(map[uuid.UUID]error),
	}
}

func (f *fakeInstancerClient) setStatus(questionID uuid.UUID, info *instancer.StatusInfo, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info != nil {
		f.statuses[questionID] = info
	} else {
		delete(f.statuses, questionID)
	}
	if err != nil {
		f.statusErr[questionID] = err
	} else {
		delete(f.statusErr, questionID)
	}
}

func (f *fakeInstancerClient) Start(_ context.Context, _ uuid.UUID, _ int, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeInstancerClient) Stop(_ context.Context, _ uuid.UUID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeInstancerClient) Restart(_ context.Context, _ uuid.UUID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartErr
}

func (f *fakeInstancerClient) Status(_ context.Context, questionID uuid.UUID, _ int) (*instancer.StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if err, ok := f.statusErr[questionID]; ok {
		return nil, err
	}
	if info, ok := f.statuses[questionID]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, instancer.ErrNotFound
}

func (f *fakeInstancerClient) MachineStatus(_ context.Context, _ string) (*instancer.StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.machine == nil {
		return nil, instancer.ErrNotFound
	}
	cp := *f.machine
	return &cp, nil
}

type fakeJanitor struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeJanitor) Teardown(_ context.Context, _ int, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeTimer struct {
	mu           sync.Mutex
	registered   map[uuid.UUID]time.Time
	deregistered map[uuid.UUID]int
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{
		registered:   make(map[uuid.UUID]time.Time),
		deregistered: make(map[uuid.UUID]int),
	}
}

func (f *fakeTimer) Register(attemptID uuid.UUID, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[attemptID] = expiresAt
}

func (f *fakeTimer) Deregister(attemptID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered[attemptID]++
}
