package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type attemptFixture struct {
	svc          *AttemptService
	scoring      *scoringFixture
	assessments  *fakeAssessmentStore
	janitor      *fakeJanitor
	timer        *fakeTimer
	assessmentID uuid.UUID
}

func newAttemptFixture(t *testing.T) *attemptFixture {
	t.Helper()

	scoring := newScoringFixture(t, false)
	assessments := &fakeAssessmentStore{
		assessments: map[uuid.UUID]*model.Assessment{
			scoring.assessmentID: {
				ID:              scoring.assessmentID,
				Title:           "Fixture Exam",
				DurationMinutes: 60,
			},
		},
	}

	janitor := &fakeJanitor{}
	timer := newFakeTimer()
	svc := NewAttemptService(assessments, scoring.attempts, scoring.svc, scoring.fallback, janitor, zerolog.Nop())
	svc.AttachTimer(timer)

	return &attemptFixture{
		svc:          svc,
		scoring:      scoring,
		assessments:  assessments,
		janitor:      janitor,
		timer:        timer,
		assessmentID: scoring.assessmentID,
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()
	candidate := 42

	first, err := f.svc.Start(ctx, candidate, f.assessmentID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Status != model.AttemptStatusStarted {
		t.Fatalf("status = %s, want STARTED", first.Status)
	}
	wantDeadline := time.Now().Add(60 * time.Minute)
	if diff := first.ExpiresAt.Sub(wantDeadline); diff > time.Minute || diff < -time.Minute {
		t.Fatalf("deadline = %v, want ~%v", first.ExpiresAt, wantDeadline)
	}
	if _, ok := f.timer.registered[first.ID]; !ok {
		t.Fatal("attempt not registered with the deadline timer")
	}

	second, err := f.svc.Start(ctx, candidate, f.assessmentID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("second start created a new attempt instead of resuming")
	}
}

func TestStartOutsideActiveWindow(t *testing.T) {
	f := newAttemptFixture(t)
	past := time.Now().Add(-time.Hour)
	f.assessments.assessments[f.assessmentID].ActiveTo = &past

	_, err := f.svc.Start(context.Background(), 42, f.assessmentID)
	if !errors.Is(err, ErrAssessmentNotActive) {
		t.Fatalf("err = %v, want ErrAssessmentNotActive", err)
	}
}

func TestResumeAfterWindowCloses(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, err := f.svc.Start(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Window closes while the attempt is live: resuming must still work.
	past := time.Now().Add(-time.Minute)
	f.assessments.assessments[f.assessmentID].ActiveTo = &past

	resumed, err := f.svc.Start(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("resume after window close: %v", err)
	}
	if resumed.ID != attempt.ID {
		t.Fatal("resume created a new attempt")
	}
}

func TestResumeExpiredFinalizesOnce(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, err := f.svc.Start(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.scoring.attempts.attempts[attempt.ID].ExpiresAt = time.Now().Add(-time.Minute)

	resumed, err := f.svc.Start(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("resume expired: %v", err)
	}
	if resumed.Status != model.AttemptStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", resumed.Status)
	}

	// A second resume must not re-run the terminal transition.
	calls := f.scoring.attempts.completeCalls
	if _, err := f.svc.Start(ctx, 42, f.assessmentID); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if f.scoring.attempts.completeCalls != calls {
		t.Fatal("completed attempt finalized again on resume")
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, err := f.svc.Start(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done, err := f.svc.Submit(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if done.Status != model.AttemptStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", done.Status)
	}
	if f.janitor.calls != 1 {
		t.Fatalf("teardown calls = %d, want 1", f.janitor.calls)
	}
	if f.timer.deregistered[attempt.ID] != 1 {
		t.Fatalf("timer deregistrations = %d, want 1", f.timer.deregistered[attempt.ID])
	}

	// Submitting again is a no-op success, not an error.
	again, err := f.svc.Submit(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if again.Status != model.AttemptStatusCompleted || f.janitor.calls != 1 {
		t.Fatal("second submit changed terminal state or re-ran teardown")
	}
}

func TestSubmitFinalScoreDerivedFromSubmissions(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, fixtureCandidate, f.assessmentID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Start resumed the fixture's pre-seeded attempt for this candidate.
	f.scoring.submit(t, "FLAG{x}")

	// Sabotage the cache column: the final score must still come from the
	// submissions set, not the cache.
	f.scoring.attempts.attempts[f.scoring.attemptID].CurrentScore = 1

	done, err := f.svc.Submit(ctx, fixtureCandidate, f.assessmentID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if done.CurrentScore != 100 {
		t.Fatalf("final score = %d, want 100 (derived)", done.CurrentScore)
	}
}

func TestFinalizePermissionDeniedUsesFallback(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, err := f.svc.Start(ctx, 42, f.assessmentID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.scoring.attempts.completeErr = &pgconn.PgError{Code: "42501"}

	if err := f.svc.Finalize(ctx, attempt.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	saved, err := f.scoring.fallback.GetAttemptState(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("fallback state: %v", err)
	}
	if saved == nil || saved.Status != model.AttemptStatusCompleted {
		t.Fatalf("fallback state = %+v, want COMPLETED record", saved)
	}
	// Fallback records must survive until the reconciler lands them.
	if f.scoring.fallback.purged[attempt.ID] != 0 {
		t.Fatal("fallback purged while completion is only recorded there")
	}
}

func TestResetClearsAttempt(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, fixtureCandidate, f.assessmentID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.scoring.submit(t, "FLAG{x}")

	reset, err := f.svc.Reset(ctx, fixtureCandidate, f.assessmentID)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Status != model.AttemptStatusStarted {
		t.Fatalf("status = %s, want STARTED", reset.Status)
	}
	if reset.CurrentScore != 0 || reset.Progress != 0 {
		t.Fatalf("score/progress after reset = %d/%.1f, want zeroes", reset.CurrentScore, reset.Progress)
	}
	if !reset.ExpiresAt.After(time.Now().Add(55 * time.Minute)) {
		t.Fatalf("reset deadline = %v, want a fresh full duration", reset.ExpiresAt)
	}
	if f.scoring.fallback.purged[reset.ID] != 1 {
		t.Fatal("fallback not purged on reset")
	}
	if f.janitor.calls != 1 {
		t.Fatalf("teardown calls = %d, want 1", f.janitor.calls)
	}
	if _, ok := f.timer.registered[reset.ID]; !ok {
		t.Fatal("reset attempt not re-registered with the timer")
	}
}

func TestGetStateMergesFallback(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, fixtureCandidate, f.assessmentID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One primary record and one that only reached the fallback store.
	f.scoring.submit(t, "FLAG{x}")
	ghostFlag := uuid.New()
	f.scoring.fallback.SaveSubmission(ctx, &model.FlagSubmission{
		ID: uuid.New(), AttemptID: f.scoring.attemptID, QuestionID: f.scoring.questionID,
		FlagID: ghostFlag, SubmittedText: "FLAG{ghost}", IsCorrect: true, PointsAwarded: 25,
	})

	state, err := f.svc.GetState(ctx, fixtureCandidate, f.assessmentID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(state.Submissions) != 2 {
		t.Fatalf("submissions = %d, want 2 (merged)", len(state.Submissions))
	}
	if state.Attempt.CurrentScore != 125 {
		t.Fatalf("derived score = %d, want 125", state.Attempt.CurrentScore)
	}
	if state.RemainingSeconds <= 0 {
		t.Fatalf("remaining = %.1f, want positive", state.RemainingSeconds)
	}
}

func TestGetStateWithoutAttempt(t *testing.T) {
	f := newAttemptFixture(t)

	_, err := f.svc.GetState(context.Background(), 9999, f.assessmentID)
	if !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("err = %v, want ErrAttemptNotFound", err)
	}
}
