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

type scoringFixture struct {
	svc          *ScoringService
	attempts     *fakeAttemptStore
	questions    *fakeQuestionStore
	submissions  *fakeSubmissionStore
	fallback     *fakeFallbackStore
	assessmentID uuid.UUID
	questionID   uuid.UUID
	flagID       uuid.UUID
	attemptID    uuid.UUID
}

const fixtureCandidate = 7

func newScoringFixture(t *testing.T, caseSensitive bool) *scoringFixture {
	t.Helper()

	assessmentID := uuid.New()
	questionID := uuid.New()
	flagID := uuid.New()
	attemptID := uuid.New()

	questions := &fakeQuestionStore{
		questions: map[uuid.UUID]*model.Question{
			questionID: {ID: questionID, AssessmentID: assessmentID, Points: 100},
		},
		flags: map[uuid.UUID]*model.Flag{
			flagID: {ID: flagID, QuestionID: questionID, Value: "FLAG{x}", Score: 100, CaseSensitive: caseSensitive},
		},
	}

	attempts := newFakeAttemptStore()
	attempts.attempts[attemptID] = &model.Attempt{
		ID:           attemptID,
		AssessmentID: assessmentID,
		CandidateID:  fixtureCandidate,
		Status:       model.AttemptStatusStarted,
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	submissions := newFakeSubmissionStore()
	fallback := newFakeFallbackStore()

	return &scoringFixture{
		svc:          NewScoringService(attempts, questions, submissions, fallback, zerolog.Nop()),
		attempts:     attempts,
		questions:    questions,
		submissions:  submissions,
		fallback:     fallback,
		assessmentID: assessmentID,
		questionID:   questionID,
		flagID:       flagID,
		attemptID:    attemptID,
	}
}

func (f *scoringFixture) submit(t *testing.T, value string) *model.SubmissionResult {
	t.Helper()
	result, err := f.svc.RecordSubmission(context.Background(), fixtureCandidate, f.assessmentID, f.questionID, f.flagID, value)
	if err != nil {
		t.Fatalf("RecordSubmission(%q): %v", value, err)
	}
	return result
}

func TestRecordSubmissionAwardsExactlyOnce(t *testing.T) {
	f := newScoringFixture(t, false)

	first := f.submit(t, "FLAG{x}")
	if !first.Correct || first.PointsAwarded != 100 || first.TotalScore != 100 {
		t.Fatalf("first submission = %+v, want correct with 100 points", first)
	}

	// Resubmitting a solved flag must not change the total.
	second := f.submit(t, "FLAG{x}")
	if !second.Correct || second.TotalScore != 100 {
		t.Fatalf("resubmission = %+v, want total score still 100", second)
	}

	if got := f.attempts.attempts[f.attemptID].CurrentScore; got != 100 {
		t.Fatalf("cached score = %d, want 100", got)
	}
}

func TestRecordSubmissionCasePolicy(t *testing.T) {
	f := newScoringFixture(t, false)

	// Case-insensitive flags tolerate casing and surrounding whitespace.
	if result := f.submit(t, "  flag{X}  "); !result.Correct {
		t.Fatal("case-insensitive flag rejected a differently-cased value")
	}

	strict := newScoringFixture(t, true)
	if result := strict.submit(t, "flag{X}"); result.Correct {
		t.Fatal("case-sensitive flag accepted a differently-cased value")
	}
	if result := strict.submit(t, " FLAG{x} "); !result.Correct {
		t.Fatal("case-sensitive flag rejected a value differing only in whitespace")
	}
}

func TestRecordSubmissionNeverDowngrades(t *testing.T) {
	f := newScoringFixture(t, false)

	f.submit(t, "FLAG{x}")
	wrong := f.submit(t, "FLAG{wrong}")
	if wrong.Correct {
		t.Fatal("incorrect retry reported correct")
	}
	if wrong.TotalScore != 100 {
		t.Fatalf("total after incorrect retry = %d, want 100", wrong.TotalScore)
	}

	stored, err := f.submissions.GetByAttemptAndFlag(context.Background(), f.attemptID, f.flagID)
	if err != nil {
		t.Fatalf("stored submission: %v", err)
	}
	if !stored.IsCorrect {
		t.Fatal("stored correct record was downgraded by an incorrect retry")
	}
}

func TestRecordSubmissionIncorrectStored(t *testing.T) {
	f := newScoringFixture(t, false)

	result := f.submit(t, "FLAG{nope}")
	if result.Correct || result.TotalScore != 0 {
		t.Fatalf("incorrect submission = %+v, want incorrect with zero total", result)
	}

	stored, err := f.submissions.GetByAttemptAndFlag(context.Background(), f.attemptID, f.flagID)
	if err != nil {
		t.Fatalf("stored submission: %v", err)
	}
	if stored.IsCorrect {
		t.Fatal("incorrect submission stored as correct")
	}

	// A later correct value still lands and scores.
	if result := f.submit(t, "FLAG{x}"); !result.Correct || result.TotalScore != 100 {
		t.Fatalf("correct after incorrect = %+v, want 100 total", result)
	}
}

func TestRecordSubmissionRejectsForeignQuestion(t *testing.T) {
	f := newScoringFixture(t, false)

	// A question and correct flag from a different assessment, as a
	// candidate would know them from an already-solved practice exam.
	foreignAssessment := uuid.New()
	foreignQuestion := uuid.New()
	foreignFlag := uuid.New()
	f.questions.questions[foreignQuestion] = &model.Question{
		ID: foreignQuestion, AssessmentID: foreignAssessment, Points: 100,
	}
	f.questions.flags[foreignFlag] = &model.Flag{
		ID: foreignFlag, QuestionID: foreignQuestion, Value: "FLAG{other}", Score: 100,
	}

	_, err := f.svc.RecordSubmission(context.Background(), fixtureCandidate, f.assessmentID, foreignQuestion, foreignFlag, "FLAG{other}")
	if !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("foreign-question submission err = %v, want ErrQuestionNotFound", err)
	}

	// Nothing may have been stored or scored.
	subs, listErr := f.submissions.ListByAttempt(context.Background(), f.attemptID)
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(subs) != 0 {
		t.Fatalf("stored submissions = %d, want 0", len(subs))
	}
	if got := f.attempts.attempts[f.attemptID].CurrentScore; got != 0 {
		t.Fatalf("cached score = %d, want 0", got)
	}
}

func TestRecordSubmissionRejectsUnknownQuestion(t *testing.T) {
	f := newScoringFixture(t, false)

	_, err := f.svc.RecordSubmission(context.Background(), fixtureCandidate, f.assessmentID, uuid.New(), f.flagID, "FLAG{x}")
	if !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("unknown-question submission err = %v, want ErrQuestionNotFound", err)
	}
}

func TestRecordSubmissionRejectedAfterCompletion(t *testing.T) {
	f := newScoringFixture(t, false)
	f.attempts.attempts[f.attemptID].Status = model.AttemptStatusCompleted

	_, err := f.svc.RecordSubmission(context.Background(), fixtureCandidate, f.assessmentID, f.questionID, f.flagID, "FLAG{x}")
	if !errors.Is(err, ErrAttemptCompleted) {
		t.Fatalf("err = %v, want ErrAttemptCompleted", err)
	}
}

func TestRecordSubmissionRejectedAfterDeadline(t *testing.T) {
	f := newScoringFixture(t, false)
	f.attempts.attempts[f.attemptID].ExpiresAt = time.Now().Add(-time.Minute)

	_, err := f.svc.RecordSubmission(context.Background(), fixtureCandidate, f.assessmentID, f.questionID, f.flagID, "FLAG{x}")
	if !errors.Is(err, ErrAttemptCompleted) {
		t.Fatalf("err = %v, want ErrAttemptCompleted", err)
	}
}

func TestRecordSubmissionFallsBackOnPermissionDenied(t *testing.T) {
	f := newScoringFixture(t, false)
	f.submissions.upsertErr = &pgconn.PgError{Code: "42501"}

	result := f.submit(t, "FLAG{x}")
	if !result.Correct {
		t.Fatal("submission rejected despite fallback path")
	}
	// The score must include the fallback record even though the primary
	// write was refused.
	if result.TotalScore != 100 {
		t.Fatalf("total with fallback record = %d, want 100", result.TotalScore)
	}

	saved, err := f.fallback.ListSubmissions(context.Background(), f.attemptID)
	if err != nil {
		t.Fatalf("fallback list: %v", err)
	}
	if len(saved) != 1 || !saved[0].IsCorrect {
		t.Fatalf("fallback records = %+v, want one correct record", saved)
	}
}

func TestDeriveScoreUsesPrimaryAggregate(t *testing.T) {
	f := newScoringFixture(t, false)
	ctx := context.Background()

	f.submit(t, "FLAG{x}")
	attempt, err := f.attempts.GetByID(ctx, f.attemptID)
	if err != nil {
		t.Fatal(err)
	}

	f.submissions.totalsCalls = 0
	score, _, _, err := f.svc.DeriveScore(ctx, attempt)
	if err != nil {
		t.Fatalf("DeriveScore: %v", err)
	}
	if score != 100 {
		t.Fatalf("score = %d, want 100", score)
	}
	// Without degraded writes the primary SQL aggregate answers directly.
	if f.submissions.totalsCalls != 1 {
		t.Fatalf("totals calls = %d, want 1", f.submissions.totalsCalls)
	}

	// Once a fallback record exists, the merged set is authoritative.
	otherFlag := uuid.New()
	f.fallback.SaveSubmission(ctx, &model.FlagSubmission{
		ID: uuid.New(), AttemptID: f.attemptID, QuestionID: f.questionID,
		FlagID: otherFlag, SubmittedText: "FLAG{y}", IsCorrect: true, PointsAwarded: 50,
	})
	f.submissions.totalsCalls = 0
	score, _, _, err = f.svc.DeriveScore(ctx, attempt)
	if err != nil {
		t.Fatalf("DeriveScore with fallback: %v", err)
	}
	if score != 150 {
		t.Fatalf("score with fallback record = %d, want 150", score)
	}
	if f.submissions.totalsCalls != 0 {
		t.Fatalf("totals consulted on the degraded path (%d calls)", f.submissions.totalsCalls)
	}
}

func TestMergedSubmissionsPrimaryPrecedence(t *testing.T) {
	f := newScoringFixture(t, false)
	ctx := context.Background()

	otherFlag := uuid.New()
	primary := &model.FlagSubmission{
		ID: uuid.New(), AttemptID: f.attemptID, QuestionID: f.questionID,
		FlagID: f.flagID, SubmittedText: "FLAG{x}", IsCorrect: true, PointsAwarded: 100,
	}
	if _, err := f.submissions.Upsert(ctx, primary); err != nil {
		t.Fatal(err)
	}

	// A stale fallback copy of the same flag plus one gap-filling record.
	f.fallback.SaveSubmission(ctx, &model.FlagSubmission{
		ID: uuid.New(), AttemptID: f.attemptID, QuestionID: f.questionID,
		FlagID: f.flagID, SubmittedText: "stale", IsCorrect: false,
	})
	f.fallback.SaveSubmission(ctx, &model.FlagSubmission{
		ID: uuid.New(), AttemptID: f.attemptID, QuestionID: f.questionID,
		FlagID: otherFlag, SubmittedText: "FLAG{y}", IsCorrect: true, PointsAwarded: 50,
	})

	merged, err := f.svc.MergedSubmissions(ctx, f.attemptID)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 2 {
		t.Fatalf("merged count = %d, want 2", len(merged))
	}
	for _, sub := range merged {
		if sub.FlagID == f.flagID && sub.SubmittedText != "FLAG{x}" {
			t.Fatalf("primary record shadowed by fallback copy: %+v", sub)
		}
	}
}
