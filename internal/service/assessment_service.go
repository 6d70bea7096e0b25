package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CatalogStatus is the candidate-facing availability of an assessment.
type CatalogStatus string

const (
	CatalogStatusUpcoming   CatalogStatus = "UPCOMING"
	CatalogStatusAvailable  CatalogStatus = "AVAILABLE"
	CatalogStatusInProgress CatalogStatus = "IN_PROGRESS"
	CatalogStatusCompleted  CatalogStatus = "COMPLETED"
	CatalogStatusClosed     CatalogStatus = "CLOSED"
)

// CatalogEntry is an assessment overlaid with the candidate's attempt.
type CatalogEntry struct {
	model.Assessment
	CatalogStatus CatalogStatus        `json:"catalog_status"`
	AttemptStatus *model.AttemptStatus `json:"attempt_status,omitempty"`
	CurrentScore  *int                 `json:"current_score,omitempty"`
}

// FlagMeta is a flag as shown to candidates: score and policy, never the value.
type FlagMeta struct {
	ID            uuid.UUID `json:"id"`
	Score         int       `json:"score"`
	CaseSensitive bool      `json:"case_sensitive"`
	Hint          *string   `json:"hint,omitempty"`
}

// PaperQuestion is a question as rendered in the paper payload.
type PaperQuestion struct {
	model.Question
	Flags []FlagMeta `json:"flags"`
}

// PaperSection groups paper questions.
type PaperSection struct {
	model.Section
	Questions []PaperQuestion `json:"questions"`
}

// PaperPayload is the Redis-cached candidate view of an assessment.
type PaperPayload struct {
	AssessmentID    uuid.UUID      `json:"assessment_id"`
	Title           string         `json:"title"`
	DurationMinutes int            `json:"duration_minutes"`
	MaxScore        int            `json:"max_score"`
	Sections        []PaperSection `json:"sections"`
}

// AssessmentService serves the assessment catalog and the cached paper
// payload.
type AssessmentService struct {
	assessments AssessmentStore
	questions   QuestionStore
	attempts    AttemptStore
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(
	assessments AssessmentStore,
	questions QuestionStore,
	attempts AttemptStore,
	rdb *redis.Client,
	log zerolog.Logger,
) *AssessmentService {
	return &AssessmentService{
		assessments: assessments,
		questions:   questions,
		attempts:    attempts,
		rdb:         rdb,
		log:         log.With().Str("component", "assessment_service").Logger(),
	}
}

// GetByID retrieves an assessment by its UUID.
func (s *AssessmentService) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	return s.assessments.GetByID(ctx, id)
}

// Catalog returns every assessment overlaid with the candidate's attempt
// state and window-derived availability.
func (s *AssessmentService) Catalog(ctx context.Context, candidateID int) ([]CatalogEntry, error) {
	assessments, err := s.assessments.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}

	attempts, err := s.attempts.ListByCandidate(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	attemptMap := make(map[uuid.UUID]*model.Attempt, len(attempts))
	for i := range attempts {
		attemptMap[attempts[i].AssessmentID] = &attempts[i]
	}

	now := time.Now()
	catalog := make([]CatalogEntry, 0, len(assessments))

	for _, a := range assessments {
		entry := CatalogEntry{Assessment: a}

		if att, ok := attemptMap[a.ID]; ok {
			entry.AttemptStatus = &att.Status
			entry.CurrentScore = &att.CurrentScore
			if att.Status == model.AttemptStatusCompleted {
				entry.CatalogStatus = CatalogStatusCompleted
			} else {
				entry.CatalogStatus = CatalogStatusInProgress
			}
		} else if a.ActiveFrom != nil && now.Before(*a.ActiveFrom) {
			entry.CatalogStatus = CatalogStatusUpcoming
		} else if a.ActiveTo != nil && now.After(*a.ActiveTo) {
			entry.CatalogStatus = CatalogStatusClosed
		} else {
			entry.CatalogStatus = CatalogStatusAvailable
		}

		catalog = append(catalog, entry)
	}

	return catalog, nil
}

// GetPaper returns the cached paper payload, warming the cache on miss.
func (s *AssessmentService) GetPaper(ctx context.Context, assessmentID uuid.UUID) (*PaperPayload, error) {
	key := config.CacheKey.AssessmentPaperKey(assessmentID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var payload PaperPayload
		if err := json.Unmarshal(data, &payload); err == nil {
			return &payload, nil
		}
		// Corrupt cache entry: fall through and rebuild.
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get paper cache: %w", err)
	}

	payload, err := s.buildPaper(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal paper: %w", err)
	}
	if err := s.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		// Cache failure is not fatal; the payload is still correct.
		s.log.Warn().Err(err).Str("assessment_id", assessmentID.String()).Msg("Paper cache write failed")
	}

	return payload, nil
}

// InvalidatePaper drops the cached paper payload. Exposed for the authoring
// system's webhook when questions change between attempts.
func (s *AssessmentService) InvalidatePaper(ctx context.Context, assessmentID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.AssessmentPaperKey(assessmentID.String())).Err()
}

// buildPaper assembles the candidate payload from the primary store. Flag
// values never leave this function.
func (s *AssessmentService) buildPaper(ctx context.Context, assessmentID uuid.UUID) (*PaperPayload, error) {
	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	sections, err := s.questions.ListSections(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	questions, err := s.questions.ListByAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	flags, err := s.questions.ListFlagsByAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	flagsByQuestion := make(map[uuid.UUID][]FlagMeta, len(questions))
	for _, f := range flags {
		flagsByQuestion[f.QuestionID] = append(flagsByQuestion[f.QuestionID], FlagMeta{
			ID:            f.ID,
			Score:         f.Score,
			CaseSensitive: f.CaseSensitive,
			Hint:          f.Hint,
		})
	}

	questionsBySection := make(map[uuid.UUID][]PaperQuestion, len(sections))
	for _, q := range questions {
		pq := PaperQuestion{Question: q, Flags: flagsByQuestion[q.ID]}
		if pq.Flags == nil {
			pq.Flags = []FlagMeta{}
		}
		questionsBySection[q.SectionID] = append(questionsBySection[q.SectionID], pq)
	}

	payload := &PaperPayload{
		AssessmentID:    assessment.ID,
		Title:           assessment.Title,
		DurationMinutes: assessment.DurationMinutes,
		MaxScore:        assessment.MaxScore,
		Sections:        make([]PaperSection, 0, len(sections)),
	}
	for _, sec := range sections {
		ps := PaperSection{Section: sec, Questions: questionsBySection[sec.ID]}
		if ps.Questions == nil {
			ps.Questions = []PaperQuestion{}
		}
		payload.Sections = append(payload.Sections, ps)
	}

	return payload, nil
}
