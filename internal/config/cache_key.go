package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// CandidateSessionKey returns the cache key for a candidate's login session.
func (r *CacheKeyStruct) CandidateSessionKey(candidateID int) string {
	return fmt.Sprintf("login:%d", candidateID)
}

// InstanceStateKey returns the hash key holding the cached instance state
// for one candidate's view of one question.
func (r *CacheKeyStruct) InstanceStateKey(candidateID int, questionID string) string {
	return fmt.Sprintf("candidate:%d:question:%s:instance", candidateID, questionID)
}

// InstanceLeaseKey returns the key of the per-candidate concurrency lease.
// The value is the question ID the lease was acquired for.
func (r *CacheKeyStruct) InstanceLeaseKey(candidateID int) string {
	return fmt.Sprintf("candidate:%d:instance_lease", candidateID)
}

// InstanceSeenRunningKey marks that a question's instance has been observed
// in a running state at least once. Drives the 404→stopped mapping.
func (r *CacheKeyStruct) InstanceSeenRunningKey(candidateID int, questionID string) string {
	return fmt.Sprintf("candidate:%d:question:%s:seen_running", candidateID, questionID)
}

// PollTransitionalSet is the set of "candidateID:questionID" members whose
// cached status is transitional and must be re-queried every 5 seconds.
func (r *CacheKeyStruct) PollTransitionalSet() string {
	return "poll:transitional"
}

// PollMissingIPSet is the set of "candidateID:questionID" members reported
// running/pending but still without a resolved IP (15 second loop).
func (r *CacheKeyStruct) PollMissingIPSet() string {
	return "poll:missing_ip"
}

// FallbackSubmissionsKey returns the hash of permission-rejected flag
// submission writes for one attempt, fields keyed "questionID:flagID".
func (r *CacheKeyStruct) FallbackSubmissionsKey(attemptID string) string {
	return fmt.Sprintf("fallback:attempt:%s:submissions", attemptID)
}

// FallbackAttemptKey returns the key of a permission-rejected attempt
// score/status write.
func (r *CacheKeyStruct) FallbackAttemptKey(attemptID string) string {
	return fmt.Sprintf("fallback:attempt:%s:state", attemptID)
}

// AssessmentPaperKey returns the cache key for an assessment's candidate
// paper payload (sections, questions, flag metadata — no flag values).
func (r *CacheKeyStruct) AssessmentPaperKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:paper", assessmentID)
}

var CacheKey = NewCacheKeyStruct()
