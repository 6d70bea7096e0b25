package repository

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
)

// Cached instance views and seen-running markers outlive any single
// attempt window comfortably; teardown deletes them explicitly.
const instanceCacheTTL = 24 * time.Hour

// releaseLeaseScript deletes the per-candidate concurrency lease only when
// it is still held for the expected question, so a concurrent start for
// another question cannot lose its lease to a stale release.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// InstanceCache is the Redis-backed working state of the instance
// orchestrator: per-question state views, the single-concurrency lease and
// the poll worker sets. Poll set members are "candidateID:questionID",
// matching what the poll worker parses.
type InstanceCache struct {
	rdb *redis.Client
}

// NewInstanceCache creates a new InstanceCache.
func NewInstanceCache(rdb *redis.Client) *InstanceCache {
	return &InstanceCache{rdb: rdb}
}

func pollMember(candidateID int, questionID uuid.UUID) string {
	return fmt.Sprintf("%d:%s", candidateID, questionID)
}

// GetState returns the cached instance view, or nil if none.
func (c *InstanceCache) GetState(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.InstanceStateKey(candidateID, questionID.String())).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state model.InstanceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// Corrupt entry: treat as a miss so the caller refetches.
		return nil, nil
	}
	return &state, nil
}

// SetState rewrites the cached instance view.
func (c *InstanceCache) SetState(ctx context.Context, candidateID int, questionID uuid.UUID, state *model.InstanceState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal instance state: %w", err)
	}
	key := config.CacheKey.InstanceStateKey(candidateID, questionID.String())
	return c.rdb.Set(ctx, key, raw, instanceCacheTTL).Err()
}

// AcquireLease takes the candidate's concurrency lease via SETNX.
func (c *InstanceCache) AcquireLease(ctx context.Context, candidateID int, questionID uuid.UUID, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, config.CacheKey.InstanceLeaseKey(candidateID), questionID.String(), ttl).Result()
}

// LeaseHolder returns the question currently holding the candidate's lease.
func (c *InstanceCache) LeaseHolder(ctx context.Context, candidateID int) (uuid.UUID, error) {
	holder, err := c.rdb.Get(ctx, config.CacheKey.InstanceLeaseKey(candidateID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(holder)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed lease holder %q: %w", holder, err)
	}
	return id, nil
}

// RenewLease extends the lease TTL without changing the holder.
func (c *InstanceCache) RenewLease(ctx context.Context, candidateID int, ttl time.Duration) error {
	return c.rdb.Expire(ctx, config.CacheKey.InstanceLeaseKey(candidateID), ttl).Err()
}

// ReleaseLease compare-and-deletes the lease for one question.
func (c *InstanceCache) ReleaseLease(ctx context.Context, candidateID int, questionID uuid.UUID) error {
	key := config.CacheKey.InstanceLeaseKey(candidateID)
	err := releaseLeaseScript.Run(ctx, c.rdb, []string{key}, questionID.String()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// DropLease unconditionally deletes the candidate's lease.
func (c *InstanceCache) DropLease(ctx context.Context, candidateID int) error {
	return c.rdb.Del(ctx, config.CacheKey.InstanceLeaseKey(candidateID)).Err()
}

// MarkSeenRunning records that the question's instance was observed running
// at least once. Drives the 404-to-stopped mapping.
func (c *InstanceCache) MarkSeenRunning(ctx context.Context, candidateID int, questionID uuid.UUID) error {
	key := config.CacheKey.InstanceSeenRunningKey(candidateID, questionID.String())
	return c.rdb.Set(ctx, key, "1", instanceCacheTTL).Err()
}

// SeenRunning reports whether the seen-running marker exists.
func (c *InstanceCache) SeenRunning(ctx context.Context, candidateID int, questionID uuid.UUID) (bool, error) {
	key := config.CacheKey.InstanceSeenRunningKey(candidateID, questionID.String())
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SyncPollSets reconciles the pair's membership in the worker poll sets.
func (c *InstanceCache) SyncPollSets(ctx context.Context, candidateID int, questionID uuid.UUID, transitional, missingIP bool) error {
	member := pollMember(candidateID, questionID)
	pipe := c.rdb.Pipeline()

	if transitional {
		pipe.SAdd(ctx, config.CacheKey.PollTransitionalSet(), member)
	} else {
		pipe.SRem(ctx, config.CacheKey.PollTransitionalSet(), member)
	}

	if missingIP {
		pipe.SAdd(ctx, config.CacheKey.PollMissingIPSet(), member)
	} else {
		pipe.SRem(ctx, config.CacheKey.PollMissingIPSet(), member)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Forget drops every cached trace of one candidate-question instance.
func (c *InstanceCache) Forget(ctx context.Context, candidateID int, questionID uuid.UUID) error {
	member := pollMember(candidateID, questionID)
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.InstanceStateKey(candidateID, questionID.String()))
	pipe.Del(ctx, config.CacheKey.InstanceSeenRunningKey(candidateID, questionID.String()))
	pipe.SRem(ctx, config.CacheKey.PollTransitionalSet(), member)
	pipe.SRem(ctx, config.CacheKey.PollMissingIPSet(), member)
	_, err := pipe.Exec(ctx)
	return err
}
