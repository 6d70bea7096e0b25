package worker

import (
	"context"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// InstanceRefresher re-queries one instance's backend status and rewrites
// its cached state. Implemented by service.InstanceService.
type InstanceRefresher interface {
	Refresh(ctx context.Context, candidateID int, questionID uuid.UUID) (*model.InstanceState, error)
}

// InstancePollWorker converges cached instance states with the backend.
// Two cadences: a fast loop for transitional states (starting, stopping,
// restarting, pending) and a slow loop for running instances whose IP has
// not resolved yet. Membership of both sets is maintained by the instance
// service; a state leaving its condition drops out on the next refresh.
type InstancePollWorker struct {
	rdb       *redis.Client
	instances InstanceRefresher
	log       zerolog.Logger
}

func NewInstancePollWorker(rdb *redis.Client, instances InstanceRefresher, log zerolog.Logger) *InstancePollWorker {
	return &InstancePollWorker{
		rdb:       rdb,
		instances: instances,
		log:       log.With().Str("component", "instance_poll_worker").Logger(),
	}
}

// Start runs both poll loops until the context is cancelled.
func (w *InstancePollWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Instance poll worker started")

	fast := time.NewTicker(5 * time.Second)
	slow := time.NewTicker(15 * time.Second)
	defer fast.Stop()
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Instance poll worker stopped")
			return
		case <-fast.C:
			w.sweep(ctx, config.CacheKey.PollTransitionalSet())
		case <-slow.C:
			w.sweep(ctx, config.CacheKey.PollMissingIPSet())
		}
	}
}

func (w *InstancePollWorker) sweep(ctx context.Context, setKey string) {
	members, err := w.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		w.log.Error().Err(err).Str("set", setKey).Msg("Poll set read failed")
		return
	}

	for _, member := range members {
		candidateID, questionID, err := service.ParsePollMember(member)
		if err != nil {
			w.log.Warn().Err(err).Msg("Discarding malformed poll member")
			w.rdb.SRem(ctx, setKey, member)
			continue
		}

		if _, err := w.instances.Refresh(ctx, candidateID, questionID); err != nil {
			w.log.Warn().Err(err).
				Int("candidate_id", candidateID).
				Str("question_id", questionID.String()).
				Msg("Instance poll refresh failed")
		}
	}
}
