package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/middleware"
	"github.com/certlab/certlab-backend/internal/model"
	"github.com/certlab/certlab-backend/internal/service"
	ws "github.com/certlab/certlab-backend/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams the authoritative attempt countdown and instance state
// changes to the frontend.
type WSHandler struct {
	rdb       *redis.Client
	attempts  *service.AttemptService
	instances *service.InstanceService
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, attempts *service.AttemptService, instances *service.InstanceService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		rdb:       rdb,
		attempts:  attempts,
		instances: instances,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/candidate/assessments/:assessment_id/stream
// Pushes a countdown tick every second plus instance state changes. Sends a
// final completed frame when the attempt reaches its terminal state.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid assessment ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	candidateID := claims.CandidateID

	if _, _, err := h.attempts.Remaining(c.Request.Context(), candidateID, assessmentID); err != nil {
		ws.WriteError(conn, "no attempt for this assessment")
		return
	}

	wsLog := h.log.With().
		Int("candidate_id", candidateID).
		Str("assessment_id", assessmentID.String()).
		Logger()

	wsLog.Info().Msg("Candidate connected")

	// All writes happen on this goroutine; the read loop only forwards
	// client actions over the channel.
	actions := make(chan ws.Action, 4)
	done := make(chan struct{})
	go h.readLoop(conn, wsLog, actions, done)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastInstance model.InstanceStatus
	var attempt *model.Attempt
	for i := 0; ; i++ {
		select {
		case <-done:
			wsLog.Debug().Msg("Connection closed")
			return
		case action := <-actions:
			switch action {
			case ws.ActionPing:
				ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
				continue
			case ws.ActionRefresh:
				// Fall through to an immediate tick.
			default:
				wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
				ws.WriteError(conn, "unknown action: "+string(action))
				continue
			}
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		// Cheap ticks render the countdown from the last known attempt;
		// every fifth tick refetches so scores and completions surface.
		if attempt == nil || i%5 == 0 {
			var err error
			_, attempt, err = h.attempts.Remaining(ctx, candidateID, assessmentID)
			if err != nil {
				cancel()
				ws.WriteError(conn, "attempt lookup failed")
				return
			}
			lastInstance = h.pushInstanceChange(ctx, conn, candidateID, lastInstance, wsLog)
		}

		if attempt.Status == model.AttemptStatusCompleted || attempt.Remaining(time.Now()) == 0 {
			cancel()
			ws.WriteTyped(conn, ws.CompletedEvent{
				Event:      ws.EventCompleted,
				FinalScore: attempt.CurrentScore,
				Progress:   attempt.Progress,
			})
			wsLog.Info().Msg("Attempt completed, closing stream")
			return
		}

		err := ws.WriteTyped(conn, ws.TickEvent{
			Event:            ws.EventTick,
			RemainingSeconds: attempt.Remaining(time.Now()).Seconds(),
			Score:            attempt.CurrentScore,
			Progress:         attempt.Progress,
		})
		cancel()
		if err != nil {
			wsLog.Debug().Msg("Tick write failed, closing")
			return
		}
	}
}

// pushInstanceChange sends an InstanceEvent when the leased instance's
// status differs from the last pushed one. Returns the status pushed.
func (h *WSHandler) pushInstanceChange(ctx context.Context, conn *websocket.Conn, candidateID int, last model.InstanceStatus, wsLog zerolog.Logger) model.InstanceStatus {
	holder, err := h.rdb.Get(ctx, config.CacheKey.InstanceLeaseKey(candidateID)).Result()
	if err != nil {
		return last // redis.Nil: no active instance
	}
	questionID, err := uuid.Parse(holder)
	if err != nil {
		return last
	}

	state, err := h.instances.GetState(ctx, candidateID, questionID)
	if err != nil {
		wsLog.Debug().Err(err).Msg("Instance state fetch failed")
		return last
	}
	if state.Status == last {
		return last
	}

	ws.WriteTyped(conn, ws.InstanceEvent{Event: ws.EventInstance, Instance: *state})
	return state.Status
}

// readLoop consumes client frames and forwards each action to the stream
// goroutine, which owns all writes on the connection.
func (h *WSHandler) readLoop(conn *websocket.Conn, wsLog zerolog.Logger, actions chan<- ws.Action, done chan<- struct{}) {
	defer close(done)
	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		select {
		case actions <- msg.Action:
		default:
			// Client is flooding actions faster than they drain; drop.
		}
	}
}
