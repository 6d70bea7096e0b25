package websocket

import "github.com/certlab/certlab-backend/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
	// ActionRefresh asks for an immediate tick instead of waiting for the
	// next interval (used right after a flag submission).
	ActionRefresh Action = "refresh"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick      Event = "tick"
	EventInstance  Event = "instance"
	EventCompleted Event = "completed"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// TickEvent carries the authoritative countdown. The frontend renders it
// directly and never runs its own clock.
type TickEvent struct {
	Event            Event   `json:"event"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Score            int     `json:"score"`
	Progress         float64 `json:"progress_percentage"`
}

// InstanceEvent pushes the cached state of the candidate's active instance
// whenever it changes.
type InstanceEvent struct {
	Event    Event               `json:"event"`
	Instance model.InstanceState `json:"instance"`
}

// CompletedEvent is the final frame: the attempt reached its terminal
// state, either by submission or deadline expiry.
type CompletedEvent struct {
	Event      Event   `json:"event"`
	FinalScore int     `json:"final_score"`
	Progress   float64 `json:"progress_percentage"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
