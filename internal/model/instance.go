package model

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus enumerates the lifecycle of a remote challenge instance:
//
//	ready → starting → running → stopping → stopped
//
// restarting is reachable only from running; error is reachable from any
// transitional state on backend failure. ready and stopped are equivalent
// rest states (pre- vs post-attempt); the distinction is cosmetic.
type InstanceStatus string

const (
	InstanceStatusReady      InstanceStatus = "ready"
	InstanceStatusStarting   InstanceStatus = "starting"
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusRestarting InstanceStatus = "restarting"
	InstanceStatusStopping   InstanceStatus = "stopping"
	InstanceStatusStopped    InstanceStatus = "stopped"
	InstanceStatusError      InstanceStatus = "error"
)

// Transitional reports whether the status is an in-flight state that the
// poll worker must keep re-querying.
func (s InstanceStatus) Transitional() bool {
	switch s {
	case InstanceStatusStarting, InstanceStatusPending, InstanceStatusStopping, InstanceStatusRestarting:
		return true
	}
	return false
}

// Rest reports whether the status is a rest state (no instance consuming
// the candidate's concurrency lease). error is not a rest state: an
// errored view may hide a live instance behind a transient backend
// failure, so the lease is retained and stop stays available until the
// backend confirms ready or stopped.
func (s InstanceStatus) Rest() bool {
	return s == InstanceStatusReady || s == InstanceStatusStopped
}

// Active reports whether the status counts against the single-concurrency
// rule for network instances.
func (s InstanceStatus) Active() bool {
	return !s.Rest()
}

// InstanceAction enumerates the mutating operations on an instance.
type InstanceAction string

const (
	InstanceActionStart   InstanceAction = "start"
	InstanceActionStop    InstanceAction = "stop"
	InstanceActionRestart InstanceAction = "restart"
)

// Expected returns the optimistic transitional status written to the cache
// before the backend call resolves.
func (a InstanceAction) Expected() InstanceStatus {
	switch a {
	case InstanceActionStart:
		return InstanceStatusStarting
	case InstanceActionStop:
		return InstanceStatusStopping
	case InstanceActionRestart:
		return InstanceStatusRestarting
	}
	return InstanceStatusError
}

// Rollback returns the last known stable status to restore when the backend
// call for the action fails: ready on a failed start, running on a failed
// stop or restart.
func (a InstanceAction) Rollback() InstanceStatus {
	if a == InstanceActionStart {
		return InstanceStatusReady
	}
	return InstanceStatusRunning
}

// InstanceState is the per-question, per-candidate cached view of a remote
// instance. It is a cache, never a source of truth — the instance backend
// is authoritative. Discarded when the attempt completes.
type InstanceState struct {
	QuestionID     uuid.UUID      `json:"question_id"`
	Status         InstanceStatus `json:"status"`
	IPAddress      string         `json:"ip_address,omitempty"`
	InstanceID     string         `json:"instance_id,omitempty"`
	ExpirationTime *time.Time     `json:"expiration_time,omitempty"`
	// Message carries a human-readable, retryable error description when
	// Status is error.
	Message   string    `json:"message,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}
