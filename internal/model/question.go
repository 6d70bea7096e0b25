package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Difficulty enumerates question difficulty tiers.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
	DifficultyInsane Difficulty = "INSANE"
)

// Question represents one challenge within a section. Its provisioning
// descriptor is at most one of TemplateID (candidate-triggered, ephemeral,
// network-exposed instance) or MachineID (always-on, platform-managed,
// status-only machine). Both nil means the question has no remote instance.
type Question struct {
	ID        uuid.UUID `json:"id"`
	SectionID uuid.UUID `json:"section_id"`
	// AssessmentID is resolved through the section join on read.
	AssessmentID uuid.UUID       `json:"assessment_id"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Difficulty   Difficulty      `json:"difficulty"`
	Points       int             `json:"points"`
	Hints        json.RawMessage `json:"hints"`
	TemplateID   *string         `json:"template_id,omitempty"`
	MachineID    *string         `json:"machine_id,omitempty"`
	OrderNum     int             `json:"order_num"`
}

// Templated reports whether the question provisions a candidate-triggered
// network instance.
func (q *Question) Templated() bool {
	return q.TemplateID != nil && *q.TemplateID != ""
}

// PreProvisioned reports whether the question points at an always-on
// platform machine (status queries only).
func (q *Question) PreProvisioned() bool {
	return q.MachineID != nil && *q.MachineID != ""
}
