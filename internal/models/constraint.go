// Package models defines constraint rules for response screening.
package models

import "time"

// ConstraintRule pairs a detection pattern with the tool that must have been
// invoked during the turn for the matched claim to be considered grounded.
// Rules are read-mostly: loaded from the store and cached per category.
type ConstraintRule struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name,omitempty"`
	Pattern              string    `json:"pattern"`       // regexp applied to the draft response text
	RequiredTool         string    `json:"required_tool"` // tool that must appear in the turn's invocations
	Corrective           string    `json:"corrective"`    // text injected on violation
	Priority             int       `json:"priority"`      // higher value screens first
	Category             string    `json:"category,omitempty"`
	SkipDuringCollection bool      `json:"skip_during_collection"`
	Active               bool      `json:"active"`
	UpdatedAt            time.Time `json:"updated_at"`
}
