// Package server provides the HTTP and WebSocket surface over the
// orchestration core.
package server

import (
	"github.com/haivemind/haivemind/internal/autopilot"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// CreateProjectRequest for linking a project directory
type CreateProjectRequest struct {
	Name string `json:"name" binding:"required"`
	Dir  string `json:"dir,omitempty"`
}

// StartSessionRequest for submitting a build prompt
type StartSessionRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// ChatRequest for continuing a finalized session
type ChatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// UpdateSettingsRequest replaces the project's scheduler overrides
type UpdateSettingsRequest struct {
	CostCeiling     *float64 `json:"cost_ceiling"`
	MaxConcurrency  int      `json:"max_concurrency" binding:"min=1"`
	MaxRetriesTotal int      `json:"max_retries_total" binding:"min=0"`
	Escalation      bool     `json:"escalation"`
}

// UpdateSkillsRequest replaces the project's skill memory
type UpdateSkillsRequest struct {
	Entries []string `json:"entries"`
}

// StartAutopilotRequest configures the outer loop
type StartAutopilotRequest struct {
	MaxCycles    int      `json:"max_cycles"`
	CostCeiling  *float64 `json:"cost_ceiling,omitempty"`
	RequireTests bool     `json:"require_tests"`
}

// Inputs converts the request to autopilot inputs.
func (r *StartAutopilotRequest) Inputs() autopilot.Inputs {
	return autopilot.Inputs{
		MaxCycles:    r.MaxCycles,
		CostCeiling:  r.CostCeiling,
		RequireTests: r.RequireTests,
	}
}

// HealthResponse for GET /api/health
type HealthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Projects    int    `json:"projects"`
	Clients     int    `json:"clients"`
	ActiveLocks int    `json:"activeLocks"`
}

// DiffFile is one changed file in a session diff
type DiffFile struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// DiffResponse summarizes workspace changes since the session snapshot
type DiffResponse struct {
	SessionID string     `json:"session_id"`
	Files     []DiffFile `json:"files"`
}

// SessionSummary is the list-view projection of a session record
type SessionSummary struct {
	ID          string           `json:"id"`
	Prompt      string           `json:"prompt"`
	Status      v1.SessionStatus `json:"status"`
	FailedTasks int              `json:"failed_tasks"`
	TotalAgents int              `json:"total_agents"`
	StartedAt   string           `json:"started_at"`
}
