package v1

import "time"

// SessionStatus represents the status of a session
type SessionStatus string

const (
	SessionStatusPlanning    SessionStatus = "planning"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
	SessionStatusInterrupted SessionStatus = "interrupted"
)

// Terminal returns true if the session has been finalized
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed ||
		s == SessionStatusInterrupted
}

// TimelineCap is the maximum number of events retained per session.
// When the cap is reached the oldest entries are evicted.
const TimelineCap = 5000

// Project is a persistent record identified by a URL-safe slug
type Project struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Dir       string    `json:"dir,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings holds per-project overrides for scheduler admission control
type Settings struct {
	CostCeiling     *float64 `json:"cost_ceiling,omitempty"`
	MaxConcurrency  int      `json:"max_concurrency"`
	MaxRetriesTotal int      `json:"max_retries_total"`
	Escalation      bool     `json:"escalation"`
}

// Skills is the per-project skill memory passed to the oracles
type Skills struct {
	Entries   []string  `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one prompt-to-completion workflow on a project
type Session struct {
	ID          string            `json:"id"`
	ProjectSlug string            `json:"project_slug"`
	Prompt      string            `json:"prompt"`
	Status      SessionStatus     `json:"status"`
	WorkDir     string            `json:"work_dir,omitempty"`
	SnapshotRef string            `json:"snapshot_ref,omitempty"`
	Plan        *Plan             `json:"plan,omitempty"`
	Agents      map[string]*Agent `json:"agents,omitempty"`
	Cost        CostSummary       `json:"cost_summary"`
	Timeline    []*Event          `json:"timeline,omitempty"`
	FailedTasks []string          `json:"failed_tasks,omitempty"`
	SkippedTask []string          `json:"skipped_tasks,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Checkpoint is the periodic on-disk copy of a live session's state
type Checkpoint struct {
	SessionID      string            `json:"session_id"`
	ProjectSlug    string            `json:"project_slug"`
	CheckpointedAt time.Time         `json:"checkpointed_at"`
	Prompt         string            `json:"prompt"`
	Plan           *Plan             `json:"plan,omitempty"`
	Agents         map[string]*Agent `json:"agents,omitempty"`
	Timeline       []*Event          `json:"timeline,omitempty"`
	CostSummary    CostSummary       `json:"cost_summary"`
	WorkDir        string            `json:"work_dir,omitempty"`
}

// InterruptedSession is recovered from an orphaned checkpoint on startup
type InterruptedSession struct {
	SessionID       string    `json:"session_id"`
	ProjectSlug     string    `json:"project_slug"`
	Prompt          string    `json:"prompt"`
	IncompleteTasks []string  `json:"incomplete_tasks"`
	CompletedTasks  []string  `json:"completed_tasks"`
	Timeline        []*Event  `json:"timeline,omitempty"`
	InterruptedAt   time.Time `json:"interrupted_at"`
}
