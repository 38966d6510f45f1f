package v1

import "time"

// AgentStatus represents the status of one subprocess attempt at a task
type AgentStatus string

const (
	AgentStatusPending AgentStatus = "pending"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusSuccess AgentStatus = "success"
	AgentStatusFailed  AgentStatus = "failed"
	AgentStatusKilled  AgentStatus = "killed"
	AgentStatusTimeout AgentStatus = "timeout"
)

// Terminal returns true once the agent has finished
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusSuccess || s == AgentStatusFailed ||
		s == AgentStatusKilled || s == AgentStatusTimeout
}

// ModelTier is the cost/capability class of a model. Escalation moves
// from T0 toward T3.
type ModelTier string

const (
	TierT0 ModelTier = "T0"
	TierT1 ModelTier = "T1"
	TierT2 ModelTier = "T2"
	TierT3 ModelTier = "T3"
)

// Tiers lists all tiers in escalation order
var Tiers = []ModelTier{TierT0, TierT1, TierT2, TierT3}

// TestCounts summarizes test results reported in agent output
type TestCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// AgentSummary is derived from an agent's raw output when it terminates
type AgentSummary struct {
	FilesChanged []string   `json:"files_changed,omitempty"`
	Errors       []string   `json:"errors,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	Commands     []string   `json:"commands,omitempty"`
	Tests        TestCounts `json:"tests"`
	Digest       string     `json:"digest,omitempty"`
}

// Agent represents one subprocess attempt at a task
type Agent struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	SessionID  string        `json:"session_id"`
	Model      string        `json:"model"`
	Tier       ModelTier     `json:"model_tier"`
	Multiplier float64       `json:"multiplier"`
	Status     AgentStatus   `json:"status"`
	Retries    int           `json:"retries"`
	Output     string        `json:"output,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Summary    *AgentSummary `json:"summary,omitempty"`
}

// CostSummary holds running cost totals for a session
type CostSummary struct {
	TotalAgents          int               `json:"total_agents"`
	TotalPremiumRequests float64           `json:"total_premium_requests"`
	PerTier              map[ModelTier]int `json:"per_tier"`
}

// NewCostSummary returns an empty cost summary with all tiers present
func NewCostSummary() CostSummary {
	per := make(map[ModelTier]int, len(Tiers))
	for _, t := range Tiers {
		per[t] = 0
	}
	return CostSummary{PerTier: per}
}

// Add accounts for one agent attempt
func (c *CostSummary) Add(tier ModelTier, multiplier float64) {
	if c.PerTier == nil {
		c.PerTier = make(map[ModelTier]int, len(Tiers))
	}
	c.TotalAgents++
	c.TotalPremiumRequests += multiplier
	c.PerTier[tier]++
}
