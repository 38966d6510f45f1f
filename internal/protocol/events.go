// Package protocol defines the event kinds exchanged on the hAIvemind
// event bus and helpers for building well-formed events.
package protocol

import (
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Session lifecycle events
const (
	SessionStart       = "session:start"
	PlanCreated        = "plan:created"
	SessionComplete    = "session:complete"
	SessionError       = "session:error"
	SessionWarning     = "session:warning"
	SessionInterrupted = "session:interrupted"
	SessionResumed     = "session:resumed"
)

// Task and agent events
const (
	TaskStatus   = "task:status"
	AgentStatus  = "agent:status"
	AgentOutput  = "agent:output"
	VerifyStatus = "verify:status"
)

// Process-wide events
const (
	ShutdownWarning = "shutdown:warning"
)

// Autopilot events
const (
	AutopilotStarted = "autopilot:started"
	AutopilotCycle   = "autopilot:cycle"
	AutopilotStopped = "autopilot:stopped"
)

// Collaborator hook events
const (
	PluginEvent    = "plugin:event"
	WSSubscribe    = "ws:subscribe"
	WSUnsubscribe  = "ws:unsubscribe"
	GateRequest    = "gate:request"
	GateResponse   = "gate:response"
	ChatResponse   = "chat:response"
	SelfDevDiff    = "selfdev:diff"
	DAGRewrite     = "dag:rewrite"
	SkillsUpdate   = "skills:update"
	SettingsUpdate = "settings:update"
)

// Warning types carried by session:warning events
const (
	WarningCostCeiling = "cost-ceiling"
	WarningDrop        = "event-drop"
)

// SessionEvent builds an event scoped to a session
func SessionEvent(kind, slug, sessionID string, data map[string]any) *v1.Event {
	ev := v1.NewEvent(kind, data)
	ev.ProjectSlug = slug
	ev.SessionID = sessionID
	return ev
}

// TaskEvent builds a task:status event
func TaskEvent(slug, sessionID string, task *v1.Task) *v1.Event {
	ev := SessionEvent(TaskStatus, slug, sessionID, map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
		"retries": task.Retries,
		"tier":    string(task.Tier),
	})
	ev.TaskID = task.ID
	return ev
}

// AgentEvent builds an agent:status event
func AgentEvent(slug string, a *v1.Agent) *v1.Event {
	data := map[string]any{
		"agent_id":   a.ID,
		"task_id":    a.TaskID,
		"status":     string(a.Status),
		"model":      a.Model,
		"model_tier": string(a.Tier),
		"multiplier": a.Multiplier,
	}
	if a.Reason != "" {
		data["reason"] = a.Reason
	}
	ev := SessionEvent(AgentStatus, slug, a.SessionID, data)
	ev.TaskID = a.TaskID
	ev.AgentID = a.ID
	return ev
}

// OutputEvent builds an agent:output event carrying a raw chunk.
// Output events are never recorded to session timelines.
func OutputEvent(slug, sessionID, agentID string, chunk []byte) *v1.Event {
	ev := SessionEvent(AgentOutput, slug, sessionID, map[string]any{
		"agent_id": agentID,
		"chunk":    string(chunk),
	})
	ev.AgentID = agentID
	return ev
}

// Recorded reports whether events of the given kind belong in a
// session timeline. Pure output chunks are excluded.
func Recorded(kind string) bool {
	return kind != AgentOutput
}
