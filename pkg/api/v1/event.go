package v1

import (
	"time"

	"github.com/google/uuid"
)

// Event is a message on the hAIvemind event bus. Kind is one of the
// protocol event kinds. ProjectSlug scopes delivery; events without a
// resolvable project are delivered globally.
type Event struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	ProjectSlug string         `json:"project_slug,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a UUID and current timestamp
func NewEvent(kind string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
