// Package session hosts the per-prompt orchestration flow and the
// registry of live sessions.
package session

import (
	"context"
	"sync"

	"github.com/haivemind/haivemind/internal/agent"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// liveSession couples a session record with its runtime handles.
type liveSession struct {
	mu      sync.Mutex
	session *v1.Session
	manager *agent.Manager
	cancel  context.CancelFunc
}

// Registry tracks live sessions. It doubles as the event bus's project
// resolver and timeline recorder, and as the checkpoint source.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*liveSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*liveSession)}
}

func (r *Registry) register(sess *v1.Session, manager *agent.Manager, cancel context.CancelFunc) *liveSession {
	ls := &liveSession{session: sess, manager: manager, cancel: cancel}
	r.mu.Lock()
	r.live[sess.ID] = ls
	r.mu.Unlock()
	return ls
}

func (r *Registry) unregister(sessionID string) {
	r.mu.Lock()
	delete(r.live, sessionID)
	r.mu.Unlock()
}

func (r *Registry) get(sessionID string) *liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[sessionID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Live returns snapshots of all live session records.
func (r *Registry) Live() []*v1.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.Session, 0, len(r.live))
	for _, ls := range r.live {
		ls.mu.Lock()
		cp := *ls.session
		cp.Plan = ls.session.Plan.Clone()
		cp.Timeline = append([]*v1.Event(nil), ls.session.Timeline...)
		ls.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// LiveForProject reports whether the project has a live session.
func (r *Registry) LiveForProject(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ls := range r.live {
		if ls.session.ProjectSlug == slug {
			return true
		}
	}
	return false
}

// CancelAll fires every live session's cancellation token.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ls := range r.live {
		ls.cancel()
	}
}

// ResolveProject maps an event to its owning project via the live
// session index.
func (r *Registry) ResolveProject(ev *v1.Event) string {
	if ev.SessionID == "" {
		return ""
	}
	if ls := r.get(ev.SessionID); ls != nil {
		return ls.session.ProjectSlug
	}
	return ""
}

// Record appends the event to the owning session's timeline ring
// buffer, evicting the oldest entry at capacity.
func (r *Registry) Record(ev *v1.Event) {
	if ev.SessionID == "" {
		return
	}
	ls := r.get(ev.SessionID)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	ls.session.Timeline = append(ls.session.Timeline, ev)
	if n := len(ls.session.Timeline); n > v1.TimelineCap {
		ls.session.Timeline = ls.session.Timeline[n-v1.TimelineCap:]
	}
	ls.mu.Unlock()
}

// LiveCheckpoints serializes every live session for the checkpoint
// service. The plan is deep-copied under the session lock; the runner
// keeps mutating its tasks while the checkpoint is written out.
func (r *Registry) LiveCheckpoints() []*v1.Checkpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.Checkpoint, 0, len(r.live))
	for _, ls := range r.live {
		ls.mu.Lock()
		sess := ls.session
		cp := &v1.Checkpoint{
			SessionID:   sess.ID,
			ProjectSlug: sess.ProjectSlug,
			Prompt:      sess.Prompt,
			Plan:        sess.Plan.Clone(),
			Timeline:    append([]*v1.Event(nil), sess.Timeline...),
			CostSummary: sess.Cost,
			WorkDir:     sess.WorkDir,
		}
		if ls.manager != nil {
			cp.Agents = ls.manager.Snapshot()
			cp.CostSummary = ls.manager.Cost()
		}
		ls.mu.Unlock()
		out = append(out, cp)
	}
	return out
}
