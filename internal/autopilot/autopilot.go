// Package autopilot chains sessions: it asks the follow-up planner for
// the next prompt, runs a session, and stops when a budget or quality
// condition trips.
package autopilot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/errors"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/session"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// DefaultMaxCycles bounds the outer loop when the caller does not.
const DefaultMaxCycles = 3

// Inputs configure one autopilot run.
type Inputs struct {
	MaxCycles    int      `json:"max_cycles"`
	CostCeiling  *float64 `json:"cost_ceiling,omitempty"`
	RequireTests bool     `json:"require_tests"`
}

// Status reports an autopilot run's progress.
type Status struct {
	Running    bool   `json:"running"`
	Cycle      int    `json:"cycle"`
	LastPrompt string `json:"last_prompt,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type run struct {
	cancel context.CancelFunc
	status Status
	done   chan struct{}
}

// Autopilot manages at most one outer loop per project.
type Autopilot struct {
	service *session.Service
	planner oracle.Planner
	store   *workspace.Store
	bus     *bus.Broadcaster
	logger  *logger.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an autopilot controller.
func New(svc *session.Service, planner oracle.Planner, store *workspace.Store, eventBus *bus.Broadcaster, log *logger.Logger) *Autopilot {
	return &Autopilot{
		service: svc,
		planner: planner,
		store:   store,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "autopilot")),
		runs:    make(map[string]*run),
	}
}

// Start launches the loop for a project. A project runs one loop at a
// time.
func (a *Autopilot) Start(ctx context.Context, slug string, inputs Inputs) error {
	if _, err := a.store.GetProject(slug); err != nil {
		return err
	}
	if inputs.MaxCycles <= 0 {
		inputs.MaxCycles = DefaultMaxCycles
	}

	a.mu.Lock()
	if r, ok := a.runs[slug]; ok && r.status.Running {
		a.mu.Unlock()
		return errors.Conflict("autopilot already running for project")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, status: Status{Running: true}, done: make(chan struct{})}
	a.runs[slug] = r
	a.mu.Unlock()

	go a.loop(ctx, slug, inputs, r)
	return nil
}

// Stop fires the external stop signal for a project's loop.
func (a *Autopilot) Stop(slug string) error {
	a.mu.Lock()
	r, ok := a.runs[slug]
	a.mu.Unlock()
	if !ok || !r.status.Running {
		return errors.NotFound("autopilot run", slug)
	}
	r.cancel()
	return nil
}

// Status returns the loop state for a project.
func (a *Autopilot) Status(slug string) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.runs[slug]; ok {
		return r.status
	}
	return Status{}
}

// Wait blocks until the project's loop finishes. Used by the CLI.
func (a *Autopilot) Wait(slug string) {
	a.mu.Lock()
	r, ok := a.runs[slug]
	a.mu.Unlock()
	if ok {
		<-r.done
	}
}

func (a *Autopilot) loop(ctx context.Context, slug string, inputs Inputs, r *run) {
	defer close(r.done)
	log := a.logger.WithProject(slug)

	a.publish(protocol.AutopilotStarted, slug, map[string]any{
		"project_slug": slug,
		"max_cycles":   inputs.MaxCycles,
	})

	var (
		last       *v1.Session
		cumulative float64
		reason     string
	)
	if sessions, err := a.store.ListSessions(slug); err == nil && len(sessions) > 0 {
		last = sessions[0]
	}

	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			reason = "stopped by user"
			break
		}
		if cycle > inputs.MaxCycles {
			reason = fmt.Sprintf("reached max cycles (%d)", inputs.MaxCycles)
			break
		}

		skills, _ := a.store.GetSkills(slug)
		decision, err := a.planner.NextPrompt(ctx, &oracle.PlanRequest{
			ProjectSlug: slug,
			Cycle:       cycle,
			LastSession: last,
			Skills:      &skills,
		})
		if err != nil {
			reason = fmt.Sprintf("planner failed: %v", err)
			break
		}
		if !decision.Continue {
			reason = decision.Reason
			break
		}

		a.setStatus(slug, func(s *Status) {
			s.Cycle = cycle
			s.LastPrompt = decision.Prompt
		})
		log.Info("Autopilot cycle", zap.Int("cycle", cycle), zap.String("prompt", decision.Prompt))

		sess, err := a.service.Start(ctx, slug, decision.Prompt)
		if err != nil {
			reason = fmt.Sprintf("session start failed: %v", err)
			break
		}
		a.publish(protocol.AutopilotCycle, slug, map[string]any{
			"project_slug": slug,
			"cycle":        cycle,
			"session_id":   sess.ID,
			"decision":     decision.Prompt,
		})

		last = sess
		cumulative += sess.Cost.TotalPremiumRequests

		if sess.Status == v1.SessionStatusFailed {
			reason = "last session failed"
			break
		}
		if sess.Status == v1.SessionStatusInterrupted {
			reason = "session interrupted"
			break
		}
		if inputs.CostCeiling != nil && cumulative > *inputs.CostCeiling {
			reason = fmt.Sprintf("cost ceiling exceeded (%.1f > %.1f)", cumulative, *inputs.CostCeiling)
			break
		}
		if inputs.RequireTests && verifyFailed(sess) {
			reason = "verifier reported failing tests"
			break
		}
	}

	a.setStatus(slug, func(s *Status) {
		s.Running = false
		s.StopReason = reason
	})
	a.publish(protocol.AutopilotStopped, slug, map[string]any{
		"project_slug": slug,
		"reason":       reason,
	})
	log.Info("Autopilot stopped", zap.String("reason", reason))
}

// verifyFailed reports whether the session's timeline carries a
// terminal verify:status failure.
func verifyFailed(sess *v1.Session) bool {
	for i := len(sess.Timeline) - 1; i >= 0; i-- {
		ev := sess.Timeline[i]
		if ev.Kind != protocol.VerifyStatus {
			continue
		}
		if status, _ := ev.Data["status"].(string); status == "failed" {
			return true
		}
		if status, _ := ev.Data["status"].(string); status == "passed" {
			return false
		}
	}
	return false
}

func (a *Autopilot) setStatus(slug string, mutate func(*Status)) {
	a.mu.Lock()
	if r, ok := a.runs[slug]; ok {
		mutate(&r.status)
	}
	a.mu.Unlock()
}

func (a *Autopilot) publish(kind, slug string, data map[string]any) {
	ev := v1.NewEvent(kind, data)
	ev.ProjectSlug = slug
	a.bus.Broadcast(ev)
}
