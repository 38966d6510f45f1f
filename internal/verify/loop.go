// Package verify runs the bounded verify-fix loop after a plan
// drains: invoke the verifier, spawn one fix agent per reported
// follow-up task, repeat up to three rounds.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haivemind/haivemind/internal/agent"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// MaxRounds bounds the verify-fix iteration.
const MaxRounds = 3

// Loop drives verification for one session.
type Loop struct {
	verifier oracle.Verifier
	manager  *agent.Manager
	bus      *bus.Broadcaster
	logger   *logger.Logger
	state    sync.Locker

	slug      string
	sessionID string
	workDir   string
}

// Outcome summarizes the loop's final state.
type Outcome struct {
	Passed       bool     `json:"passed"`
	Rounds       int      `json:"rounds"`
	Issues       []string `json:"issues,omitempty"`
	TestsFailing bool     `json:"tests_failing,omitempty"`
}

// New creates a verify-fix loop for one session. The state locker
// guards plan mutations against concurrent checkpoint snapshots; nil
// means the loop locks privately.
func New(verifier oracle.Verifier, manager *agent.Manager, eventBus *bus.Broadcaster, log *logger.Logger, slug, sessionID, workDir string, state sync.Locker) *Loop {
	if state == nil {
		state = &sync.Mutex{}
	}
	return &Loop{
		verifier:  verifier,
		manager:   manager,
		bus:       eventBus,
		logger:    log.WithSessionID(sessionID).WithFields(zap.String("component", "verify")),
		state:     state,
		slug:      slug,
		sessionID: sessionID,
		workDir:   workDir,
	}
}

// Run iterates verify and fix rounds until the verifier passes or
// MaxRounds is spent. Fix tasks are appended to the plan so they show
// up in the session record. A still-failing final round does not fail
// the session; the terminal verify:status event marks it.
func (l *Loop) Run(ctx context.Context, plan *v1.Plan, skills *v1.Skills) (*Outcome, error) {
	outcome := &Outcome{}

	for round := 1; round <= MaxRounds; round++ {
		outcome.Rounds = round
		l.publish(map[string]any{"status": "running", "round": round})

		report := l.verify(ctx, plan, skills)
		outcome.Issues = report.Issues
		outcome.TestsFailing = report.TestsFailing

		if report.Passed {
			outcome.Passed = true
			l.publish(map[string]any{"status": "passed", "round": round})
			return outcome, nil
		}

		l.logger.Info("Verification failed",
			zap.Int("round", round),
			zap.Int("issues", len(report.Issues)),
			zap.Int("follow_ups", len(report.FollowUpTasks)),
		)
		l.publish(map[string]any{"status": "fixing", "round": round, "issues": report.Issues})

		// the final round still runs its fixes, without re-verifying
		if len(report.FollowUpTasks) > 0 {
			if err := l.fix(ctx, plan, report.FollowUpTasks, round); err != nil {
				return outcome, err
			}
		}
	}

	l.publish(map[string]any{"status": "failed", "issues": outcome.Issues})
	return outcome, nil
}

// verify invokes the oracle, mapping timeouts and errors to a failing
// report.
func (l *Loop) verify(ctx context.Context, plan *v1.Plan, skills *v1.Skills) *oracle.VerifyReport {
	report, err := l.verifier.Verify(ctx, &oracle.VerifyRequest{
		Plan:    plan,
		WorkDir: l.workDir,
		Skills:  skills,
	})
	if err != nil {
		if errors.Is(err, oracle.ErrTimeout) {
			return &oracle.VerifyReport{Passed: false, Issues: []string{"Verification timed out"}}
		}
		return &oracle.VerifyReport{Passed: false, Issues: []string{fmt.Sprintf("verifier error: %v", err)}}
	}
	return report
}

// fix spawns one agent per follow-up task, all in parallel, and waits
// for every fix attempt to finish.
func (l *Loop) fix(ctx context.Context, plan *v1.Plan, followUps []*v1.Task, round int) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, fix := range followUps {
		fix := fix
		l.state.Lock()
		if fix.ID == "" {
			fix.ID = fmt.Sprintf("fix-%d-%d", round, i+1)
		}
		if fix.Tier == "" {
			fix.Tier = v1.TierT1
		}
		fix.Retries = 0
		fix.Status = v1.TaskStatusRunning
		plan.Tasks = append(plan.Tasks, fix)
		l.state.Unlock()
		l.bus.Broadcast(protocol.TaskEvent(l.slug, l.sessionID, fix))

		g.Go(func() error {
			prompt := fix.Prompt
			if prompt == "" {
				prompt = fix.Label
			}
			a, err := l.manager.Run(ctx, fix, prompt, l.workDir, false)
			if err != nil {
				return err
			}
			l.state.Lock()
			if a.Status == v1.AgentStatusSuccess {
				fix.Status = v1.TaskStatusDone
			} else {
				fix.Status = v1.TaskStatusFailed
				fix.Reason = a.Reason
			}
			l.state.Unlock()
			l.bus.Broadcast(protocol.TaskEvent(l.slug, l.sessionID, fix))
			return nil
		})
	}
	return g.Wait()
}

func (l *Loop) publish(data map[string]any) {
	l.bus.Broadcast(protocol.SessionEvent(protocol.VerifyStatus, l.slug, l.sessionID, data))
}
