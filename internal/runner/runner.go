package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/agent"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Runner executes one plan: tasks start when their dependencies are
// done, bounded by maxConcurrency, with retry escalation on failure
// and cost-ceiling admission before each premium spawn.
type Runner struct {
	plan    *v1.Plan
	manager *agent.Manager
	bus     *bus.Broadcaster
	logger  *logger.Logger
	locks   *workspace.LockRegistry
	state   sync.Locker

	slug            string
	sessionID       string
	workDir         string
	settings        v1.Settings
	serializeWrites bool
}

// Options configures a runner for one session.
type Options struct {
	Plan            *v1.Plan
	Manager         *agent.Manager
	Bus             *bus.Broadcaster
	Logger          *logger.Logger
	Locks           *workspace.LockRegistry
	ProjectSlug          string
	SessionID            string
	WorkDir              string
	Settings             v1.Settings
	AllowConcurrentWrite bool

	// State guards task mutations. The session service passes the live
	// session's lock so checkpoint snapshots see consistent plans.
	State sync.Locker
}

// Result summarizes a drained plan.
type Result struct {
	FailedTasks  []string       `json:"failed_tasks"`
	SkippedTasks []string       `json:"skipped_tasks"`
	Cost         v1.CostSummary `json:"cost_summary"`
}

// New creates a runner.
func New(opts Options) *Runner {
	settings := opts.Settings
	if settings.MaxConcurrency < 1 {
		settings.MaxConcurrency = 1
	}
	state := opts.State
	if state == nil {
		state = &sync.Mutex{}
	}
	return &Runner{
		plan:            opts.Plan,
		manager:         opts.Manager,
		bus:             opts.Bus,
		logger:          opts.Logger.WithSessionID(opts.SessionID).WithFields(zap.String("component", "runner")),
		locks:           opts.Locks,
		state:           state,
		slug:            opts.ProjectSlug,
		sessionID:       opts.SessionID,
		workDir:         opts.WorkDir,
		settings:        settings,
		serializeWrites: !opts.AllowConcurrentWrite,
	}
}

type attemptResult struct {
	task  *v1.Task
	agent *v1.Agent
}

// Run drains the plan. It returns once every task is terminal, or, on
// cancellation, once every in-flight child has exited.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ValidatePlan(r.plan); err != nil {
		return nil, err
	}

	results := make(chan attemptResult)
	running := 0
	cancelled := false

	for {
		if !cancelled {
			for running < r.settings.MaxConcurrency {
				task := r.nextReady()
				if task == nil {
					break
				}
				if !r.admit(task) {
					continue
				}
				r.start(task)
				r.dispatch(ctx, task, results)
				running++
			}
		}
		if running == 0 {
			break
		}
		select {
		case res := <-results:
			running--
			r.handle(res, cancelled)
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				r.manager.KillAll()
			}
		}
	}

	result := &Result{Cost: r.manager.Cost()}
	for _, t := range r.plan.Tasks {
		switch t.Status {
		case v1.TaskStatusFailed:
			result.FailedTasks = append(result.FailedTasks, t.ID)
		case v1.TaskStatusSkipped:
			result.SkippedTasks = append(result.SkippedTasks, t.ID)
		}
	}
	if cancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// nextReady returns the first plan-order task whose dependencies are
// all done. Nil when nothing is dispatchable.
func (r *Runner) nextReady() *v1.Task {
	for _, t := range r.plan.Tasks {
		if t.Status != v1.TaskStatusPending && t.Status != v1.TaskStatusReady {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if r.plan.Task(dep).Status != v1.TaskStatusDone {
				ready = false
				break
			}
		}
		if ready {
			return t
		}
	}
	return nil
}

// admit reserves the attempt's cost with the manager before a spawn. A
// premium attempt that would push the total past the ceiling fails the
// task without spawning; hitting the ceiling exactly is allowed.
func (r *Runner) admit(task *v1.Task) bool {
	ok, projected, err := r.manager.Reserve(task, r.settings.Escalation, r.settings.CostCeiling)
	if err != nil {
		r.fail(task, err.Error())
		return false
	}
	if ok {
		return true
	}

	msg := fmt.Sprintf("task %s refused: %.1f premium requests would exceed ceiling %.1f",
		task.ID, projected, *r.settings.CostCeiling)
	r.logger.WithTaskID(task.ID).Warn("Cost ceiling reached", zap.Float64("ceiling", *r.settings.CostCeiling))
	r.bus.Broadcast(protocol.SessionEvent(protocol.SessionWarning, r.slug, r.sessionID, map[string]any{
		"type":    protocol.WarningCostCeiling,
		"message": msg,
		"task_id": task.ID,
	}))
	r.fail(task, "cost ceiling exceeded")
	return false
}

// start marks an admitted task running. Tasks refused by admission
// never surface a running status.
func (r *Runner) start(task *v1.Task) {
	r.state.Lock()
	task.Status = v1.TaskStatusRunning
	r.state.Unlock()
	r.bus.Broadcast(protocol.TaskEvent(r.slug, r.sessionID, task))
}

// dispatch runs one attempt in its own goroutine, serializing on the
// workDir lock unless concurrent writes are allowed.
func (r *Runner) dispatch(ctx context.Context, task *v1.Task, results chan<- attemptResult) {
	prompt := task.Prompt
	if prompt == "" {
		prompt = task.Label
	}
	if task.Retries > 0 {
		if prev := agent.EscalationContext(r.manager.LastSummary(task.ID)); prev != "" {
			prompt = prompt + "\n\n" + prev
		}
	}

	go func() {
		if r.serializeWrites && r.locks != nil {
			release := r.locks.Acquire(r.workDir)
			defer release()
		}
		a, err := r.manager.Run(ctx, task, prompt, r.workDir, r.settings.Escalation)
		if err != nil {
			a = &v1.Agent{
				TaskID: task.ID, SessionID: r.sessionID,
				Status: v1.AgentStatusFailed, Reason: err.Error(),
			}
		}
		results <- attemptResult{task: task, agent: a}
	}()
}

// handle applies one terminal attempt to the task state machine.
func (r *Runner) handle(res attemptResult, cancelled bool) {
	task, a := res.task, res.agent

	if a.Status == v1.AgentStatusSuccess {
		r.state.Lock()
		task.Status = v1.TaskStatusDone
		task.Reason = ""
		r.state.Unlock()
		r.bus.Broadcast(protocol.TaskEvent(r.slug, r.sessionID, task))
		return
	}

	if cancelled {
		// leave the task incomplete so an interrupted session can resume it
		r.state.Lock()
		task.Status = v1.TaskStatusPending
		r.state.Unlock()
		return
	}

	r.state.Lock()
	task.Retries++
	retry := task.Retries <= r.settings.MaxRetriesTotal
	if retry {
		task.Status = v1.TaskStatusPending
	}
	r.state.Unlock()
	if retry {
		r.logger.WithTaskID(task.ID).Info("Retrying task",
			zap.Int("retries", task.Retries),
			zap.String("last_status", string(a.Status)),
		)
		r.bus.Broadcast(protocol.TaskEvent(r.slug, r.sessionID, task))
		return
	}

	reason := a.Reason
	if reason == "" {
		reason = "retries exhausted"
	}
	r.fail(task, reason)
}

// fail marks a task failed and skips its transitive dependents.
func (r *Runner) fail(task *v1.Task, reason string) {
	r.state.Lock()
	task.Status = v1.TaskStatusFailed
	task.Reason = reason
	var skipped []*v1.Task
	for _, id := range Descendants(r.plan, task.ID) {
		dep := r.plan.Task(id)
		if dep.Status.Terminal() || dep.Status == v1.TaskStatusRunning {
			continue
		}
		dep.Status = v1.TaskStatusSkipped
		dep.Reason = fmt.Sprintf("dependency %s failed", task.ID)
		skipped = append(skipped, dep)
	}
	r.state.Unlock()

	r.logger.WithTaskID(task.ID).Warn("Task failed", zap.String("reason", reason))
	r.bus.Broadcast(protocol.TaskEvent(r.slug, r.sessionID, task))

	ids := make([]string, 0, len(skipped))
	for _, dep := range skipped {
		ids = append(ids, dep.ID)
		r.bus.Broadcast(protocol.TaskEvent(r.slug, r.sessionID, dep))
	}
	if len(ids) > 0 {
		r.logger.Info("Skipped dependents", zap.String("of", task.ID), zap.String("tasks", strings.Join(ids, ",")))
	}
}
