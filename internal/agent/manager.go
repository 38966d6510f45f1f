package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

const outputChunkSize = 4096

// Manager owns the worker subprocesses of one session. It selects
// models from the tier table, captures and caps output, accounts cost
// and guarantees every child is reaped.
type Manager struct {
	backend backend.Backend
	cfg     config.AgentsConfig
	bus     *bus.Broadcaster
	logger  *logger.Logger

	slug      string
	sessionID string

	mu       sync.RWMutex
	agents   map[string]*v1.Agent
	byTask   map[string][]string
	children map[string]backend.Child
	reserved map[string]int
	cost     v1.CostSummary
	closed   bool
}

// NewManager creates an agent manager for one session.
func NewManager(b backend.Backend, cfg config.AgentsConfig, eventBus *bus.Broadcaster, log *logger.Logger, slug, sessionID string) *Manager {
	return &Manager{
		backend:   b,
		cfg:       cfg,
		bus:       eventBus,
		logger:    log.WithSessionID(sessionID).WithFields(zap.String("component", "agent-manager")),
		slug:      slug,
		sessionID: sessionID,
		agents:    make(map[string]*v1.Agent),
		byTask:    make(map[string][]string),
		children:  make(map[string]backend.Child),
		reserved:  make(map[string]int),
		cost:      v1.NewCostSummary(),
	}
}

// PeekModel returns the tier and model the next attempt at the task
// would use, without spawning. The runner uses the multiplier for cost
// admission.
func (m *Manager) PeekModel(task *v1.Task, escalate bool) (v1.ModelTier, config.ModelSpec, error) {
	return SelectModel(m.cfg.Tiers, task.Tier, task.Retries, escalate)
}

// Reserve accounts the next attempt at the task against the ceiling in
// one critical section. An admitted attempt is debited up front and the
// matching Run consumes the reservation instead of debiting again, so
// two concurrent admissions cannot both squeeze under the ceiling. A
// nil ceiling always admits; free-tier attempts never count against it.
func (m *Manager) Reserve(task *v1.Task, escalate bool, ceiling *float64) (bool, float64, error) {
	tier, spec, err := m.PeekModel(task, escalate)
	if err != nil {
		return false, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	projected := m.cost.TotalPremiumRequests + spec.Multiplier
	if ceiling != nil && spec.Multiplier > 0 && projected > *ceiling {
		return false, projected, nil
	}
	m.cost.Add(tier, spec.Multiplier)
	m.reserved[task.ID]++
	return true, projected, nil
}

// Cost returns a copy of the running cost summary.
func (m *Manager) Cost() v1.CostSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.cost
	out.PerTier = make(map[v1.ModelTier]int, len(m.cost.PerTier))
	for k, v := range m.cost.PerTier {
		out.PerTier[k] = v
	}
	return out
}

// Snapshot returns a copy of all agent records keyed by agent ID.
func (m *Manager) Snapshot() map[string]*v1.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*v1.Agent, len(m.agents))
	for id, a := range m.agents {
		cp := *a
		out[id] = &cp
	}
	return out
}

// LastSummary returns the summary of the most recent terminal attempt
// at the task, or nil.
func (m *Manager) LastSummary(taskID string) *v1.AgentSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byTask[taskID]
	for i := len(ids) - 1; i >= 0; i-- {
		if a := m.agents[ids[i]]; a != nil && a.Summary != nil {
			return a.Summary
		}
	}
	return nil
}

// Running returns the number of live children.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.children)
}

// Run spawns one attempt at the task and blocks until the child exits,
// times out or the context is cancelled. The returned agent record is
// always terminal.
func (m *Manager) Run(ctx context.Context, task *v1.Task, prompt, workDir string, escalate bool) (*v1.Agent, error) {
	tier, spec, err := m.PeekModel(task, escalate)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		if m.reserved[task.ID] > 0 {
			m.reserved[task.ID]--
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("agent manager closed")
	}
	agent := &v1.Agent{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		SessionID:  m.sessionID,
		Model:      spec.Model,
		Tier:       tier,
		Multiplier: spec.Multiplier,
		Status:     v1.AgentStatusRunning,
		Retries:    task.Retries,
		StartedAt:  time.Now().UTC(),
	}
	m.agents[agent.ID] = agent
	m.byTask[task.ID] = append(m.byTask[task.ID], agent.ID)
	if m.reserved[task.ID] > 0 {
		m.reserved[task.ID]--
	} else {
		m.cost.Add(tier, spec.Multiplier)
	}
	m.mu.Unlock()

	m.bus.Broadcast(protocol.AgentEvent(m.slug, agent))

	child, err := m.backend.Spawn(ctx, &backend.SpawnRequest{
		TaskID:  task.ID,
		Prompt:  prompt,
		WorkDir: workDir,
		Model:   spec.Model,
		Env:     backend.CredentialEnv(),
	})
	if err != nil {
		m.finish(agent, v1.AgentStatusFailed, nil, fmt.Sprintf("spawn failed: %v", err), "")
		return agent, nil
	}

	m.mu.Lock()
	m.children[agent.ID] = child
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.children, agent.ID)
		m.mu.Unlock()
	}()

	output := m.stream(agent.ID, child)

	type waitResult struct {
		code int
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, werr := child.Wait()
		waitCh <- waitResult{code, werr}
	}()

	timeout := m.cfg.AgentTimeoutDuration()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		status v1.AgentStatus
		reason string
		code   int
	)
	select {
	case res := <-waitCh:
		code = res.code
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		switch {
		case res.err != nil:
			status, reason = v1.AgentStatusFailed, fmt.Sprintf("wait failed: %v", res.err)
		case closed && code != 0:
			status, reason = v1.AgentStatusKilled, "killed"
		case code == 0:
			status = v1.AgentStatusSuccess
		default:
			status, reason = v1.AgentStatusFailed, fmt.Sprintf("exit code %d", code)
		}
	case <-timer.C:
		m.terminate(child)
		res := <-waitCh
		code = res.code
		status = v1.AgentStatusTimeout
		reason = fmt.Sprintf("Agent timed out after %d minutes", int(timeout.Minutes()))
	case <-ctx.Done():
		m.terminate(child)
		res := <-waitCh
		code = res.code
		status = v1.AgentStatusKilled
		reason = "killed"
	}

	raw := output.wait()
	m.finish(agent, status, &code, reason, raw)
	return agent, nil
}

// terminate asks the child to stop, escalating to a hard kill after
// the grace window.
func (m *Manager) terminate(child backend.Child) {
	_ = child.Signal(syscall.SIGTERM)
	grace := m.cfg.KillGraceDuration()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.AfterFunc(grace, func() { _ = child.Kill() })
	_ = timer // fires only if the child ignores SIGTERM; Kill is idempotent
}

// KillAll terminates every live child: SIGTERM, grace window, SIGKILL.
// It blocks until the children have been reaped and returns how many
// were signalled. Calls after the first return 0.
func (m *Manager) KillAll() int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	m.closed = true
	children := make([]backend.Child, 0, len(m.children))
	for _, c := range m.children {
		children = append(children, c)
	}
	m.mu.Unlock()

	if len(children) == 0 {
		return 0
	}
	for _, c := range children {
		_ = c.Signal(syscall.SIGTERM)
	}

	grace := m.cfg.KillGraceDuration()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if !m.awaitDrain(grace) {
		m.mu.RLock()
		for _, c := range m.children {
			_ = c.Kill()
		}
		m.mu.RUnlock()
		m.awaitDrain(grace)
	}

	m.logger.Info("Killed live agents", zap.Int("count", len(children)))
	return len(children)
}

// awaitDrain polls until every child has been reaped or the deadline
// passes.
func (m *Manager) awaitDrain(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if m.Running() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return m.Running() == 0
}

// finish marks the agent terminal, summarizes output and broadcasts
// the final status.
func (m *Manager) finish(agent *v1.Agent, status v1.AgentStatus, code *int, reason, raw string) {
	now := time.Now().UTC()

	m.mu.Lock()
	agent.Status = status
	agent.Reason = reason
	agent.FinishedAt = &now
	agent.ExitCode = code
	agent.Output = raw
	agent.Summary = Summarize(raw)
	m.mu.Unlock()

	m.logger.WithTaskID(agent.TaskID).WithAgentID(agent.ID).Info("Agent finished",
		zap.String("status", string(status)),
		zap.String("model", agent.Model),
		zap.String("reason", reason),
	)
	m.bus.Broadcast(protocol.AgentEvent(m.slug, agent))
}

// outputCapture accumulates a capped transcript from both streams.
type outputCapture struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated bool
	wg        sync.WaitGroup
}

func (o *outputCapture) append(chunk []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return
	}
	room := o.cap - len(o.buf)
	if room <= 0 {
		o.truncated = true
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		o.truncated = true
	}
	o.buf = append(o.buf, chunk...)
}

func (o *outputCapture) wait() string {
	o.wg.Wait()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return string(o.buf) + "\n...[output truncated]"
	}
	return string(o.buf)
}

// stream pumps stdout and stderr into the capture buffer and onto the
// bus as agent:output chunks.
func (m *Manager) stream(agentID string, child backend.Child) *outputCapture {
	out := &outputCapture{cap: m.cfg.OutputCap}
	if out.cap <= 0 {
		out.cap = 1024 * 1024
	}

	pump := func(r io.Reader) {
		defer out.wg.Done()
		buf := make([]byte, outputChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out.append(chunk)
				m.bus.Broadcast(protocol.OutputEvent(m.slug, m.sessionID, agentID, chunk))
			}
			if err != nil {
				return
			}
		}
	}

	out.wg.Add(2)
	go pump(child.Stdout())
	go pump(child.Stderr())
	return out
}
