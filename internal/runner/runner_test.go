package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/agent"
	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/errors"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

func linearPlan(ids ...string) *v1.Plan {
	plan := &v1.Plan{}
	for i, id := range ids {
		task := &v1.Task{ID: id, Label: id, Status: v1.TaskStatusPending, Tier: v1.TierT1}
		if i > 0 {
			task.Dependencies = []string{ids[i-1]}
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	plan.DeriveEdges()
	return plan
}

func independentPlan(ids ...string) *v1.Plan {
	plan := &v1.Plan{}
	for _, id := range ids {
		plan.Tasks = append(plan.Tasks, &v1.Task{ID: id, Label: id, Status: v1.TaskStatusPending, Tier: v1.TierT1})
	}
	return plan
}

type runnerFixture struct {
	runner  *Runner
	mock    *backend.MockBackend
	manager *agent.Manager
	bus     *bus.Broadcaster
	sink    *eventSink
}

type eventSink struct{ ch chan *v1.Event }

func (s *eventSink) Send(ev *v1.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *eventSink) drain() []*v1.Event {
	var out []*v1.Event
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newFixture(t *testing.T, plan *v1.Plan, settings v1.Settings, tiers map[v1.ModelTier][]config.ModelSpec) *runnerFixture {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	eventBus := bus.New(log)
	sink := &eventSink{ch: make(chan *v1.Event, 1024)}
	eventBus.Subscribe(sink, "p1")

	if tiers == nil {
		tiers = config.DefaultTiers()
	}
	cfg := config.AgentsConfig{AgentTimeout: 60, KillGrace: 1, OutputCap: 1 << 20, Tiers: tiers}
	mock := backend.NewMockBackend()
	manager := agent.NewManager(mock, cfg, eventBus, log, "p1", "sess-1")

	r := New(Options{
		Plan:        plan,
		Manager:     manager,
		Bus:         eventBus,
		Logger:      log,
		Locks:       nil,
		ProjectSlug: "p1",
		SessionID:   "sess-1",
		WorkDir:     t.TempDir(),
		Settings:    settings,
	})
	// tests run without a shared lock registry unless they need one
	r.serializeWrites = false

	return &runnerFixture{runner: r, mock: mock, manager: manager, bus: eventBus, sink: sink}
}

func defaultSettings() v1.Settings {
	return v1.Settings{MaxConcurrency: 3, MaxRetriesTotal: 3, Escalation: true}
}

func TestRunLinearChainHappyPath(t *testing.T) {
	plan := linearPlan("t1", "t2", "t3", "t4")
	f := newFixture(t, plan, defaultSettings(), nil)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.FailedTasks)
	assert.Empty(t, result.SkippedTasks)
	assert.Equal(t, 4, result.Cost.TotalAgents)
	for _, task := range plan.Tasks {
		assert.Equal(t, v1.TaskStatusDone, task.Status)
	}
}

func TestRunRetriesWithTierEscalation(t *testing.T) {
	plan := linearPlan("t1")
	f := newFixture(t, plan, defaultSettings(), nil)
	f.mock.FailTask("t1", 2)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.FailedTasks)
	assert.Equal(t, v1.TaskStatusDone, plan.Tasks[0].Status)
	assert.Equal(t, 3, f.mock.Attempts("t1"))

	// agent:status terminal events carry the escalating model sequence
	var models []string
	for _, ev := range f.sink.drain() {
		if ev.Kind != protocol.AgentStatus {
			continue
		}
		if status, _ := ev.Data["status"].(string); status == "running" {
			continue
		}
		models = append(models, ev.Data["model"].(string))
	}
	assert.Equal(t, []string{"copilot/gpt-5-mini", "copilot/gpt-5", "copilot/claude-sonnet-4.5"}, models)
}

func TestRunRetriesExhaustedSkipsDescendants(t *testing.T) {
	plan := linearPlan("t1", "t2", "t3")
	settings := defaultSettings()
	settings.MaxRetriesTotal = 1
	f := newFixture(t, plan, settings, nil)
	f.mock.FailTask("t1", 10)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, result.FailedTasks)
	assert.Equal(t, []string{"t2", "t3"}, result.SkippedTasks)
	assert.Equal(t, 2, f.mock.Attempts("t1"), "one attempt plus one retry")
	assert.Equal(t, v1.TaskStatusSkipped, plan.Tasks[1].Status)
	assert.Contains(t, plan.Tasks[1].Reason, "t1")
}

func TestRunCostCeiling(t *testing.T) {
	// every attempt costs one premium request; ceiling admits exactly two
	tiers := map[v1.ModelTier][]config.ModelSpec{
		v1.TierT1: {{Model: "copilot/gpt-5", Multiplier: 1}},
	}
	plan := independentPlan("t1", "t2", "t3", "t4")
	ceiling := 2.0
	settings := v1.Settings{CostCeiling: &ceiling, MaxConcurrency: 2, MaxRetriesTotal: 0, Escalation: true}
	f := newFixture(t, plan, settings, tiers)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"t3", "t4"}, result.FailedTasks)
	assert.Equal(t, 2, result.Cost.TotalAgents)
	assert.Equal(t, 2.0, result.Cost.TotalPremiumRequests)
	assert.Equal(t, v1.TaskStatusDone, plan.Tasks[0].Status)
	assert.Equal(t, v1.TaskStatusDone, plan.Tasks[1].Status)
	assert.Equal(t, "cost ceiling exceeded", plan.Tasks[2].Reason)

	var warnings int
	statuses := map[string][]string{}
	for _, ev := range f.sink.drain() {
		switch ev.Kind {
		case protocol.SessionWarning:
			if ev.Data["type"] == protocol.WarningCostCeiling {
				warnings++
			}
		case protocol.TaskStatus:
			statuses[ev.TaskID] = append(statuses[ev.TaskID], ev.Data["status"].(string))
		}
	}
	assert.Equal(t, 2, warnings)

	// refused tasks go straight to failed, never through running
	assert.Equal(t, []string{"failed"}, statuses["t3"])
	assert.Equal(t, []string{"failed"}, statuses["t4"])
}

func TestRunCostCeilingConcurrentAdmission(t *testing.T) {
	// both scheduler slots are free when admission runs; the debit has
	// to land before the second task is considered, or both would spawn
	tiers := map[v1.ModelTier][]config.ModelSpec{
		v1.TierT1: {{Model: "copilot/gpt-5", Multiplier: 1}},
	}
	plan := independentPlan("t1", "t2")
	ceiling := 1.0
	settings := v1.Settings{CostCeiling: &ceiling, MaxConcurrency: 2, MaxRetriesTotal: 0, Escalation: true}
	f := newFixture(t, plan, settings, tiers)
	f.mock.SetDelay(20 * time.Millisecond)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"t2"}, result.FailedTasks)
	assert.Equal(t, 1, result.Cost.TotalAgents)
	assert.LessOrEqual(t, result.Cost.TotalPremiumRequests, ceiling)
	assert.Equal(t, 1, f.mock.Attempts("t1"))
	assert.Equal(t, 0, f.mock.Attempts("t2"))
}

func TestRunEmptyPlanCompletesImmediately(t *testing.T) {
	f := newFixture(t, &v1.Plan{}, defaultSettings(), nil)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.FailedTasks)
	assert.Empty(t, result.SkippedTasks)
	assert.Equal(t, 0, result.Cost.TotalAgents)
	assert.Equal(t, 0.0, result.Cost.TotalPremiumRequests)
	assert.Empty(t, f.sink.drain())
}

func TestRunConcurrencyOneNeverOverlapsAgents(t *testing.T) {
	plan := independentPlan("t1", "t2", "t3", "t4")
	settings := v1.Settings{MaxConcurrency: 1, MaxRetriesTotal: 0, Escalation: true}
	f := newFixture(t, plan, settings, nil)
	f.mock.SetDelay(10 * time.Millisecond)

	result, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.FailedTasks)
	assert.Equal(t, 4, result.Cost.TotalAgents)
	assert.Equal(t, 1, f.mock.MaxConcurrent())
}

func TestRunRejectsCyclicPlan(t *testing.T) {
	plan := &v1.Plan{Tasks: []*v1.Task{
		{ID: "a", Status: v1.TaskStatusPending, Tier: v1.TierT1, Dependencies: []string{"b"}},
		{ID: "b", Status: v1.TaskStatusPending, Tier: v1.TierT1, Dependencies: []string{"a"}},
	}}
	f := newFixture(t, plan, defaultSettings(), nil)

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeCycle, appErr.Code)
	assert.Equal(t, 0, f.mock.Attempts("a"))
}

func TestRunRejectsUnknownDependency(t *testing.T) {
	plan := &v1.Plan{Tasks: []*v1.Task{
		{ID: "a", Status: v1.TaskStatusPending, Tier: v1.TierT1, Dependencies: []string{"ghost"}},
	}}
	f := newFixture(t, plan, defaultSettings(), nil)

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)
}

func TestRunCancellationKillsInFlight(t *testing.T) {
	plan := independentPlan("t1", "t2")
	f := newFixture(t, plan, defaultSettings(), nil)
	f.mock.HangTask("t1")
	f.mock.HangTask("t2")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := f.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Empty(t, result.FailedTasks)

	// interrupted tasks stay incomplete for resume
	assert.Equal(t, v1.TaskStatusPending, plan.Tasks[0].Status)
	assert.Equal(t, 0, f.manager.Running())
}

func TestDescendantsTransitive(t *testing.T) {
	plan := &v1.Plan{Tasks: []*v1.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "d"},
	}}
	assert.Equal(t, []string{"b", "c"}, Descendants(plan, "a"))
	assert.Empty(t, Descendants(plan, "d"))
}
