package autopilot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/session"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// scriptedPlanner replays decisions in order, then stops.
type scriptedPlanner struct {
	mu        sync.Mutex
	decisions []*oracle.Decision
}

func (p *scriptedPlanner) NextPrompt(context.Context, *oracle.PlanRequest) (*oracle.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.decisions) == 0 {
		return &oracle.Decision{Continue: false, Reason: "script exhausted"}, nil
	}
	d := p.decisions[0]
	p.decisions = p.decisions[1:]
	return d, nil
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

func (s *eventSink) kinds() []string {
	var out []string
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev.Kind)
		default:
			return out
		}
	}
}

type pilotFixture struct {
	pilot *Autopilot
	store *workspace.Store
	sink  *eventSink
}

func newPilotFixture(t *testing.T, planner oracle.Planner, tiers map[v1.ModelTier][]config.ModelSpec) *pilotFixture {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	store, err := workspace.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	_, err = store.CreateProject("proj", "")
	require.NoError(t, err)

	eventBus := bus.New(log)
	sink := &eventSink{ch: make(chan *v1.Event, 4096)}
	eventBus.Subscribe(sink, "proj")

	if tiers == nil {
		tiers = config.DefaultTiers()
	}
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{MaxConcurrency: 3, MaxRetriesTotal: 3},
		Agents:    config.AgentsConfig{AgentTimeout: 60, KillGrace: 1, OutputCap: 1 << 20, Tiers: tiers},
		Oracles:   config.OraclesConfig{Mock: true, OrchestratorTimeout: 300},
	}

	registry := session.NewRegistry()
	svc := session.NewService(session.Options{
		Config:      cfg,
		Store:       store,
		Locks:       workspace.NewLockRegistry(),
		Bus:         eventBus,
		Registry:    registry,
		Backend:     backend.NewMockBackend(),
		Decomposer:  &oracle.MockDecomposer{TaskCount: 2},
		Verifier:    &oracle.MockVerifier{},
		Snapshots:   session.NoopSnapshotter{},
		Checkpoints: checkpoint.NewService(store, registry, time.Hour, log),
		Logger:      log,
	})

	return &pilotFixture{
		pilot: New(svc, planner, store, eventBus, log),
		store: store,
		sink:  sink,
	}
}

func TestLoopStopsWhenPlannerDeclines(t *testing.T) {
	planner := &scriptedPlanner{decisions: []*oracle.Decision{
		{Continue: true, Prompt: "improve error handling"},
		{Continue: true, Prompt: "add docs"},
		{Continue: false, Reason: "nothing left to improve"},
	}}
	f := newPilotFixture(t, planner, nil)

	require.NoError(t, f.pilot.Start(context.Background(), "proj", Inputs{MaxCycles: 10}))
	f.pilot.Wait("proj")

	status := f.pilot.Status("proj")
	assert.False(t, status.Running)
	assert.Equal(t, 2, status.Cycle)
	assert.Equal(t, "nothing left to improve", status.StopReason)

	sessions, err := f.store.ListSessions("proj")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	kinds := f.sink.kinds()
	assert.Contains(t, kinds, protocol.AutopilotStarted)
	assert.Contains(t, kinds, protocol.AutopilotCycle)
	assert.Contains(t, kinds, protocol.AutopilotStopped)
}

func TestLoopStopsAtMaxCycles(t *testing.T) {
	planner := &scriptedPlanner{decisions: []*oracle.Decision{
		{Continue: true, Prompt: "a"}, {Continue: true, Prompt: "b"},
		{Continue: true, Prompt: "c"}, {Continue: true, Prompt: "d"},
	}}
	f := newPilotFixture(t, planner, nil)

	require.NoError(t, f.pilot.Start(context.Background(), "proj", Inputs{MaxCycles: 2}))
	f.pilot.Wait("proj")

	status := f.pilot.Status("proj")
	assert.Equal(t, 2, status.Cycle)
	assert.Contains(t, status.StopReason, "max cycles")
}

func TestLoopStopsAtCostCeiling(t *testing.T) {
	tiers := map[v1.ModelTier][]config.ModelSpec{
		v1.TierT1: {{Model: "copilot/gpt-5", Multiplier: 1}},
	}
	planner := &scriptedPlanner{decisions: []*oracle.Decision{
		{Continue: true, Prompt: "a"}, {Continue: true, Prompt: "b"},
	}}
	f := newPilotFixture(t, planner, tiers)

	// each cycle runs 2 tasks at multiplier 1
	ceiling := 1.5
	require.NoError(t, f.pilot.Start(context.Background(), "proj", Inputs{MaxCycles: 10, CostCeiling: &ceiling}))
	f.pilot.Wait("proj")

	status := f.pilot.Status("proj")
	assert.Equal(t, 1, status.Cycle)
	assert.Contains(t, status.StopReason, "cost ceiling")
}

func TestLoopExternalStop(t *testing.T) {
	planner := &scriptedPlanner{decisions: []*oracle.Decision{
		{Continue: true, Prompt: "a"},
	}}
	f := newPilotFixture(t, planner, nil)

	require.NoError(t, f.pilot.Start(context.Background(), "proj", Inputs{MaxCycles: 100}))
	// stopping twice: second stop sees the loop already finished
	_ = f.pilot.Stop("proj")
	f.pilot.Wait("proj")

	status := f.pilot.Status("proj")
	assert.False(t, status.Running)

	assert.Error(t, f.pilot.Stop("ghost"))
}

func TestStartUnknownProject(t *testing.T) {
	f := newPilotFixture(t, &scriptedPlanner{}, nil)
	assert.Error(t, f.pilot.Start(context.Background(), "ghost", Inputs{}))
}
