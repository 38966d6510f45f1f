package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/errors"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

type serviceFixture struct {
	service  *Service
	store    *workspace.Store
	mock     *backend.MockBackend
	bus      *bus.Broadcaster
	sink     *eventSink
	verifier *oracle.MockVerifier
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
	for _, ev := range s.drain() {
		out = append(out, ev.Kind)
	}
	return out
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

func testConfig() *config.Config {
	return &config.Config{
		Workspace: config.WorkspaceConfig{CheckpointInterval: 10, ShutdownGrace: 30},
		Scheduler: config.SchedulerConfig{MaxConcurrency: 3, MaxRetriesTotal: 3},
		Agents: config.AgentsConfig{
			Backend: "mock", AgentTimeout: 60, KillGrace: 1,
			OutputCap: 1 << 20, Tiers: config.DefaultTiers(),
		},
		Oracles: config.OraclesConfig{Mock: false, OrchestratorTimeout: 300},
	}
}

func newServiceFixture(t *testing.T, cfg *config.Config) *serviceFixture {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	store, err := workspace.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	_, err = store.CreateProject("proj", "")
	require.NoError(t, err)

	eventBus := bus.New(log)
	sink := &eventSink{ch: make(chan *v1.Event, 4096)}
	eventBus.Subscribe(sink, "proj")

	registry := NewRegistry()
	verifier := &oracle.MockVerifier{}
	mock := backend.NewMockBackend()

	svc := NewService(Options{
		Config:      cfg,
		Store:       store,
		Locks:       workspace.NewLockRegistry(),
		Bus:         eventBus,
		Registry:    registry,
		Backend:     mock,
		Decomposer:  &oracle.MockDecomposer{},
		Verifier:    verifier,
		Snapshots:   NoopSnapshotter{},
		Checkpoints: checkpoint.NewService(store, registry, time.Hour, log),
		Logger:      log,
	})
	return &serviceFixture{service: svc, store: store, mock: mock, bus: eventBus, sink: sink, verifier: verifier}
}

func TestStartHappyPath(t *testing.T) {
	f := newServiceFixture(t, testConfig())

	sess, err := f.service.Start(context.Background(), "proj", "Build a todo app")
	require.NoError(t, err)

	assert.Equal(t, v1.SessionStatusCompleted, sess.Status)
	assert.Empty(t, sess.FailedTasks)
	assert.Equal(t, 4, sess.Cost.TotalAgents)
	assert.NotEmpty(t, sess.SnapshotRef)
	require.NotNil(t, sess.Plan)
	assert.Len(t, sess.Plan.Tasks, 4)
	for _, task := range sess.Plan.Tasks {
		assert.Equal(t, v1.TaskStatusDone, task.Status)
	}

	// persisted, no orphan checkpoint
	persisted, err := f.store.GetSession("proj", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, persisted.Status)
	assert.False(t, f.store.HasCheckpoint(sess.ID))

	kinds := f.sink.kinds()
	assert.Contains(t, kinds, protocol.SessionStart)
	assert.Contains(t, kinds, protocol.PlanCreated)
	assert.Contains(t, kinds, protocol.SessionComplete)
	assert.Contains(t, kinds, protocol.VerifyStatus)

	// timeline recorded everything except output chunks
	for _, ev := range persisted.Timeline {
		assert.NotEqual(t, protocol.AgentOutput, ev.Kind)
	}
}

func TestStartSkipsVerifyInMockMode(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)

	sess, err := f.service.Start(context.Background(), "proj", "Build a todo app")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, sess.Status)
	assert.Equal(t, 0, f.verifier.Calls())
}

func TestStartValidation(t *testing.T) {
	f := newServiceFixture(t, testConfig())

	_, err := f.service.Start(context.Background(), "proj", "")
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))

	_, err = f.service.Start(context.Background(), "ghost", "build")
	assert.True(t, errors.IsNotFound(err))
}

type failingDecomposer struct{}

func (failingDecomposer) Decompose(context.Context, *oracle.DecomposeRequest) (*v1.Plan, error) {
	return nil, oracle.ErrTimeout
}

func TestStartDecomposeFailureFinalizesFailed(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	f.service.decomposer = failingDecomposer{}

	sess, err := f.service.Start(context.Background(), "proj", "build")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "decompose failed")
	assert.Contains(t, f.sink.kinds(), protocol.SessionError)
}

func TestStartInterruptedOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)
	f.mock.HangTask("task-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sess, err := f.service.Start(ctx, "proj", "Build a todo app")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusInterrupted, sess.Status)

	recs, err := f.store.ListInterrupted()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sess.ID, recs[0].SessionID)
	assert.Len(t, recs[0].IncompleteTasks, 4)
	assert.Contains(t, f.sink.kinds(), protocol.SessionInterrupted)
}

func TestChatAppendsIncrementalTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)

	sess, err := f.service.Start(context.Background(), "proj", "Build a todo app")
	require.NoError(t, err)

	updated, err := f.service.Chat(context.Background(), "proj", sess.ID, "add authentication")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, updated.Status)
	assert.Len(t, updated.Plan.Tasks, 5)
	assert.Equal(t, v1.TaskStatusDone, updated.Plan.Tasks[4].Status)
	// new work carries no edges into prior tasks
	assert.Empty(t, updated.Plan.Tasks[4].Dependencies)
}

func TestPlanCreatedEventCarriesGraph(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)

	_, err := f.service.Start(context.Background(), "proj", "Build a todo app")
	require.NoError(t, err)

	var planEv *v1.Event
	for _, ev := range f.sink.drain() {
		if ev.Kind == protocol.PlanCreated {
			planEv = ev
		}
	}
	require.NotNil(t, planEv)

	tasks, ok := planEv.Data["tasks"].([]map[string]any)
	require.True(t, ok, "tasks payload is the full list, not a count")
	require.Len(t, tasks, 4)
	assert.Equal(t, "task-1", tasks[0]["id"])
	assert.NotEmpty(t, tasks[0]["label"])
	assert.Equal(t, []string{"task-1"}, tasks[1]["dependencies"])

	edges, ok := planEv.Data["edges"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, edges, 3)
	assert.Equal(t, "task-1", edges[0]["source"])
	assert.Equal(t, "task-2", edges[0]["target"])
}

type deltaDecomposer struct{}

// Decompose answers chat turns with only the new task, the way an
// external orchestrator that diffs against the prior plan would.
func (deltaDecomposer) Decompose(ctx context.Context, req *oracle.DecomposeRequest) (*v1.Plan, error) {
	if req.PriorPlan == nil {
		return (&oracle.MockDecomposer{}).Decompose(ctx, req)
	}
	return &v1.Plan{Tasks: []*v1.Task{{
		ID:     "task-extra",
		Label:  req.Prompt,
		Prompt: req.Prompt,
		Status: v1.TaskStatusPending,
		Tier:   v1.TierT1,
	}}}, nil
}

func TestChatMergesDeltaIntoPriorPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)
	f.service.decomposer = deltaDecomposer{}

	sess, err := f.service.Start(context.Background(), "proj", "Build a todo app")
	require.NoError(t, err)
	require.Len(t, sess.Plan.Tasks, 4)

	updated, err := f.service.Chat(context.Background(), "proj", sess.ID, "add authentication")
	require.NoError(t, err)

	// prior history survives alongside the returned delta
	require.Len(t, updated.Plan.Tasks, 5)
	for _, task := range updated.Plan.Tasks[:4] {
		assert.Equal(t, v1.TaskStatusDone, task.Status)
	}
	extra := updated.Plan.Task("task-extra")
	require.NotNil(t, extra)
	assert.Equal(t, v1.TaskStatusDone, extra.Status)
}

func TestCheckpointFlushDuringRun(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	f.service.checkpoints = checkpoint.NewService(f.store, f.service.Registry(), time.Millisecond, log)
	f.service.checkpoints.Start()
	defer f.service.checkpoints.Stop()

	f.mock.SetDelay(2 * time.Millisecond)
	f.mock.FailTask("task-2", 2)

	// checkpoint writes race the scheduler's task mutations
	sess, err := f.service.Start(context.Background(), "proj", "Build a todo app")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, sess.Status)
	for _, task := range sess.Plan.Tasks {
		assert.Equal(t, v1.TaskStatusDone, task.Status)
	}
}

func TestStartAsyncRefusesConcurrentSession(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)
	f.mock.HangTask("task-1")

	first, err := f.service.StartAsync("proj", "Build a todo app")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.service.Registry().LiveForProject("proj") }, time.Second, 5*time.Millisecond)

	_, err = f.service.StartAsync("proj", "Build another app")
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, f.service.Abort(first.ID))
	require.Eventually(t, func() bool { return f.service.Registry().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestAbortUnknownSession(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	assert.True(t, errors.IsNotFound(f.service.Abort("nope")))
}

func TestResumeInterruptedSession(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)
	f.mock.HangTask("task-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	interrupted, err := f.service.Start(ctx, "proj", "Build a todo app")
	require.NoError(t, err)

	// resume re-submits the prompt as a fresh session
	f.mock = nil // not used further; hanging task would block the resume
	f.service.backend = backend.NewMockBackend()
	resumed, err := f.service.Resume(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, resumed.Status)
	assert.NotEqual(t, interrupted.ID, resumed.ID)

	recs, err := f.store.ListInterrupted()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestShutdownInterruptsLiveSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Oracles.Mock = true
	f := newServiceFixture(t, cfg)
	f.mock.HangTask("task-1")

	done := make(chan *v1.Session, 1)
	go func() {
		sess, _ := f.service.Start(context.Background(), "proj", "Build a todo app")
		done <- sess
	}()

	require.Eventually(t, func() bool { return f.service.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)

	f.service.Shutdown(5 * time.Second)

	select {
	case sess := <-done:
		assert.Equal(t, v1.SessionStatusInterrupted, sess.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, 0, f.service.Registry().Count())
	assert.Contains(t, f.sink.kinds(), protocol.ShutdownWarning)
}
