package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/agent"
	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/errors"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/runner"
	"github.com/haivemind/haivemind/internal/verify"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Service orchestrates one prompt from snapshot through decompose,
// schedule, verify and finalize.
type Service struct {
	cfg         *config.Config
	store       *workspace.Store
	locks       *workspace.LockRegistry
	bus         *bus.Broadcaster
	registry    *Registry
	backend     backend.Backend
	decomposer  oracle.Decomposer
	verifier    oracle.Verifier
	snapshots   Snapshotter
	checkpoints *checkpoint.Service
	logger      *logger.Logger

	startMu    sync.Mutex
	startLocks map[string]*sync.Mutex
}

// Options wires the service's collaborators.
type Options struct {
	Config      *config.Config
	Store       *workspace.Store
	Locks       *workspace.LockRegistry
	Bus         *bus.Broadcaster
	Registry    *Registry
	Backend     backend.Backend
	Decomposer  oracle.Decomposer
	Verifier    oracle.Verifier
	Snapshots   Snapshotter
	Checkpoints *checkpoint.Service
	Logger      *logger.Logger
}

// NewService creates the session service and installs the registry as
// the bus's project resolver and timeline recorder.
func NewService(opts Options) *Service {
	opts.Bus.SetResolver(opts.Registry)
	opts.Bus.SetRecorder(opts.Registry)
	return &Service{
		cfg:         opts.Config,
		store:       opts.Store,
		locks:       opts.Locks,
		bus:         opts.Bus,
		registry:    opts.Registry,
		backend:     opts.Backend,
		decomposer:  opts.Decomposer,
		verifier:    opts.Verifier,
		snapshots:   opts.Snapshots,
		checkpoints: opts.Checkpoints,
		logger:      opts.Logger.WithFields(zap.String("component", "session")),
		startLocks:  make(map[string]*sync.Mutex),
	}
}

// Registry exposes the live session registry.
func (s *Service) Registry() *Registry { return s.registry }

// DefaultSettings returns the config-derived scheduler settings used
// when a project has no overrides.
func (s *Service) DefaultSettings() v1.Settings { return s.cfg.DefaultSettings() }

// startLock returns the per-project session start lock. One session
// runs per project at a time.
func (s *Service) startLock(slug string) *sync.Mutex {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	mu, ok := s.startLocks[slug]
	if !ok {
		mu = &sync.Mutex{}
		s.startLocks[slug] = mu
	}
	return mu
}

// Start runs one full session for the prompt and returns the finalized
// record.
func (s *Service) Start(ctx context.Context, slug, prompt string) (*v1.Session, error) {
	sess, err := s.newSession(slug, prompt)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, sess, nil)
}

// StartAsync validates the request, launches the session in the
// background and returns a snapshot of the skeleton record.
func (s *Service) StartAsync(slug, prompt string) (*v1.Session, error) {
	if !s.cfg.Scheduler.AllowConcurrent && s.registry.LiveForProject(slug) {
		return nil, errors.Conflict("a session is already running for this project")
	}
	sess, err := s.newSession(slug, prompt)
	if err != nil {
		return nil, err
	}
	snapshot := *sess
	go func() {
		if _, err := s.run(context.Background(), sess, nil); err != nil {
			s.logger.WithSessionID(sess.ID).WithError(err).Error("Background session failed")
		}
	}()
	return &snapshot, nil
}

func (s *Service) newSession(slug, prompt string) (*v1.Session, error) {
	if prompt == "" {
		return nil, errors.ValidationError("prompt", "prompt must not be empty")
	}
	project, err := s.store.GetProject(slug)
	if err != nil {
		return nil, err
	}
	workDir, err := s.workDir(project)
	if err != nil {
		return nil, errors.InternalError("failed to prepare work directory", err)
	}
	return &v1.Session{
		ID:          uuid.New().String(),
		ProjectSlug: slug,
		Prompt:      prompt,
		Status:      v1.SessionStatusPlanning,
		WorkDir:     workDir,
		StartedAt:   time.Now().UTC(),
		Cost:        v1.NewCostSummary(),
	}, nil
}

// Chat continues a finalized session with a follow-up prompt: the
// decomposer sees the prior plan and produces incremental tasks on the
// same workDir.
func (s *Service) Chat(ctx context.Context, slug, sessionID, prompt string) (*v1.Session, error) {
	if prompt == "" {
		return nil, errors.ValidationError("prompt", "prompt must not be empty")
	}
	prior, err := s.store.GetSession(slug, sessionID)
	if err != nil {
		return nil, err
	}
	if s.registry.get(sessionID) != nil {
		return nil, errors.Conflict("session is still running")
	}

	prior.Status = v1.SessionStatusPlanning
	prior.FinishedAt = nil
	prior.Error = ""
	prior.FailedTasks = nil
	prior.SkippedTask = nil
	return s.run(ctx, prior, &chatTurn{prompt: prompt})
}

// ChatAsync launches the follow-up in the background after
// validation.
func (s *Service) ChatAsync(slug, sessionID, prompt string) error {
	if prompt == "" {
		return errors.ValidationError("prompt", "prompt must not be empty")
	}
	if _, err := s.store.GetSession(slug, sessionID); err != nil {
		return err
	}
	if s.registry.get(sessionID) != nil {
		return errors.Conflict("session is still running")
	}
	go func() {
		if _, err := s.Chat(context.Background(), slug, sessionID, prompt); err != nil {
			s.logger.WithSessionID(sessionID).WithError(err).Error("Background chat failed")
		}
	}()
	return nil
}

// GetSession returns the live record when the session is running,
// otherwise the persisted one.
func (s *Service) GetSession(slug, sessionID string) (*v1.Session, error) {
	if ls := s.registry.get(sessionID); ls != nil {
		ls.mu.Lock()
		cp := *ls.session
		cp.Plan = ls.session.Plan.Clone()
		cp.Timeline = append([]*v1.Event(nil), ls.session.Timeline...)
		ls.mu.Unlock()
		if cp.ProjectSlug == slug {
			return &cp, nil
		}
	}
	return s.store.GetSession(slug, sessionID)
}

type chatTurn struct{ prompt string }

// run executes the session flow. The start lock, checkpoint file and
// live registration are always released on exit.
func (s *Service) run(ctx context.Context, sess *v1.Session, chat *chatTurn) (*v1.Session, error) {
	slug := sess.ProjectSlug
	log := s.logger.WithProject(slug).WithSessionID(sess.ID)

	lock := s.startLock(slug)
	lock.Lock()

	ctx, cancel := context.WithCancel(ctx)
	manager := agent.NewManager(s.backend, s.cfg.Agents, s.bus, s.logger, slug, sess.ID)
	ls := s.registry.register(sess, manager, cancel)

	defer func() {
		cancel()
		s.registry.unregister(sess.ID)
		if err := s.store.RemoveCheckpoint(sess.ID); err != nil {
			log.WithError(err).Error("Failed to remove checkpoint")
		}
		manager.KillAll()
		lock.Unlock()
	}()

	if err := s.store.SaveSession(sess); err != nil {
		return nil, errors.InternalError("failed to persist session", err)
	}
	s.bus.Broadcast(protocol.SessionEvent(protocol.SessionStart, slug, sess.ID, map[string]any{
		"prompt": sess.Prompt,
	}))

	if sess.SnapshotRef == "" {
		ref, err := s.snapshots.Create(ctx, sess.WorkDir, sess.ID)
		if err != nil {
			return s.fail(sess, ls, fmt.Sprintf("snapshot failed: %v", err)), nil
		}
		ls.mu.Lock()
		sess.SnapshotRef = ref
		ls.mu.Unlock()
	}

	skills, err := s.store.GetSkills(slug)
	if err != nil {
		log.WithError(err).Warn("Failed to load skills")
	}
	settings, err := s.store.GetSettings(slug, s.cfg.DefaultSettings())
	if err != nil {
		log.WithError(err).Warn("Failed to load settings, using defaults")
		settings = s.cfg.DefaultSettings()
	}

	decomposeReq := &oracle.DecomposeRequest{
		Prompt:  sess.Prompt,
		WorkDir: sess.WorkDir,
		Skills:  &skills,
	}
	if chat != nil {
		decomposeReq.Prompt = chat.prompt
		decomposeReq.PriorPlan = sess.Plan.Clone()
	}
	plan, err := s.decomposer.Decompose(ctx, decomposeReq)
	if err != nil {
		return s.fail(sess, ls, fmt.Sprintf("decompose failed: %v", err)), nil
	}
	if chat != nil && sess.Plan != nil {
		plan = mergePlans(sess.Plan, plan)
	}
	ls.mu.Lock()
	sess.Plan = plan
	sess.Status = v1.SessionStatusRunning
	ls.mu.Unlock()

	s.bus.Broadcast(protocol.SessionEvent(protocol.PlanCreated, slug, sess.ID, planPayload(plan)))
	s.checkpoints.Flush()

	result, err := runner.New(runner.Options{
		Plan:                 plan,
		Manager:              manager,
		Bus:                  s.bus,
		Logger:               s.logger,
		Locks:                s.locks,
		ProjectSlug:          slug,
		SessionID:            sess.ID,
		WorkDir:              sess.WorkDir,
		Settings:             settings,
		AllowConcurrentWrite: s.cfg.Scheduler.AllowConcurrent,
		State:                &ls.mu,
	}).Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupt(sess, ls), nil
		}
		return s.fail(sess, ls, err.Error()), nil
	}

	if !s.cfg.Oracles.Mock {
		loop := verify.New(s.verifier, manager, s.bus, s.logger, slug, sess.ID, sess.WorkDir, &ls.mu)
		if _, err := loop.Run(ctx, plan, &skills); err != nil {
			if ctx.Err() != nil {
				return s.interrupt(sess, ls), nil
			}
			log.WithError(err).Error("Verify loop aborted")
		}
	}

	ls.mu.Lock()
	now := time.Now().UTC()
	sess.Status = v1.SessionStatusCompleted
	sess.FinishedAt = &now
	sess.FailedTasks = result.FailedTasks
	sess.SkippedTask = result.SkippedTasks
	sess.Cost = manager.Cost()
	sess.Agents = manager.Snapshot()
	ls.mu.Unlock()

	s.bus.Broadcast(protocol.SessionEvent(protocol.SessionComplete, slug, sess.ID, map[string]any{
		"cost_summary": sess.Cost,
		"failed_tasks": sess.FailedTasks,
	}))

	if err := s.store.SaveSession(sess); err != nil {
		return nil, errors.InternalError("failed to persist session", err)
	}
	log.Info("Session completed",
		zap.Int("total_agents", sess.Cost.TotalAgents),
		zap.Int("failed_tasks", len(sess.FailedTasks)),
	)
	return sess, nil
}

// mergePlans folds a follow-up decomposition into the prior plan.
// Decomposers may return the full graph or only the new tasks; prior
// tasks keep their terminal state either way.
func mergePlans(prior, next *v1.Plan) *v1.Plan {
	known := make(map[string]bool, len(prior.Tasks))
	for _, t := range prior.Tasks {
		known[t.ID] = true
	}
	for _, t := range next.Tasks {
		if known[t.ID] {
			continue
		}
		prior.Tasks = append(prior.Tasks, t)
	}
	prior.DeriveEdges()
	return prior
}

// planPayload builds the plan:created event body: the full task list
// with dependencies plus the derived edges, enough for an observer to
// rebuild the DAG.
func planPayload(plan *v1.Plan) map[string]any {
	tasks := make([]map[string]any, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks = append(tasks, map[string]any{
			"id":           t.ID,
			"label":        t.Label,
			"dependencies": append([]string(nil), t.Dependencies...),
		})
	}
	edges := make([]map[string]any, 0, len(plan.Edges))
	for _, e := range plan.Edges {
		edges = append(edges, map[string]any{"source": e.Source, "target": e.Target})
	}
	return map[string]any{"tasks": tasks, "edges": edges}
}

// fail finalizes the session as failed and publishes session:error.
// The snapshot stays in place for post-mortem.
func (s *Service) fail(sess *v1.Session, ls *liveSession, msg string) *v1.Session {
	ls.mu.Lock()
	now := time.Now().UTC()
	sess.Status = v1.SessionStatusFailed
	sess.Error = msg
	sess.FinishedAt = &now
	ls.mu.Unlock()

	s.logger.WithSessionID(sess.ID).Error("Session failed", zap.String("error", msg))
	s.bus.Broadcast(protocol.SessionEvent(protocol.SessionError, sess.ProjectSlug, sess.ID, map[string]any{
		"error": msg,
	}))
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.WithError(err).Error("Failed to persist failed session")
	}
	return sess
}

// interrupt finalizes a cancelled session: the record is marked
// interrupted and an interrupted-session entry is written for resume.
func (s *Service) interrupt(sess *v1.Session, ls *liveSession) *v1.Session {
	ls.mu.Lock()
	now := time.Now().UTC()
	sess.Status = v1.SessionStatusInterrupted
	sess.FinishedAt = &now

	rec := &v1.InterruptedSession{
		SessionID:     sess.ID,
		ProjectSlug:   sess.ProjectSlug,
		Prompt:        sess.Prompt,
		Timeline:      append([]*v1.Event(nil), sess.Timeline...),
		InterruptedAt: now,
	}
	if sess.Plan != nil {
		for _, t := range sess.Plan.Tasks {
			if t.Status == v1.TaskStatusDone {
				rec.CompletedTasks = append(rec.CompletedTasks, t.ID)
			} else {
				rec.IncompleteTasks = append(rec.IncompleteTasks, t.ID)
			}
		}
	}
	ls.mu.Unlock()

	s.bus.Broadcast(protocol.SessionEvent(protocol.SessionInterrupted, sess.ProjectSlug, sess.ID, map[string]any{
		"incomplete_tasks": len(rec.IncompleteTasks),
	}))
	if err := s.store.SaveInterrupted(rec); err != nil {
		s.logger.WithError(err).Error("Failed to record interrupted session")
	}
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.WithError(err).Error("Failed to persist interrupted session")
	}
	return sess
}

// Abort cancels a live session.
func (s *Service) Abort(sessionID string) error {
	ls := s.registry.get(sessionID)
	if ls == nil {
		return errors.NotFound("session", sessionID)
	}
	ls.cancel()
	return nil
}

// Resume re-submits an interrupted session's prompt as a new session
// on the same project, then removes the interrupted record.
func (s *Service) Resume(ctx context.Context, sessionID string) (*v1.Session, error) {
	rec, err := s.store.GetInterrupted(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.Start(ctx, rec.ProjectSlug, rec.Prompt)
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveInterrupted(sessionID); err != nil {
		s.logger.WithError(err).Error("Failed to remove interrupted record")
	}
	return sess, nil
}

// Rollback restores a session's workspace to its snapshot ref.
func (s *Service) Rollback(ctx context.Context, slug, sessionID string) error {
	sess, err := s.store.GetSession(slug, sessionID)
	if err != nil {
		return err
	}
	if sess.SnapshotRef == "" {
		return errors.BadRequest("session has no snapshot to roll back to")
	}
	return s.snapshots.Restore(ctx, sess.WorkDir, sess.SnapshotRef)
}

// Shutdown performs the graceful stop sequence: warn, flush
// checkpoints, cancel every live session and wait for children up to
// the grace window.
func (s *Service) Shutdown(grace time.Duration) {
	s.bus.BroadcastGlobal(v1.NewEvent(protocol.ShutdownWarning, map[string]any{
		"message": "shutting down",
	}))
	s.checkpoints.Flush()
	s.registry.CancelAll()

	deadline := time.Now().Add(grace)
	for s.registry.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.checkpoints.Stop()
	s.logger.Info("Shutdown complete", zap.Int("sessions_remaining", s.registry.Count()))
}

// workDir resolves the directory agents mutate: the linked project
// directory, or a store-managed one for unlinked projects.
func (s *Service) workDir(project *v1.Project) (string, error) {
	if project.Dir != "" {
		return project.Dir, nil
	}
	dir := filepath.Join(s.store.Root(), "projects", project.Slug, "work")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
