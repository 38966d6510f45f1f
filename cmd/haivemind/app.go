package main

import (
	"path/filepath"

	"github.com/haivemind/haivemind/internal/autopilot"
	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/session"
	"github.com/haivemind/haivemind/internal/workspace"
)

// app holds the wired orchestration core shared by serve, build and
// autopilot.
type app struct {
	cfg         *config.Config
	log         *logger.Logger
	store       *workspace.Store
	bus         *bus.Broadcaster
	bridge      *bus.NATSBridge
	registry    *session.Registry
	locks       *workspace.LockRegistry
	checkpoints *checkpoint.Service
	service     *session.Service
	pilot       *autopilot.Autopilot
}

// newStore loads config and opens the workspace. Enough for the
// read-only commands.
func newStore() (*config.Config, *logger.Logger, *workspace.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := workspace.NewStore(cfg.Workspace.Root, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, store, nil
}

// newApp wires the full orchestration core. The mock flag forces the
// mock backend and mock oracles regardless of config.
func newApp(mock bool) (*app, error) {
	cfg, log, store, err := newStore()
	if err != nil {
		return nil, err
	}
	if mock {
		cfg.Agents.Backend = "mock"
		cfg.Oracles.Mock = true
	}

	eventBus := bus.New(log)
	var bridge *bus.NATSBridge
	if cfg.NATS.URL != "" {
		bridge, err = bus.NewNATSBridge(cfg.NATS, log)
		if err != nil {
			return nil, err
		}
		eventBus.Tap(bridge)
	}

	registry := session.NewRegistry()
	locks := workspace.NewLockRegistry()
	checkpoints := checkpoint.NewService(store, registry, cfg.Workspace.CheckpointIntervalDuration(), log)

	backends := backend.NewRegistry()
	backends.RegisterDefaults()
	be, err := backends.Create(cfg.Agents.Backend, cfg.Agents, log)
	if err != nil {
		return nil, err
	}

	var (
		decomposer oracle.Decomposer
		verifier   oracle.Verifier
		planner    oracle.Planner
	)
	if cfg.Oracles.Mock {
		decomposer = &oracle.MockDecomposer{}
		verifier = &oracle.MockVerifier{}
		planner = &oracle.MockPlanner{}
	} else {
		sub := oracle.NewSubprocess(cfg.Oracles, log)
		decomposer, verifier, planner = sub, sub, sub
	}

	snapshots := session.NewGitSnapshotter(filepath.Join(cfg.Workspace.Root, ".haivemind", "snapshots"), log)

	svc := session.NewService(session.Options{
		Config:      cfg,
		Store:       store,
		Locks:       locks,
		Bus:         eventBus,
		Registry:    registry,
		Backend:     be,
		Decomposer:  decomposer,
		Verifier:    verifier,
		Snapshots:   snapshots,
		Checkpoints: checkpoints,
		Logger:      log,
	})
	pilot := autopilot.New(svc, planner, store, eventBus, log)

	return &app{
		cfg:         cfg,
		log:         log,
		store:       store,
		bus:         eventBus,
		bridge:      bridge,
		registry:    registry,
		locks:       locks,
		checkpoints: checkpoints,
		service:     svc,
		pilot:       pilot,
	}, nil
}

// close releases external connections.
func (a *app) close() {
	if a.bridge != nil {
		a.bridge.Close()
	}
}
