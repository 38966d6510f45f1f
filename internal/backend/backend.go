// Package backend provides pluggable launchers for coding-assistant
// subprocesses. A backend turns a spawn request into a child handle;
// the orchestration core consumes only the handle and its byte streams.
package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
)

// SpawnRequest contains parameters for launching one agent attempt.
type SpawnRequest struct {
	TaskID      string
	Prompt      string
	WorkDir     string
	Model       string // e.g. "copilot/gpt-5-mini"
	Env         map[string]string
	ModelConfig map[string]any
}

// Child is a handle to a spawned worker subprocess.
type Child interface {
	// CLICommand returns the human-readable command line used to spawn.
	CLICommand() string
	// Stdout and Stderr stream the child's output. Readers return io.EOF
	// once the child exits.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	// Signal delivers a signal to the child (SIGTERM for graceful stop).
	Signal(sig os.Signal) error
	// Kill forcibly terminates the child. Idempotent.
	Kill() error
}

// Backend launches worker subprocesses for a coding-assistant CLI.
type Backend interface {
	Name() string
	Spawn(ctx context.Context, req *SpawnRequest) (Child, error)
}

// Factory constructs a backend from configuration.
type Factory func(cfg config.AgentsConfig, log *logger.Logger) (Backend, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a name, replacing any existing entry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// Create instantiates the named backend.
func (r *Registry) Create(name string, cfg config.AgentsConfig, log *logger.Logger) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return factory(cfg, log)
}

// List returns registered backend names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterDefaults registers the built-in backends.
func (r *Registry) RegisterDefaults() {
	r.Register("mock", func(cfg config.AgentsConfig, log *logger.Logger) (Backend, error) {
		return NewMockBackend(), nil
	})
	r.Register("cli", func(cfg config.AgentsConfig, log *logger.Logger) (Backend, error) {
		return NewCLIBackend(log), nil
	})
	r.Register("docker", func(cfg config.AgentsConfig, log *logger.Logger) (Backend, error) {
		return NewDockerBackend(log)
	})
}
