package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/logger"
)

// DockerBackend runs coding-assistant CLIs inside containers, one
// container per agent attempt, with the workDir bind-mounted at
// /workspace.
type DockerBackend struct {
	cli    *client.Client
	logger *logger.Logger
	image  string
}

const defaultAgentImage = "haivemind/agent:latest"

// NewDockerBackend creates a container backend using the local Docker
// daemon.
func NewDockerBackend(log *logger.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	image := os.Getenv("HAIVEMIND_AGENT_IMAGE")
	if image == "" {
		image = defaultAgentImage
	}

	return &DockerBackend{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "backend-docker")),
		image:  image,
	}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

// Close closes the underlying Docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

func (b *DockerBackend) Spawn(ctx context.Context, req *SpawnRequest) (Child, error) {
	binary, model, ok := strings.Cut(req.Model, "/")
	if !ok {
		return nil, fmt.Errorf("invalid model %q: expected provider/model", req.Model)
	}

	cmd := []string{binary, "--model", model, "--prompt", req.Prompt}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:      b.image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: "/workspace",
		Labels: map[string]string{
			"haivemind.task_id": req.TaskID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkDir,
			Target: "/workspace",
		}},
		AutoRemove: false,
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := b.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = b.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach container logs: %w", err)
	}

	b.logger.WithTaskID(req.TaskID).Info("Started agent container",
		zap.String("container_id", created.ID[:12]),
		zap.String("model", req.Model),
	)

	child := &dockerChild{
		cli:         b.cli,
		containerID: created.ID,
		command:     strings.Join(cmd[:3], " "),
		stdout:      newPipeBuffer(),
		stderr:      newPipeBuffer(),
		logs:        logs,
	}
	go child.demux()
	return child, nil
}

type dockerChild struct {
	cli         *client.Client
	containerID string
	command     string
	stdout      *pipeBuffer
	stderr      *pipeBuffer
	logs        io.ReadCloser

	killOnce sync.Once
	killErr  error
}

// demux splits the multiplexed log stream into stdout and stderr.
func (c *dockerChild) demux() {
	_, _ = stdcopy.StdCopy(c.stdout, c.stderr, c.logs)
	c.stdout.CloseWrite()
	c.stderr.CloseWrite()
}

func (c *dockerChild) CLICommand() string { return c.command }
func (c *dockerChild) Stdout() io.Reader  { return c.stdout }
func (c *dockerChild) Stderr() io.Reader  { return c.stderr }

func (c *dockerChild) Wait() (int, error) {
	statusCh, errCh := c.cli.ContainerWait(context.Background(), c.containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", c.containerID, err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}
	c.logs.Close()
	_ = c.cli.ContainerRemove(context.Background(), c.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	return exitCode, nil
}

func (c *dockerChild) Signal(sig os.Signal) error {
	name := "TERM"
	if sig == syscall.SIGKILL {
		name = "KILL"
	}
	return c.cli.ContainerKill(context.Background(), c.containerID, name)
}

func (c *dockerChild) Kill() error {
	c.killOnce.Do(func() {
		c.killErr = c.cli.ContainerKill(context.Background(), c.containerID, "KILL")
	})
	return c.killErr
}

// pipeBuffer is an in-memory pipe: writes append, reads block until
// data arrives or the write side closes.
type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	p := &pipeBuffer{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeBuffer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *pipeBuffer) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *pipeBuffer) CloseWrite() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
