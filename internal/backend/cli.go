package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/logger"
)

// CLIBackend launches coding-assistant CLI processes directly on the
// host. The model string selects the binary and model flag: the part
// before the first "/" is the executable, the rest is passed as
// --model.
type CLIBackend struct {
	logger *logger.Logger
}

// NewCLIBackend creates a host-process backend.
func NewCLIBackend(log *logger.Logger) *CLIBackend {
	return &CLIBackend{logger: log.WithFields(zap.String("component", "backend-cli"))}
}

func (b *CLIBackend) Name() string { return "cli" }

func (b *CLIBackend) Spawn(ctx context.Context, req *SpawnRequest) (Child, error) {
	binary, model, ok := strings.Cut(req.Model, "/")
	if !ok {
		return nil, fmt.Errorf("invalid model %q: expected provider/model", req.Model)
	}

	args := []string{"--model", model, "--prompt", req.Prompt}
	if extra, ok := req.ModelConfig["args"].([]string); ok {
		args = append(args, extra...)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// own process group so signals reach the CLI's own children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	b.logger.WithTaskID(req.TaskID).Info("Spawned agent process",
		zap.String("binary", binary),
		zap.String("model", model),
		zap.Int("pid", cmd.Process.Pid),
	)

	return &cliChild{
		cmd:    cmd,
		cli:    binary + " " + strings.Join(args[:2], " "), // omit the prompt
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type cliChild struct {
	cmd    *exec.Cmd
	cli    string
	stdout io.Reader
	stderr io.Reader

	killOnce sync.Once
	killErr  error
}

func (c *cliChild) CLICommand() string { return c.cli }
func (c *cliChild) Stdout() io.Reader  { return c.stdout }
func (c *cliChild) Stderr() io.Reader  { return c.stderr }

func (c *cliChild) Wait() (int, error) {
	err := c.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (c *cliChild) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return c.cmd.Process.Signal(sig)
	}
	// negative pid signals the process group
	return syscall.Kill(-c.cmd.Process.Pid, s)
}

func (c *cliChild) Kill() error {
	c.killOnce.Do(func() {
		c.killErr = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
	})
	return c.killErr
}
