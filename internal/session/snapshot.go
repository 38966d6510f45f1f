package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/logger"
)

// Snapshotter captures a rollback point before a session mutates the
// workspace, and restores it on demand.
type Snapshotter interface {
	Create(ctx context.Context, workDir, sessionID string) (ref string, err error)
	Restore(ctx context.Context, workDir, ref string) error
}

// GitSnapshotter tags the workspace repository. Working directories
// without a git repository fall back to a tarball beside the
// workspace.
type GitSnapshotter struct {
	tarDir string
	logger *logger.Logger
}

// NewGitSnapshotter creates a snapshotter that stores tarball
// fallbacks under tarDir.
func NewGitSnapshotter(tarDir string, log *logger.Logger) *GitSnapshotter {
	return &GitSnapshotter{tarDir: tarDir, logger: log.WithFields(zap.String("component", "snapshot"))}
}

func (s *GitSnapshotter) Create(ctx context.Context, workDir, sessionID string) (string, error) {
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err == nil {
		tag := "haivemind/" + sessionID
		if out, err := gitRun(ctx, workDir, "tag", "-f", tag); err != nil {
			return "", fmt.Errorf("git tag: %s: %w", out, err)
		}
		s.logger.Info("Snapshot tagged", zap.String("tag", tag), zap.String("work_dir", workDir))
		return "git:" + tag, nil
	}

	if err := os.MkdirAll(s.tarDir, 0o755); err != nil {
		return "", err
	}
	tar := filepath.Join(s.tarDir, sessionID+".tar.gz")
	cmd := exec.CommandContext(ctx, "tar", "-czf", tar, "-C", workDir, ".")
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("tar snapshot: %s: %w", bytes.TrimSpace(out), err)
	}
	s.logger.Info("Snapshot archived", zap.String("tar", tar))
	return "tar:" + tar, nil
}

func (s *GitSnapshotter) Restore(ctx context.Context, workDir, ref string) error {
	switch {
	case strings.HasPrefix(ref, "git:"):
		tag := strings.TrimPrefix(ref, "git:")
		if out, err := gitRun(ctx, workDir, "checkout", tag, "--", "."); err != nil {
			return fmt.Errorf("git restore %s: %s: %w", tag, out, err)
		}
		return nil
	case strings.HasPrefix(ref, "tar:"):
		tar := strings.TrimPrefix(ref, "tar:")
		cmd := exec.CommandContext(ctx, "tar", "-xzf", tar, "-C", workDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("tar restore: %s: %w", bytes.TrimSpace(out), err)
		}
		return nil
	default:
		return fmt.Errorf("unknown snapshot ref %q", ref)
	}
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(bytes.TrimSpace(out)), err
}

// NoopSnapshotter is used in mock mode: sessions get a synthetic ref
// and restore does nothing.
type NoopSnapshotter struct{}

func (NoopSnapshotter) Create(_ context.Context, _, sessionID string) (string, error) {
	return "noop:" + sessionID, nil
}

func (NoopSnapshotter) Restore(context.Context, string, string) error { return nil }
