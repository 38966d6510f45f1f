package server

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/haivemind/haivemind/internal/common/errors"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// patchCap bounds each per-file unified patch in diff responses.
const patchCap = 50 * 1024

// sessionDiff summarizes workspace changes between the session's
// snapshot and the current tree. Only git-backed snapshots support
// diffs.
func sessionDiff(ctx context.Context, sess *v1.Session, withPatches bool) (*DiffResponse, error) {
	if !strings.HasPrefix(sess.SnapshotRef, "git:") {
		return nil, errors.BadRequest("diff requires a git-backed snapshot")
	}
	tag := strings.TrimPrefix(sess.SnapshotRef, "git:")

	out, err := gitOutput(ctx, sess.WorkDir, "diff", "--numstat", tag)
	if err != nil {
		return nil, errors.InternalError("git diff failed", err)
	}

	resp := &DiffResponse{SessionID: sess.ID}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		file := DiffFile{
			Path:      fields[2],
			Additions: atoiSafe(fields[0]),
			Deletions: atoiSafe(fields[1]),
		}
		if withPatches {
			patch, err := gitOutput(ctx, sess.WorkDir, "diff", tag, "--", file.Path)
			if err != nil {
				return nil, errors.InternalError(fmt.Sprintf("git diff for %s failed", file.Path), err)
			}
			if len(patch) > patchCap {
				patch = patch[:patchCap]
				file.Truncated = true
			}
			file.Patch = patch
		}
		resp.Files = append(resp.Files, file)
	}
	return resp, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0 // binary files report "-"
	}
	return n
}
