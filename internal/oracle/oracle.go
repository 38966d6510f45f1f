// Package oracle wraps the external decomposer, verifier and planner
// subprocesses. Each call pipes a JSON request over stdin and reads a
// JSON response from stdout, under the orchestrator timeout. Timeouts
// are surfaced as ErrTimeout and handled at the oracle boundary.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// ErrTimeout marks an oracle call that exceeded the orchestrator
// timeout.
var ErrTimeout = errors.New("oracle timed out")

// DecomposeRequest asks for a plan. PriorPlan is set on chat
// iterations so the decomposer can produce an incremental plan.
type DecomposeRequest struct {
	Prompt    string     `json:"prompt"`
	WorkDir   string     `json:"work_dir"`
	PriorPlan *v1.Plan   `json:"prior_plan,omitempty"`
	Skills    *v1.Skills `json:"skills,omitempty"`
}

// VerifyRequest asks for a verdict on the workspace after a plan
// drained.
type VerifyRequest struct {
	Plan    *v1.Plan   `json:"plan"`
	WorkDir string     `json:"work_dir"`
	Skills  *v1.Skills `json:"skills,omitempty"`
}

// VerifyReport is the verifier's verdict.
type VerifyReport struct {
	Passed        bool       `json:"passed"`
	Issues        []string   `json:"issues,omitempty"`
	FollowUpTasks []*v1.Task `json:"follow_up_tasks,omitempty"`
	TestsFailing  bool       `json:"tests_failing,omitempty"`
}

// PlanRequest asks the follow-up planner for the next autopilot move.
type PlanRequest struct {
	ProjectSlug string      `json:"project_slug"`
	Cycle       int         `json:"cycle"`
	LastSession *v1.Session `json:"last_session,omitempty"`
	Skills      *v1.Skills  `json:"skills,omitempty"`
}

// Decision is the planner's answer: follow up with a new prompt, or
// stop.
type Decision struct {
	Continue bool   `json:"continue"`
	Prompt   string `json:"prompt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Decomposer converts prompts to plans.
type Decomposer interface {
	Decompose(ctx context.Context, req *DecomposeRequest) (*v1.Plan, error)
}

// Verifier judges a drained plan's workspace.
type Verifier interface {
	Verify(ctx context.Context, req *VerifyRequest) (*VerifyReport, error)
}

// Planner proposes autopilot follow-up prompts.
type Planner interface {
	NextPrompt(ctx context.Context, req *PlanRequest) (*Decision, error)
}

// Subprocess invokes an oracle command with JSON piped through
// stdin/stdout.
type Subprocess struct {
	cfg    config.OraclesConfig
	logger *logger.Logger
}

// NewSubprocess creates the subprocess-backed oracle set.
func NewSubprocess(cfg config.OraclesConfig, log *logger.Logger) *Subprocess {
	return &Subprocess{cfg: cfg, logger: log.WithFields(zap.String("component", "oracle"))}
}

func (s *Subprocess) Decompose(ctx context.Context, req *DecomposeRequest) (*v1.Plan, error) {
	var plan v1.Plan
	if err := s.invoke(ctx, s.cfg.DecomposeCommand, req, &plan); err != nil {
		return nil, err
	}
	for _, t := range plan.Tasks {
		if t.Status == "" {
			t.Status = v1.TaskStatusPending
		}
		if t.Tier == "" {
			t.Tier = v1.TierT1
		}
	}
	plan.DeriveEdges()
	return &plan, nil
}

func (s *Subprocess) Verify(ctx context.Context, req *VerifyRequest) (*VerifyReport, error) {
	var report VerifyReport
	if err := s.invoke(ctx, s.cfg.VerifyCommand, req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Subprocess) NextPrompt(ctx context.Context, req *PlanRequest) (*Decision, error) {
	if len(s.cfg.PlanCommand) == 0 {
		// no planner configured: fall back to reflection over the last run
		return reflectionFallback(req), nil
	}
	var decision Decision
	if err := s.invoke(ctx, s.cfg.PlanCommand, req, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// invoke runs one oracle subprocess under the orchestrator timeout.
func (s *Subprocess) invoke(ctx context.Context, command []string, request, response any) error {
	if len(command) == 0 {
		return fmt.Errorf("oracle command not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OrchestratorTimeoutDuration())
	defer cancel()

	input, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode oracle request: %w", err)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		s.logger.Warn("Oracle timed out", zap.String("command", command[0]))
		return ErrTimeout
	}
	if err != nil {
		s.logger.Error("Oracle failed",
			zap.String("command", command[0]),
			zap.String("stderr", stderr.String()),
			zap.Error(err),
		)
		return fmt.Errorf("oracle %s: %w", command[0], err)
	}

	if err := json.Unmarshal(stdout.Bytes(), response); err != nil {
		return fmt.Errorf("decode oracle response: %w", err)
	}
	return nil
}

// reflectionFallback builds a follow-up decision from the last
// session's failures when no planner command is configured.
func reflectionFallback(req *PlanRequest) *Decision {
	last := req.LastSession
	if last == nil {
		return &Decision{Continue: false, Reason: "no prior session to reflect on"}
	}
	if len(last.FailedTasks) > 0 {
		labels := make([]string, 0, len(last.FailedTasks))
		for _, id := range last.FailedTasks {
			if t := last.Plan.Task(id); t != nil && t.Label != "" {
				labels = append(labels, t.Label)
			} else {
				labels = append(labels, id)
			}
		}
		return &Decision{
			Continue: true,
			Prompt:   fmt.Sprintf("Fix the failing work items: %s", strings.Join(labels, ", ")),
			Reason:   "failed tasks remain",
		}
	}
	return &Decision{Continue: false, Reason: "nothing left to improve"}
}
