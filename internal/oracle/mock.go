package oracle

import (
	"context"
	"fmt"
	"sync"

	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// MockDecomposer returns a fixed-size linear chain of tasks derived
// from the prompt. Chat iterations append a single follow-up task with
// no edges into the prior plan.
type MockDecomposer struct {
	TaskCount int
}

func (d *MockDecomposer) Decompose(_ context.Context, req *DecomposeRequest) (*v1.Plan, error) {
	if req.PriorPlan != nil {
		plan := req.PriorPlan
		id := fmt.Sprintf("task-%d", len(plan.Tasks)+1)
		plan.Tasks = append(plan.Tasks, &v1.Task{
			ID:     id,
			Label:  req.Prompt,
			Prompt: req.Prompt,
			Status: v1.TaskStatusPending,
			Tier:   v1.TierT1,
		})
		plan.DeriveEdges()
		return plan, nil
	}

	count := d.TaskCount
	if count <= 0 {
		count = 4
	}
	plan := &v1.Plan{}
	for i := 1; i <= count; i++ {
		task := &v1.Task{
			ID:     fmt.Sprintf("task-%d", i),
			Label:  fmt.Sprintf("%s (step %d)", req.Prompt, i),
			Prompt: req.Prompt,
			Status: v1.TaskStatusPending,
			Tier:   v1.TierT1,
		}
		if i > 1 {
			task.Dependencies = []string{fmt.Sprintf("task-%d", i-1)}
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	plan.DeriveEdges()
	return plan, nil
}

// MockVerifier reports scripted verdicts, passing by default.
type MockVerifier struct {
	mu      sync.Mutex
	reports []*VerifyReport
	calls   int
}

// Script queues verdicts returned in order; once exhausted, verify
// passes.
func (v *MockVerifier) Script(reports ...*VerifyReport) {
	v.mu.Lock()
	v.reports = append(v.reports, reports...)
	v.mu.Unlock()
}

// Calls returns how many times Verify ran.
func (v *MockVerifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func (v *MockVerifier) Verify(_ context.Context, _ *VerifyRequest) (*VerifyReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if len(v.reports) > 0 {
		report := v.reports[0]
		v.reports = v.reports[1:]
		return report, nil
	}
	return &VerifyReport{Passed: true}, nil
}

// MockPlanner answers with the reflection fallback.
type MockPlanner struct{}

func (p *MockPlanner) NextPrompt(_ context.Context, req *PlanRequest) (*Decision, error) {
	return reflectionFallback(req), nil
}
