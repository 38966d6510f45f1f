package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestSubprocessDecompose(t *testing.T) {
	// a shell stand-in for the decomposer: echoes a two-task plan
	cfg := config.OraclesConfig{
		DecomposeCommand: []string{"sh", "-c",
			`cat >/dev/null; echo '{"tasks":[{"id":"a","label":"first"},{"id":"b","label":"second","dependencies":["a"]}]}'`},
		OrchestratorTimeout: 10,
	}
	s := NewSubprocess(cfg, testLogger())

	plan, err := s.Decompose(context.Background(), &DecomposeRequest{Prompt: "build"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, v1.TaskStatusPending, plan.Tasks[0].Status)
	assert.Equal(t, v1.TierT1, plan.Tasks[0].Tier)
	assert.Equal(t, []v1.Edge{{Source: "a", Target: "b"}}, plan.Edges)
}

func TestSubprocessTimeout(t *testing.T) {
	cfg := config.OraclesConfig{
		VerifyCommand:       []string{"sleep", "30"},
		OrchestratorTimeout: 1,
	}
	s := NewSubprocess(cfg, testLogger())

	_, err := s.Verify(context.Background(), &VerifyRequest{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSubprocessNonzeroExit(t *testing.T) {
	cfg := config.OraclesConfig{
		DecomposeCommand:    []string{"false"},
		OrchestratorTimeout: 10,
	}
	s := NewSubprocess(cfg, testLogger())

	_, err := s.Decompose(context.Background(), &DecomposeRequest{Prompt: "build"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestMockDecomposerLinearChain(t *testing.T) {
	d := &MockDecomposer{}
	plan, err := d.Decompose(context.Background(), &DecomposeRequest{Prompt: "Build a todo app"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 4)
	assert.Empty(t, plan.Tasks[0].Dependencies)
	for i := 1; i < 4; i++ {
		assert.Equal(t, []string{plan.Tasks[i-1].ID}, plan.Tasks[i].Dependencies)
	}
}

func TestMockDecomposerIncremental(t *testing.T) {
	d := &MockDecomposer{TaskCount: 2}
	plan, err := d.Decompose(context.Background(), &DecomposeRequest{Prompt: "start"})
	require.NoError(t, err)

	plan, err = d.Decompose(context.Background(), &DecomposeRequest{Prompt: "add auth", PriorPlan: plan})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 3)
	// incremental tasks join the DAG without edges into prior work
	assert.Empty(t, plan.Tasks[2].Dependencies)
}

func TestMockVerifierScripted(t *testing.T) {
	v := &MockVerifier{}
	v.Script(&VerifyReport{Passed: false, Issues: []string{"missing tests"}})

	r1, err := v.Verify(context.Background(), &VerifyRequest{})
	require.NoError(t, err)
	assert.False(t, r1.Passed)

	r2, err := v.Verify(context.Background(), &VerifyRequest{})
	require.NoError(t, err)
	assert.True(t, r2.Passed)
	assert.Equal(t, 2, v.Calls())
}

func TestReflectionFallback(t *testing.T) {
	p := &MockPlanner{}

	d, err := p.NextPrompt(context.Background(), &PlanRequest{})
	require.NoError(t, err)
	assert.False(t, d.Continue)

	last := &v1.Session{
		FailedTasks: []string{"t2"},
		Plan:        &v1.Plan{Tasks: []*v1.Task{{ID: "t2", Label: "wire the API"}}},
	}
	d, err = p.NextPrompt(context.Background(), &PlanRequest{LastSession: last})
	require.NoError(t, err)
	assert.True(t, d.Continue)
	assert.Contains(t, d.Prompt, "wire the API")
}
