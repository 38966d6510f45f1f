package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/autopilot"
	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/oracle"
	"github.com/haivemind/haivemind/internal/session"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

type apiFixture struct {
	router  *gin.Engine
	store   *workspace.Store
	service *session.Service
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Workspace: config.WorkspaceConfig{CheckpointInterval: 10, ShutdownGrace: 30},
		Scheduler: config.SchedulerConfig{MaxConcurrency: 3, MaxRetriesTotal: 3},
		Agents: config.AgentsConfig{
			Backend: "mock", AgentTimeout: 60, KillGrace: 1,
			OutputCap: 1 << 20, Tiers: config.DefaultTiers(),
		},
		Oracles: config.OraclesConfig{Mock: true, OrchestratorTimeout: 300},
	}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	store, err := workspace.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	eventBus := bus.New(log)
	registry := session.NewRegistry()
	locks := workspace.NewLockRegistry()

	svc := session.NewService(session.Options{
		Config:      cfg,
		Store:       store,
		Locks:       locks,
		Bus:         eventBus,
		Registry:    registry,
		Backend:     backend.NewMockBackend(),
		Decomposer:  &oracle.MockDecomposer{TaskCount: 2},
		Verifier:    &oracle.MockVerifier{},
		Snapshots:   session.NoopSnapshotter{},
		Checkpoints: checkpoint.NewService(store, registry, time.Hour, log),
		Logger:      log,
	})
	pilot := autopilot.New(svc, &oracle.MockPlanner{}, store, eventBus, log)
	gateway := NewGateway(eventBus, log)

	handler := NewHandler(store, svc, pilot, locks, gateway, eventBus, log)
	router := gin.New()
	SetupRoutes(router.Group("/api"), handler)

	return &apiFixture{router: router, store: store, service: svc}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewBuffer(raw)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetProject(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/projects", CreateProjectRequest{Name: "Todo App"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var project v1.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, "todo-app", project.Slug)

	w = f.do(t, http.MethodGet, "/api/projects/todo-app", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/projects/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProjectValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/projects", map[string]string{"dir": "/tmp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteProject(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodDelete, "/api/projects/proj", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/projects/proj", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSessionAccepted(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/projects/proj/sessions", StartSessionRequest{Prompt: "Build it"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "Build it", sess.Prompt)

	// session finishes in the background
	assert.Eventually(t, func() bool {
		persisted, err := f.store.GetSession("proj", sess.ID)
		return err == nil && persisted.Status == v1.SessionStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	w = f.do(t, http.MethodGet, "/api/projects/proj/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/projects/proj/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sess.ID, list.Sessions[0].ID)
}

func TestStartSessionValidation(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/projects/proj/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/projects/ghost/sessions", StartSessionRequest{Prompt: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAbortUnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/projects/proj/sessions/ghost/abort", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/projects/proj/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var defaults v1.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &defaults))
	assert.Equal(t, 3, defaults.MaxConcurrency)

	ceiling := 12.5
	w = f.do(t, http.MethodPut, "/api/projects/proj/settings", UpdateSettingsRequest{
		CostCeiling:     &ceiling,
		MaxConcurrency:  2,
		MaxRetriesTotal: 1,
		Escalation:      true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/projects/proj/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got v1.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 2, got.MaxConcurrency)
	require.NotNil(t, got.CostCeiling)
	assert.Equal(t, 12.5, *got.CostCeiling)
}

func TestSkillsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodPut, "/api/projects/proj/skills", UpdateSkillsRequest{
		Entries: []string{"Run go test before finishing"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/projects/proj/skills", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var skills v1.Skills
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &skills))
	assert.Equal(t, []string{"Run go test before finishing"}, skills.Entries)
}

func TestInterruptedLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	rec := &v1.InterruptedSession{
		SessionID:   "sess-1",
		ProjectSlug: "proj",
		Prompt:      "Build it",
	}
	require.NoError(t, f.store.SaveInterrupted(rec))

	w := f.do(t, http.MethodGet, "/api/interrupted-sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		InterruptedSessions []*v1.InterruptedSession `json:"interrupted_sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.InterruptedSessions, 1)

	w = f.do(t, http.MethodPost, "/api/interrupted-sessions/sess-1/discard", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, "/api/interrupted-sessions/sess-1/discard", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiffRequiresGitSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	sess := &v1.Session{
		ID:          "sess-1",
		ProjectSlug: "proj",
		Prompt:      "Build it",
		Status:      v1.SessionStatusCompleted,
		SnapshotRef: "noop:sess-1",
		StartedAt:   time.Now(),
	}
	require.NoError(t, f.store.SaveSession(sess))

	w := f.do(t, http.MethodGet, "/api/projects/proj/sessions/sess-1/diff", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutopilotEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/projects/proj/autopilot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status autopilot.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Running)

	w = f.do(t, http.MethodPost, "/api/projects/ghost/autopilot", StartAutopilotRequest{MaxCycles: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/projects/proj/autopilot/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateProject("proj", "")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Projects)
	assert.Equal(t, 0, health.Sessions)
	assert.Equal(t, 0, health.Clients)
}
