package server

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haivemind/haivemind/internal/autopilot"
	"github.com/haivemind/haivemind/internal/common/errors"
	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/internal/session"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Handler contains the HTTP handlers for the orchestration API.
type Handler struct {
	store   *workspace.Store
	service *session.Service
	pilot   *autopilot.Autopilot
	locks   *workspace.LockRegistry
	gateway *Gateway
	bus     *bus.Broadcaster
	logger  *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(store *workspace.Store, svc *session.Service, pilot *autopilot.Autopilot, locks *workspace.LockRegistry, gateway *Gateway, eventBus *bus.Broadcaster, log *logger.Logger) *Handler {
	return &Handler{
		store:   store,
		service: svc,
		pilot:   pilot,
		locks:   locks,
		gateway: gateway,
		bus:     eventBus,
		logger:  log,
	}
}

func (h *Handler) publish(kind, slug string, data map[string]any) {
	ev := v1.NewEvent(kind, data)
	ev.ProjectSlug = slug
	h.bus.Broadcast(ev)
}

func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    errors.ErrCodeInternalError,
		"message": err.Error(),
	})
}

// Project endpoints

// CreateProject links a project directory
// POST /api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	project, err := h.store.CreateProject(req.Name, req.Dir)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects returns all projects
// GET /api/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject returns one project
// GET /api/projects/:slug
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.store.GetProject(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject removes a project and its sessions
// DELETE /api/projects/:slug
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.store.DeleteProject(c.Param("slug")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Session endpoints

// StartSession submits a build prompt; the session runs in the
// background
// POST /api/projects/:slug/sessions
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	sess, err := h.service.StartAsync(c.Param("slug"), req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}

// ListSessions returns session summaries, newest first
// GET /api/projects/:slug/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:          s.ID,
			Prompt:      s.Prompt,
			Status:      s.Status,
			FailedTasks: len(s.FailedTasks),
			TotalAgents: s.Cost.TotalAgents,
			StartedAt:   s.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession returns the full session record, live or persisted
// GET /api/projects/:slug/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.GetSession(c.Param("slug"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Chat continues a finalized session with a follow-up prompt
// POST /api/projects/:slug/sessions/:id/chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if err := h.service.ChatAsync(c.Param("slug"), c.Param("id"), req.Prompt); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": c.Param("id")})
}

// AbortSession cancels a live session
// POST /api/projects/:slug/sessions/:id/abort
func (h *Handler) AbortSession(c *gin.Context) {
	if err := h.service.Abort(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborting"})
}

// Diff returns the workspace changes since the session snapshot
// GET /api/projects/:slug/sessions/:id/diff[?patches=true]
func (h *Handler) Diff(c *gin.Context) {
	sess, err := h.service.GetSession(c.Param("slug"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := sessionDiff(c.Request.Context(), sess, c.Query("patches") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Rollback restores the workspace to the session's snapshot
// POST /api/projects/:slug/sessions/:id/rollback
func (h *Handler) Rollback(c *gin.Context) {
	if err := h.service.Rollback(c.Request.Context(), c.Param("slug"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled back"})
}

// Settings and skills

// GetSettings returns the project's scheduler overrides
// GET /api/projects/:slug/settings
func (h *Handler) GetSettings(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.store.GetProject(slug); err != nil {
		respondError(c, err)
		return
	}
	settings, err := h.store.GetSettings(slug, h.service.DefaultSettings())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// PutSettings replaces the project's scheduler overrides
// PUT /api/projects/:slug/settings
func (h *Handler) PutSettings(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.store.GetProject(slug); err != nil {
		respondError(c, err)
		return
	}

	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	settings := v1.Settings{
		CostCeiling:     req.CostCeiling,
		MaxConcurrency:  req.MaxConcurrency,
		MaxRetriesTotal: req.MaxRetriesTotal,
		Escalation:      req.Escalation,
	}
	if err := h.store.PutSettings(slug, settings); err != nil {
		respondError(c, err)
		return
	}
	h.publish(protocol.SettingsUpdate, slug, map[string]any{
		"max_concurrency":   settings.MaxConcurrency,
		"max_retries_total": settings.MaxRetriesTotal,
	})
	c.JSON(http.StatusOK, settings)
}

// GetSkills returns the project's skill memory
// GET /api/projects/:slug/skills
func (h *Handler) GetSkills(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.store.GetProject(slug); err != nil {
		respondError(c, err)
		return
	}
	skills, err := h.store.GetSkills(slug)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, skills)
}

// PutSkills replaces the project's skill memory
// PUT /api/projects/:slug/skills
func (h *Handler) PutSkills(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.store.GetProject(slug); err != nil {
		respondError(c, err)
		return
	}

	var req UpdateSkillsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	skills := v1.Skills{Entries: req.Entries}
	if err := h.store.PutSkills(slug, skills); err != nil {
		respondError(c, err)
		return
	}
	h.publish(protocol.SkillsUpdate, slug, map[string]any{"entries": len(skills.Entries)})
	c.JSON(http.StatusOK, skills)
}

// Recovery endpoints

// ListCheckpoints returns all live-session checkpoints
// GET /api/checkpoints
func (h *Handler) ListCheckpoints(c *gin.Context) {
	cps, err := h.store.ReadCheckpoints()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

// ListInterrupted returns sessions recovered from orphaned checkpoints
// GET /api/interrupted-sessions
func (h *Handler) ListInterrupted(c *gin.Context) {
	recs, err := h.store.ListInterrupted()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted_sessions": recs})
}

// DiscardInterrupted drops an interrupted-session record
// POST /api/interrupted-sessions/:id/discard
func (h *Handler) DiscardInterrupted(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetInterrupted(id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.RemoveInterrupted(id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResumeInterrupted re-submits an interrupted session's prompt
// POST /api/interrupted-sessions/:id/resume
func (h *Handler) ResumeInterrupted(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetInterrupted(id); err != nil {
		respondError(c, err)
		return
	}
	go func() {
		if _, err := h.service.Resume(context.Background(), id); err != nil {
			h.logger.WithSessionID(id).WithError(err).Error("Resume failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

// Autopilot endpoints

// AutopilotStatus returns the loop state
// GET /api/projects/:slug/autopilot
func (h *Handler) AutopilotStatus(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.store.GetProject(slug); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pilot.Status(slug))
}

// AutopilotStart launches the outer loop
// POST /api/projects/:slug/autopilot
func (h *Handler) AutopilotStart(c *gin.Context) {
	var req StartAutopilotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if err := h.pilot.Start(context.Background(), c.Param("slug"), req.Inputs()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// AutopilotStop fires the external stop signal
// POST /api/projects/:slug/autopilot/stop
func (h *Handler) AutopilotStop(c *gin.Context) {
	if err := h.pilot.Stop(c.Param("slug")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// Health reports process-wide gauges
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	projects, err := h.store.ListProjects()
	if err != nil {
		h.logger.WithError(err).Error("Health: listing projects failed")
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Sessions:    h.service.Registry().Count(),
		Projects:    len(projects),
		Clients:     h.gateway.Clients(),
		ActiveLocks: h.locks.Active(),
	})
}
