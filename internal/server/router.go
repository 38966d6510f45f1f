package server

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers all API endpoints on the given router group.
func SetupRoutes(api *gin.RouterGroup, h *Handler) {
	api.GET("/health", h.Health)

	projects := api.Group("/projects")
	{
		projects.POST("", h.CreateProject)
		projects.GET("", h.ListProjects)
		projects.GET("/:slug", h.GetProject)
		projects.DELETE("/:slug", h.DeleteProject)

		projects.GET("/:slug/sessions", h.ListSessions)
		projects.POST("/:slug/sessions", h.StartSession)
		projects.GET("/:slug/sessions/:id", h.GetSession)
		projects.POST("/:slug/sessions/:id/chat", h.Chat)
		projects.POST("/:slug/sessions/:id/abort", h.AbortSession)
		projects.GET("/:slug/sessions/:id/diff", h.Diff)
		projects.POST("/:slug/sessions/:id/rollback", h.Rollback)

		projects.GET("/:slug/settings", h.GetSettings)
		projects.PUT("/:slug/settings", h.PutSettings)
		projects.GET("/:slug/skills", h.GetSkills)
		projects.PUT("/:slug/skills", h.PutSkills)

		projects.GET("/:slug/autopilot", h.AutopilotStatus)
		projects.POST("/:slug/autopilot", h.AutopilotStart)
		projects.POST("/:slug/autopilot/stop", h.AutopilotStop)
	}

	api.GET("/checkpoints", h.ListCheckpoints)

	interrupted := api.Group("/interrupted-sessions")
	{
		interrupted.GET("", h.ListInterrupted)
		interrupted.POST("/:id/discard", h.DiscardInterrupted)
		interrupted.POST("/:id/resume", h.ResumeInterrupted)
	}
}
