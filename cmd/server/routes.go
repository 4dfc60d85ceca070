package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/internal/middleware"
	"github.com/huangang/vibecoding/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	r.GET("/health", svc.healthHandler.CheckHealth)

	api := r.Group("/api")
	api.GET("/health", svc.healthHandler.CheckHealth)

	// Everything below needs a token; event streams may pass it as ?token=
	protected := api.Group("", middleware.AuthRequired(), middleware.AuditLog())
	{
		// Projects
		protected.POST("/projects", svc.projectHandler.Create)
		protected.GET("/projects/:id", svc.projectHandler.GetByID)
		protected.GET("/projects/:id/history", svc.projectHandler.History)

		// Members & invitations
		protected.GET("/projects/:id/members", svc.memberHandler.List)
		protected.PUT("/projects/:id/members/:userId", svc.memberHandler.UpdateRole)
		protected.POST("/projects/:id/invitations", svc.memberHandler.Invite)

		// Live sessions
		protected.POST("/projects/:id/sessions", svc.sessionHandler.Open)
		sessions := protected.Group("/sessions/:sid")
		{
			sessions.GET("/events", svc.sessionHandler.Events)
			sessions.POST("/edits", svc.sessionHandler.Edit)
			sessions.POST("/files", svc.sessionHandler.CreateFile)
			sessions.POST("/files/:fileId/lock", svc.sessionHandler.ToggleLock)
			sessions.GET("/board", svc.sessionHandler.Board)
			sessions.POST("/board/changes", svc.sessionHandler.BoardChange)
			sessions.POST("/board/clear", svc.sessionHandler.ClearBoard)
			sessions.POST("/generation", svc.sessionHandler.Preview)
			sessions.DELETE("", svc.sessionHandler.Close)
		}

		// AI generation (rate limited per user)
		generation := protected.Group("", svc.limiter.Middleware())
		{
			generation.POST("/architect", svc.architectHandler.Stream)
			generation.POST("/ai/generate", svc.architectHandler.Generate)
		}
	}
}
