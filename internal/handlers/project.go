package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/internal/middleware"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/pkg/response"
)

const maxHistoryLimit = 200

type ProjectHandler struct {
	projects *services.ProjectService
	history  *services.HistoryService
	window   int
}

func NewProjectHandler(projects *services.ProjectService, history *services.HistoryService, window int) *ProjectHandler {
	if window <= 0 {
		window = 30
	}
	return &ProjectHandler{projects: projects, history: history, window: window}
}

// Create creates a project owned by the caller
// POST /api/projects
func (h *ProjectHandler) Create(c *gin.Context) {
	var req services.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	if _, err := h.projects.EnsureUser(ctx, userID, middleware.GetEmail(c), middleware.GetName(c)); err != nil {
		response.Error(c, appError(err))
		return
	}

	project, err := h.projects.Create(ctx, userID, &req)
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Created(c, project)
}

// GetByID returns a project
// GET /api/projects/:id
func (h *ProjectHandler) GetByID(c *gin.Context) {
	project, err := h.projects.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, project)
}

// History returns the most recent chat records, oldest first
// GET /api/projects/:id/history?limit=30
func (h *ProjectHandler) History(c *gin.Context) {
	limit := h.window
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	if _, err := h.projects.GetByID(ctx, c.Param("id")); err != nil {
		response.Error(c, appError(err))
		return
	}
	records, err := h.history.Recent(ctx, c.Param("id"), limit)
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, records)
}
