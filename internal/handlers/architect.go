package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/internal/middleware"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/pkg/logger"
	"github.com/huangang/vibecoding/pkg/response"
)

// ArchitectHandler exposes AI generation, streamed and non-streamed.
type ArchitectHandler struct {
	architect *services.ArchitectService
}

func NewArchitectHandler(architect *services.ArchitectService) *ArchitectHandler {
	return &ArchitectHandler{architect: architect}
}

// Stream relays the model output as plain text and commits the accepted
// file blocks once the output ends. Failures before the first byte are
// answered with a plain-text reason.
// POST /api/architect
func (h *ArchitectHandler) Stream(c *gin.Context) {
	var req services.ArchitectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Text(c, response.NewBadRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	gen, err := h.architect.Prepare(ctx, middleware.GetUserID(c), &req)
	if err != nil {
		response.Text(c, appError(err))
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	result, err := gen.Run(ctx, c.Writer)
	if err != nil {
		logger.Warn().Err(err).Str("project_id", req.ProjectID).Msg("architect stream failed")
		return
	}
	logger.Info().Str("project_id", req.ProjectID).Strs("committed", result.Committed).
		Strs("dropped", result.Dropped).Msg("architect stream committed")
}

// Generate runs the same pipeline without streaming
// POST /api/ai/generate
func (h *ArchitectHandler) Generate(c *gin.Context) {
	var req services.ArchitectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.architect.Generate(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		appErr := appError(err)
		c.JSON(appErr.HTTPStatus, gin.H{"success": false, "error": appErr.Message})
		return
	}
	files := result.Committed
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": result.Summary,
		"files":   files,
	})
}
