package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/internal/livesync"
	"github.com/huangang/vibecoding/internal/middleware"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/internal/whiteboard"
	"github.com/huangang/vibecoding/pkg/logger"
	"github.com/huangang/vibecoding/pkg/response"
)

const heartbeatInterval = 25 * time.Second

// SessionHandler serves live sessions: one server-held view of a project
// per connected client.
type SessionHandler struct {
	registry *livesync.Registry
	members  *services.MemberService
	projects *services.ProjectService
}

func NewSessionHandler(registry *livesync.Registry, members *services.MemberService, projects *services.ProjectService) *SessionHandler {
	return &SessionHandler{registry: registry, members: members, projects: projects}
}

type EditRequest struct {
	FileID  string `json:"file_id" binding:"required"`
	Content string `json:"content"`
}

type CreateFileRequest struct {
	Path string `json:"path" binding:"required"`
}

// session returns the caller's session for :sid. Sessions of other users
// are reported as missing.
func (h *SessionHandler) session(c *gin.Context) (*livesync.Session, bool) {
	s, err := h.registry.Get(c.Param("sid"))
	if err == nil && s.Actor().UserID != middleware.GetUserID(c) {
		err = livesync.ErrSessionNotFound
	}
	if err != nil {
		response.Error(c, appError(err))
		return nil, false
	}
	return s, true
}

// Open resolves the caller's role and opens a bootstrapped session
// POST /api/projects/:id/sessions
func (h *SessionHandler) Open(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("id")
	userID := middleware.GetUserID(c)

	if _, err := h.projects.GetByID(ctx, projectID); err != nil {
		response.Error(c, appError(err))
		return
	}
	if _, err := h.projects.EnsureUser(ctx, userID, middleware.GetEmail(c), middleware.GetName(c)); err != nil {
		response.Error(c, appError(err))
		return
	}
	actor, err := h.members.Actor(ctx, projectID, userID)
	if err != nil {
		response.Error(c, appError(err))
		return
	}

	s, files, err := h.registry.Create(ctx, projectID, actor)
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Created(c, gin.H{
		"session_id": s.ID(),
		"role":       actor.Role,
		"scope":      actor.Role.Scope(),
		"files":      files,
	})
}

// Events streams the session's updates, starting with a full snapshot
// GET /api/sessions/:sid/events
func (h *SessionHandler) Events(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	detach := s.Attach()
	defer detach()

	log := logger.With("sse").With().Str("session_id", s.ID()).Logger()
	log.Info().Msg("SSE client connected")

	send := func(w io.Writer, u livesync.Update) bool {
		data, err := json.Marshal(u)
		if err != nil {
			log.Error().Err(err).Msg("SSE marshal error")
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Kind, data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !send(c.Writer, livesync.Update{Kind: livesync.UpdateFiles, Files: s.Snapshot()}) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case u := <-s.Updates():
			return send(w, u)
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			c.Writer.Flush()
			return true
		case <-s.Done():
			log.Info().Msg("session closed, ending SSE stream")
			return false
		case <-c.Request.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return false
		}
	})
}

// Edit applies a keystroke-level edit; the durable write is debounced
// POST /api/sessions/:sid/edits
func (h *SessionHandler) Edit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := s.ApplyLocalEdit(c.Request.Context(), req.FileID, req.Content); err != nil {
		response.Error(c, appError(err))
		return
	}
	f, _ := s.File(req.FileID)
	response.Success(c, f)
}

// CreateFile adds an empty file to the project
// POST /api/sessions/:sid/files
func (h *SessionHandler) CreateFile(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req CreateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	f, err := s.CreateFile(c.Request.Context(), req.Path)
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Created(c, f)
}

// ToggleLock locks an unlocked file or releases it
// POST /api/sessions/:sid/files/:fileId/lock
func (h *SessionHandler) ToggleLock(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	f, err := s.ToggleLock(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, f)
}

// Board returns the session's whiteboard records
// GET /api/sessions/:sid/board
func (h *SessionHandler) Board(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.Success(c, s.Board().Records())
}

// BoardChange applies a whiteboard diff made by the client
// POST /api/sessions/:sid/board/changes
func (h *SessionHandler) BoardChange(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	diff, err := whiteboard.ParseDiff(body)
	if err != nil {
		response.BadRequest(c, "invalid board diff: "+err.Error())
		return
	}
	response.Success(c, s.ApplyBoardChange(diff))
}

// ClearBoard removes every shape from every client's board
// POST /api/sessions/:sid/board/clear
func (h *SessionHandler) ClearBoard(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.ClearBoard(c.Request.Context()); err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, nil)
}

// Preview replays a generation body into the session's display
// POST /api/sessions/:sid/generation
func (h *SessionHandler) Preview(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.PreviewGeneration(c.Request.Context(), c.Request.Body)
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	paths := make([]string, 0, len(result.Intents))
	for _, in := range result.Intents {
		paths = append(paths, in.Path)
	}
	response.Success(c, gin.H{
		"message":   result.SummaryOrDefault(),
		"files":     paths,
		"truncated": result.Truncated,
	})
}

// Close ends the session, writing its pending edits first
// DELETE /api/sessions/:sid
func (h *SessionHandler) Close(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.registry.Remove(s.ID()); err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, nil)
}
