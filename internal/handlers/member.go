package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/internal/middleware"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/pkg/response"
)

// MemberHandler exposes project membership and invitations.
type MemberHandler struct {
	members *services.MemberService
}

func NewMemberHandler(members *services.MemberService) *MemberHandler {
	return &MemberHandler{members: members}
}

type UpdateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// List returns the owner first, then the explicit members
// GET /api/projects/:id/members
func (h *MemberHandler) List(c *gin.Context) {
	members, err := h.members.ListMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, members)
}

// UpdateRole changes a member's role
// PUT /api/projects/:id/members/:userId
func (h *MemberHandler) UpdateRole(c *gin.Context) {
	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	role, err := permission.ParseRole(req.Role)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	projectID := c.Param("id")
	actor, err := h.members.Actor(ctx, projectID, middleware.GetUserID(c))
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	if err := h.members.UpdateRole(ctx, actor, projectID, c.Param("userId"), role); err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Success(c, gin.H{"user_id": c.Param("userId"), "role": role, "scope": role.Scope()})
}

// Invite grants a registered user access and queues the notification
// POST /api/projects/:id/invitations
func (h *MemberHandler) Invite(c *gin.Context) {
	var req services.InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	projectID := c.Param("id")
	actor, err := h.members.Actor(ctx, projectID, middleware.GetUserID(c))
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	member, err := h.members.Invite(ctx, actor, projectID, &req)
	if err != nil {
		response.Error(c, appError(err))
		return
	}
	response.Created(c, member)
}
