package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huangang/vibecoding/internal/models"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidRole     = errors.New("invalid role")
)

type MemberService struct {
	db        *gorm.DB
	authority *permission.Authority
	queue     TaskQueue
}

func NewMemberService(db *gorm.DB, authority *permission.Authority, queue TaskQueue) *MemberService {
	return &MemberService{db: db, authority: authority, queue: queue}
}

// MemberInfo is one row of a project's member list.
type MemberInfo struct {
	UserID string          `json:"user_id"`
	Email  string          `json:"email"`
	Name   string          `json:"name"`
	Role   permission.Role `json:"role"`
	Scope  string          `json:"scope"`
	Owner  bool            `json:"owner"`
}

type InviteRequest struct {
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required"`
	URL   string `json:"url"`
}

func (s *MemberService) findProject(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	if err := s.db.WithContext(ctx).Where("id = ?", projectID).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, storeErr("find project", err)
	}
	return &project, nil
}

// ResolveRole returns Leader for the owner, the member's role for explicit
// grants and Viewer for everyone else.
func (s *MemberService) ResolveRole(ctx context.Context, projectID, userID string) (permission.Role, error) {
	project, err := s.findProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if project.OwnerID == userID {
		return permission.RoleLeader, nil
	}

	var member models.ProjectMember
	err = s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, userID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return permission.RoleViewer, nil
	}
	if err != nil {
		return "", storeErr("find member", err)
	}
	role, err := permission.ParseRole(member.Role)
	if err != nil || role == permission.RoleLeader {
		return permission.RoleViewer, nil
	}
	return role, nil
}

// Actor resolves userID into an Actor for projectID.
func (s *MemberService) Actor(ctx context.Context, projectID, userID string) (permission.Actor, error) {
	role, err := s.ResolveRole(ctx, projectID, userID)
	if err != nil {
		return permission.Actor{}, err
	}
	return permission.Actor{UserID: userID, Role: role}, nil
}

// ListMembers returns the owner first, then explicit members by join date.
func (s *MemberService) ListMembers(ctx context.Context, projectID string) ([]MemberInfo, error) {
	project, err := s.findProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var owner models.User
	ownerInfo := MemberInfo{UserID: project.OwnerID, Role: permission.RoleLeader, Scope: permission.RoleLeader.Scope(), Owner: true}
	if err := s.db.WithContext(ctx).Where("id = ?", project.OwnerID).First(&owner).Error; err == nil {
		ownerInfo.Email = owner.Email
		ownerInfo.Name = owner.Name
	}
	result := []MemberInfo{ownerInfo}

	var members []models.ProjectMember
	if err := s.db.WithContext(ctx).Preload("User").
		Where("project_id = ? AND user_id <> ?", projectID, project.OwnerID).
		Order("created_at").Find(&members).Error; err != nil {
		return nil, storeErr("list members", err)
	}
	for _, m := range members {
		role, err := permission.ParseRole(m.Role)
		if err != nil {
			role = permission.RoleViewer
		}
		info := MemberInfo{UserID: m.UserID, Role: role, Scope: role.Scope()}
		if m.User != nil {
			info.Email = m.User.Email
			info.Name = m.User.Name
		}
		result = append(result, info)
	}
	return result, nil
}

// UpdateRole changes a member's role. Only the Leader may do so; the Leader
// role itself cannot be granted and the owner's role is fixed.
func (s *MemberService) UpdateRole(ctx context.Context, actor permission.Actor, projectID, userID string, role permission.Role) error {
	if !s.authority.CanAssignRole(actor) {
		return &permission.AuthorizationError{Action: "change role", Reason: "only the Leader can change roles"}
	}
	if !role.Valid() || role == permission.RoleLeader {
		return fmt.Errorf("%w: %s cannot be assigned", ErrInvalidRole, role)
	}
	project, err := s.findProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID == userID {
		return &permission.AuthorizationError{Action: "change role", Reason: "the owner's role cannot change"}
	}

	res := s.db.WithContext(ctx).Model(&models.ProjectMember{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Update("role", string(role))
	if res.Error != nil {
		return storeErr("update role", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	logger.Info().Str("project_id", projectID).Str("user_id", userID).Str("role", string(role)).
		Str("by", actor.UserID).Msg("member role updated")
	return nil
}

// Invite grants the user with email a role and queues a notification.
// An existing membership is left unchanged.
func (s *MemberService) Invite(ctx context.Context, actor permission.Actor, projectID string, req *InviteRequest) (*MemberInfo, error) {
	role, err := permission.ParseRole(req.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRole, err)
	}
	if role == permission.RoleLeader {
		return nil, fmt.Errorf("%w: Leader cannot be granted", ErrInvalidRole)
	}
	if !s.authority.CanInvite(actor, role) {
		return nil, &permission.AuthorizationError{Action: "invite", Reason: fmt.Sprintf("%s cannot invite as %s", actor.Role, role)}
	}
	project, err := s.findProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var user models.User
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr("find user", err)
	}

	member := models.ProjectMember{ProjectID: projectID, UserID: user.ID, Role: string(role)}
	if user.ID != project.OwnerID {
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
			return nil, storeErr("create member", err)
		}
	}

	if s.queue != nil {
		task := &InviteTask{
			ProjectID:   projectID,
			ProjectName: project.Name,
			InviterID:   actor.UserID,
			UserID:      user.ID,
			Email:       user.Email,
			Role:        string(role),
			URL:         req.URL,
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			logger.Error().Err(err).Str("project_id", projectID).Msg("failed to enqueue invitation")
		}
	}
	return &MemberInfo{UserID: user.ID, Email: user.Email, Name: user.Name, Role: role, Scope: role.Scope()}, nil
}
