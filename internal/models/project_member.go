package models

import (
	"time"
)

// ProjectMember grants a user a role within a project. The owner has no row.
type ProjectMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID string    `gorm:"size:36;uniqueIndex:idx_project_user;not null" json:"project_id"`
	UserID    string    `gorm:"size:36;uniqueIndex:idx_project_user;not null" json:"user_id"`
	User      *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Role      string    `gorm:"size:20;default:Viewer" json:"role"` // Leader, Frontend, Backend, Viewer
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProjectMember) TableName() string { return "project_members" }
