package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// File is one text file of a project. Path is unique per project.
// LockedBy is nil when unlocked; Version grows on every content or lock write.
type File struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	ProjectID string    `gorm:"size:36;uniqueIndex:idx_project_path;not null" json:"project_id"`
	Path      string    `gorm:"size:500;uniqueIndex:idx_project_path;not null" json:"path"`
	Content   string    `gorm:"type:text" json:"content"`
	Language  string    `gorm:"size:50;default:text" json:"language"`
	LockedBy  *string   `gorm:"size:36" json:"locked_by"`
	Version   int64     `gorm:"default:1;not null" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (File) TableName() string { return "files" }

func (f *File) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Version == 0 {
		f.Version = 1
	}
	return nil
}

// LockOwner returns the lock owner or "" when unlocked.
func (f *File) LockOwner() string {
	if f.LockedBy == nil {
		return ""
	}
	return *f.LockedBy
}

// SetLockOwner sets LockedBy, storing "" as nil.
func (f *File) SetLockOwner(owner string) {
	if owner == "" {
		f.LockedBy = nil
		return
	}
	f.LockedBy = &owner
}
