package services

import (
	"context"
	"errors"
	"strings"

	"github.com/huangang/vibecoding/internal/models"
	"gorm.io/gorm"
)

type ProjectService struct {
	db *gorm.DB
}

func NewProjectService(db *gorm.DB) *ProjectService {
	return &ProjectService{db: db}
}

type CreateProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// Create makes ownerID the owner, and so the Leader, of a new project.
func (s *ProjectService) Create(ctx context.Context, ownerID string, req *CreateProjectRequest) (*models.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("project name is required")
	}
	project := models.Project{Name: name, OwnerID: ownerID}
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		return nil, storeErr("create project", err)
	}
	return &project, nil
}

func (s *ProjectService) GetByID(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, storeErr("find project", err)
	}
	return &project, nil
}

// EnsureUser registers a user in the directory if it is not there yet.
func (s *ProjectService) EnsureUser(ctx context.Context, id, email, name string) (*models.User, error) {
	user := models.User{ID: id, Email: strings.ToLower(email), Name: name}
	err := s.db.WithContext(ctx).Where(models.User{ID: id}).Attrs(user).FirstOrCreate(&user).Error
	if err != nil {
		return nil, storeErr("ensure user", err)
	}
	return &user, nil
}
