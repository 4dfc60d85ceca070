package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/vibecoding/internal/broadcast"
	"github.com/huangang/vibecoding/internal/models"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/pkg/logger"
	"gorm.io/gorm"
)

var (
	ErrFileNotFound     = errors.New("file not found")
	ErrFileExists       = errors.New("a file with this path already exists")
	ErrLocked           = errors.New("file is locked")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreSender is the sender id on change notifications published by the store.
const StoreSender = "store"

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeRecord is a row-level change notification for the files table.
type ChangeRecord struct {
	Type        ChangeType  `json:"type"`
	Record      models.File `json:"record"`
	OldLockedBy *string     `json:"old_locked_by"`
}

// LockChanged reports whether the change moved the lock.
func (c ChangeRecord) LockChanged() bool {
	return c.Record.LockOwner() != ptrValue(c.OldLockedBy)
}

func ptrValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func lockedErr(path, owner string) error {
	return fmt.Errorf("%w: %w", ErrLocked, &permission.AuthorizationError{
		Action: "edit " + path,
		Reason: "file is locked by " + owner,
	})
}

// FileService is the durable store of project files. Every successful write
// is announced on the room's db channel.
type FileService struct {
	db        *gorm.DB
	bus       broadcast.Bus
	authority *permission.Authority
}

func NewFileService(db *gorm.DB, bus broadcast.Bus, authority *permission.Authority) *FileService {
	return &FileService{db: db, bus: bus, authority: authority}
}

// ListByProject returns the project's files ordered by path.
func (s *FileService) ListByProject(ctx context.Context, projectID string) ([]models.File, error) {
	var files []models.File
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("path").Find(&files).Error; err != nil {
		return nil, storeErr("list files", err)
	}
	return files, nil
}

func (s *FileService) FindByID(ctx context.Context, fileID string) (*models.File, error) {
	var f models.File
	if err := s.db.WithContext(ctx).Where("id = ?", fileID).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, storeErr("find file", err)
	}
	return &f, nil
}

// FindByPath is the point read used for live lock lookups.
func (s *FileService) FindByPath(ctx context.Context, projectID, path string) (*models.File, error) {
	return findByPath(s.db.WithContext(ctx), projectID, path)
}

func findByPath(db *gorm.DB, projectID, path string) (*models.File, error) {
	var f models.File
	if err := db.Where("project_id = ? AND path = ?", projectID, path).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, storeErr("find file by path", err)
	}
	return &f, nil
}

// CreateFiles inserts files in one transaction. Language defaults from the path.
func (s *FileService) CreateFiles(ctx context.Context, files []models.File) ([]models.File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	for i := range files {
		if files[i].Language == "" {
			files[i].Language = DetectLanguage(files[i].Path)
		}
	}
	if err := s.db.WithContext(ctx).Create(&files).Error; err != nil {
		return nil, storeErr("create files", err)
	}
	for _, f := range files {
		s.publish(ctx, ChangeRecord{Type: ChangeInsert, Record: f})
	}
	return files, nil
}

// CreateFile adds a single file on behalf of actor.
func (s *FileService) CreateFile(ctx context.Context, projectID, path string, actor permission.Actor) (*models.File, error) {
	if !s.authority.CanCreateFile(path, actor) {
		return nil, &permission.AuthorizationError{Action: "create " + path, Reason: fmt.Sprintf("%s cannot create this file", actor.Role)}
	}
	if _, err := s.FindByPath(ctx, projectID, path); err == nil {
		return nil, ErrFileExists
	} else if !errors.Is(err, ErrFileNotFound) {
		return nil, err
	}
	created, err := s.CreateFiles(ctx, []models.File{{
		ProjectID: projectID,
		Path:      path,
		Content:   DefaultContent(path),
	}})
	if err != nil {
		return nil, err
	}
	return &created[0], nil
}

// WriteContent replaces a file's content. The lock check and the write are a
// single conditional UPDATE, so a lock taken in between makes the write fail.
func (s *FileService) WriteContent(ctx context.Context, fileID string, actor permission.Actor, content string) (*models.File, error) {
	f, err := s.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.authority.AuthorizeWrite(f.Path, f.LockOwner(), actor); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	if err := guardedContentUpdate(db, f, actor, content, ""); err != nil {
		return nil, err
	}
	updated, err := s.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, ChangeRecord{Type: ChangeUpdate, Record: *updated, OldLockedBy: f.LockedBy})
	return updated, nil
}

// guardedContentUpdate writes content only while the lock still admits
// actor. An empty language leaves the column as is.
func guardedContentUpdate(db *gorm.DB, f *models.File, actor permission.Actor, content, language string) error {
	q := db.Model(&models.File{}).Where("id = ?", f.ID)
	if actor.Role != permission.RoleLeader {
		q = q.Where("locked_by IS NULL OR locked_by = ?", actor.UserID)
	}
	fields := map[string]interface{}{
		"content":    content,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if language != "" {
		fields["language"] = language
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return storeErr("write file", res.Error)
	}
	if res.RowsAffected == 0 {
		var current models.File
		if err := db.Where("id = ?", f.ID).First(&current).Error; err != nil {
			return storeErr("reload file", err)
		}
		return lockedErr(f.Path, current.LockOwner())
	}
	return nil
}

// ToggleLock flips the lock between unlocked and actor. The update only
// applies if the lock still has the owner that was authorized against.
func (s *FileService) ToggleLock(ctx context.Context, fileID string, actor permission.Actor) (*models.File, error) {
	f, err := s.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	newOwner, err := s.authority.ToggleLock(f.LockOwner(), actor)
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.File{}).Where("id = ?", fileID)
	if f.LockedBy == nil {
		q = q.Where("locked_by IS NULL")
	} else {
		q = q.Where("locked_by = ?", *f.LockedBy)
	}
	var lockValue interface{}
	if newOwner != "" {
		lockValue = newOwner
	}
	res := q.Updates(map[string]interface{}{
		"locked_by":  lockValue,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return nil, storeErr("toggle lock", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, lockedErr(f.Path, "another user")
	}

	updated, err := s.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("project_id", f.ProjectID).
		Str("file_id", fileID).
		Str("actor", actor.UserID).
		Str("locked_by", updated.LockOwner()).
		Msg("file lock toggled")
	s.publish(ctx, ChangeRecord{Type: ChangeUpdate, Record: *updated, OldLockedBy: f.LockedBy})
	return updated, nil
}

// UpsertByPath writes content keyed by (project, path) after re-checking the
// live lock state. A missing file is created when actor may create it.
func (s *FileService) UpsertByPath(ctx context.Context, projectID, path, content string, actor permission.Actor) (*models.File, error) {
	var (
		result *models.File
		change ChangeRecord
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, change, err = s.upsertTx(tx, projectID, path, content, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, change)
	return result, nil
}

// upsertTx is UpsertByPath inside a caller's transaction. An authorization
// error is returned before anything is written. Language is refreshed from
// the path on every write.
func (s *FileService) upsertTx(tx *gorm.DB, projectID, path, content string, actor permission.Actor) (*models.File, ChangeRecord, error) {
	existing, err := findByPath(tx, projectID, path)
	if errors.Is(err, ErrFileNotFound) {
		if !s.authority.CanCreateFile(path, actor) {
			return nil, ChangeRecord{}, &permission.AuthorizationError{Action: "create " + path, Reason: fmt.Sprintf("%s cannot create this file", actor.Role)}
		}
		f := models.File{
			ProjectID: projectID,
			Path:      path,
			Content:   content,
			Language:  DetectLanguage(path),
		}
		if err := tx.Create(&f).Error; err != nil {
			return nil, ChangeRecord{}, storeErr("create file", err)
		}
		return &f, ChangeRecord{Type: ChangeInsert, Record: f}, nil
	}
	if err != nil {
		return nil, ChangeRecord{}, err
	}

	if err := s.authority.AuthorizeWrite(path, existing.LockOwner(), actor); err != nil {
		return nil, ChangeRecord{}, err
	}
	if err := guardedContentUpdate(tx, existing, actor, content, DetectLanguage(path)); err != nil {
		return nil, ChangeRecord{}, err
	}
	var updated models.File
	if err := tx.Where("id = ?", existing.ID).First(&updated).Error; err != nil {
		return nil, ChangeRecord{}, storeErr("reload file", err)
	}
	return &updated, ChangeRecord{Type: ChangeUpdate, Record: updated, OldLockedBy: existing.LockedBy}, nil
}

// publish announces a change. The bus is best effort: failures are logged only.
func (s *FileService) publish(ctx context.Context, change ChangeRecord) {
	if s.bus == nil {
		return
	}
	topic := broadcast.Topic(change.Record.ProjectID, broadcast.ChannelDB)
	if err := s.bus.Publish(ctx, topic, broadcast.EventDBChange, StoreSender, change); err != nil {
		logger.Warn().Err(err).
			Str("project_id", change.Record.ProjectID).
			Str("file_id", change.Record.ID).
			Msg("failed to publish file change")
	}
}
