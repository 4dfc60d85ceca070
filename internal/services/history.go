package services

import (
	"context"

	"github.com/huangang/vibecoding/internal/models"
	"gorm.io/gorm"
)

// HistoryService stores the append-only AI conversation of each project.
type HistoryService struct {
	db *gorm.DB
}

func NewHistoryService(db *gorm.DB) *HistoryService {
	return &HistoryService{db: db}
}

// Append inserts records in order, in one transaction.
func (s *HistoryService) Append(ctx context.Context, projectID string, records ...models.ChatMessage) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendHistory(tx, projectID, records)
	})
}

func appendHistory(tx *gorm.DB, projectID string, records []models.ChatMessage) error {
	for i := range records {
		records[i].ProjectID = projectID
		if err := tx.Create(&records[i]).Error; err != nil {
			return storeErr("append history", err)
		}
	}
	return nil
}

// Recent returns the n most recent records, oldest first. n <= 0 returns all.
func (s *HistoryService) Recent(ctx context.Context, projectID string, n int) ([]models.ChatMessage, error) {
	var records []models.ChatMessage
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, storeErr("list history", err)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
