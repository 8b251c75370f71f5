package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

// ErrWorkflowNotFound is returned when a workflow ID does not exist in the store.
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowService persists and queries workflow records. All writes are
// upserts on the workflow ID so concurrent aggregation passes cannot conflict;
// last writer wins.
type WorkflowService struct {
	db *gorm.DB
}

func NewWorkflowService(db *gorm.DB) *WorkflowService {
	return &WorkflowService{db: db}
}

// GetByID retrieves a workflow record by its ID.
func (s *WorkflowService) GetByID(ctx context.Context, id string) (*model.WorkflowRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("workflow ID cannot be empty")
	}

	var record model.WorkflowRecord
	result := s.db.WithContext(ctx).First(&record, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("failed to retrieve workflow: %w", result.Error)
	}
	return &record, nil
}

// CreatePending writes the initial workflow record at submission time.
func (s *WorkflowService) CreatePending(ctx context.Context, wf *model.Workflow, now time.Time) error {
	record := model.WorkflowRecord{
		ID:        wf.ID,
		Label:     wf.Label,
		Metadata:  wf.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.WorkflowStatusPending,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"label", "metadata", "updated_at", "status",
		}),
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to create workflow %s: %w", wf.ID, result.Error)
	}
	return nil
}

// UpdateStatus rewrites the derived status and the update timestamp.
func (s *WorkflowService) UpdateStatus(ctx context.Context, id string, status model.WorkflowStatus) error {
	result := s.db.WithContext(ctx).Model(&model.WorkflowRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update workflow %s status: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

// Revoke marks the workflow as revoked. In-flight tasks are not interrupted;
// still-queued tasks are dropped when their messages are consumed.
func (s *WorkflowService) Revoke(ctx context.Context, id string) (*model.WorkflowRecord, error) {
	record, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.IsRevoked {
		return record, nil
	}

	result := s.db.WithContext(ctx).Model(&model.WorkflowRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_revoked": true,
			"status":     model.WorkflowStatusRevoked,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to revoke workflow %s: %w", id, result.Error)
	}
	record.IsRevoked = true
	record.Status = model.WorkflowStatusRevoked
	return record, nil
}
