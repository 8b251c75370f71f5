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

// ErrTaskNotFound is returned when a (parent, id) pair does not exist in the store.
var ErrTaskNotFound = errors.New("task not found")

// TaskService persists and queries task records keyed by (parent, id). Status
// writes are upserts on that key so broker redeliveries are harmless, and a
// record never transitions out of a terminal status.
type TaskService struct {
	db *gorm.DB
}

func NewTaskService(db *gorm.DB) *TaskService {
	return &TaskService{db: db}
}

// Create inserts the pending record the scheduler writes before enqueueing.
// Re-submission of the same workflow overwrites the previous records.
func (s *TaskService) Create(ctx context.Context, record model.TaskRecord) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "parent"}, {Name: "id"}},
		UpdateAll: true,
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to create task %s/%s: %w", record.Parent, record.ID, result.Error)
	}
	return nil
}

// GetByParent retrieves all task records of one workflow.
func (s *TaskService) GetByParent(ctx context.Context, parent string) ([]model.TaskRecord, error) {
	if parent == "" {
		return nil, fmt.Errorf("parent workflow ID cannot be empty")
	}

	var records []model.TaskRecord
	result := s.db.WithContext(ctx).Where("parent = ?", parent).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve tasks for workflow %s: %w", parent, result.Error)
	}
	return records, nil
}

// GetOne retrieves a single task record by its (parent, id) key.
func (s *TaskService) GetOne(ctx context.Context, parent, id string) (*model.TaskRecord, error) {
	var record model.TaskRecord
	result := s.db.WithContext(ctx).First(&record, "parent = ? AND id = ?", parent, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, parent, id)
		}
		return nil, fmt.Errorf("failed to retrieve task %s/%s: %w", parent, id, result.Error)
	}
	return &record, nil
}

// SetRunning transitions a task to running. A record already in a terminal
// status is left untouched so a redelivered message cannot resurrect it.
func (s *TaskService) SetRunning(ctx context.Context, parent, id string) error {
	return s.setStatus(ctx, parent, id, model.TaskStatusRunning, nil)
}

// SetSuccess records the executor log and transitions the task to success.
func (s *TaskService) SetSuccess(ctx context.Context, parent, id, log string) error {
	return s.setStatus(ctx, parent, id, model.TaskStatusSuccess, &model.Result{Log: log})
}

// SetFailure records the failure message and transitions the task to failure.
func (s *TaskService) SetFailure(ctx context.Context, parent, id, message string) error {
	return s.setStatus(ctx, parent, id, model.TaskStatusFailure, &model.Result{Message: message})
}

func (s *TaskService) setStatus(ctx context.Context, parent, id string, status model.TaskStatus, result *model.Result) error {
	// Struct-based update so the json serializer is applied to the result column.
	record := model.TaskRecord{
		Status:    status,
		UpdatedAt: time.Now().UTC(),
		Result:    result,
	}

	res := s.db.WithContext(ctx).Model(&model.TaskRecord{}).
		Where("parent = ? AND id = ?", parent, id).
		Where("status NOT IN ?", []model.TaskStatus{model.TaskStatusSuccess, model.TaskStatusFailure}).
		Select("status", "updated_at", "result").
		Updates(record)
	if res.Error != nil {
		return fmt.Errorf("failed to set task %s/%s to %s: %w", parent, id, status, res.Error)
	}
	return nil
}
