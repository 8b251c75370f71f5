package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

// Aggregator derives a workflow's status from its children's statuses. It is
// called after every task transition and is safe to call concurrently: the
// derivation is a pure function of the task statuses at read time and the
// write is a plain last-writer-wins update.
type Aggregator struct {
	workflows *WorkflowService
	tasks     *TaskService
}

func NewAggregator(workflows *WorkflowService, tasks *TaskService) *Aggregator {
	return &Aggregator{workflows: workflows, tasks: tasks}
}

// Recompute loads the workflow and its tasks, derives the new workflow status
// and persists it. Returns the derived status.
func (a *Aggregator) Recompute(ctx context.Context, workflowID string) (model.WorkflowStatus, error) {
	record, err := a.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("aggregation failed: %w", err)
	}

	tasks, err := a.tasks.GetByParent(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("aggregation failed: %w", err)
	}

	status := Derive(record.IsRevoked, tasks)
	if err := a.workflows.UpdateStatus(ctx, workflowID, status); err != nil {
		return "", fmt.Errorf("aggregation failed: %w", err)
	}

	slog.Debug("workflow status recomputed",
		"workflow_id", workflowID,
		"status", status,
		"tasks", len(tasks),
	)
	return status, nil
}

// Derive applies the status rule table, first match wins. A workflow with no
// tasks reports pending; the vacuous all-tasks-succeeded match is suppressed.
func Derive(revoked bool, tasks []model.TaskRecord) model.WorkflowStatus {
	if revoked {
		return model.WorkflowStatusRevoked
	}
	if len(tasks) == 0 {
		return model.WorkflowStatusPending
	}

	var pending, running, success, failure int
	for _, t := range tasks {
		switch t.Status {
		case model.TaskStatusPending:
			pending++
		case model.TaskStatusRunning:
			running++
		case model.TaskStatusSuccess:
			success++
		case model.TaskStatusFailure:
			failure++
		}
	}

	switch {
	case success == len(tasks):
		return model.WorkflowStatusSuccess
	case pending == len(tasks):
		return model.WorkflowStatusPending
	case failure > 0:
		return model.WorkflowStatusFailure
	case pending > 0:
		return model.WorkflowStatusPending
	case running > 0:
		return model.WorkflowStatusRunning
	default:
		return model.WorkflowStatusPending
	}
}
