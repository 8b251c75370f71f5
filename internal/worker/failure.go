package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

// FailureSink records the terminal failure of a task delivery: it writes the
// error summary as the task result, sets the status to failure, and triggers
// workflow aggregation. It is the single authoritative failure writer for
// errors the worker does not handle itself.
type FailureSink struct {
	tasks      *service.TaskService
	aggregator *service.Aggregator
}

func NewFailureSink(tasks *service.TaskService, aggregator *service.Aggregator) *FailureSink {
	return &FailureSink{tasks: tasks, aggregator: aggregator}
}

// Record marks the task failed with the given cause and recomputes the
// parent workflow status.
func (s *FailureSink) Record(ctx context.Context, workflowID, taskID string, cause error) error {
	slog.Error("recording task failure",
		"workflow_id", workflowID,
		"task_id", taskID,
		"error", cause,
	)

	if err := s.tasks.SetFailure(ctx, workflowID, taskID, cause.Error()); err != nil {
		return fmt.Errorf("failure sink could not record task %s/%s: %w", workflowID, taskID, err)
	}
	if _, err := s.aggregator.Recompute(ctx, workflowID); err != nil {
		return err
	}
	return nil
}
