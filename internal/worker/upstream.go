package worker

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

// UpstreamOutcome is the result of checking a task's dependencies.
type UpstreamOutcome int

const (
	// UpstreamReady means every dependency succeeded; the task may run.
	UpstreamReady UpstreamOutcome = iota
	// UpstreamWaiting means at least one dependency is still pending or
	// running; the message must be re-enqueued.
	UpstreamWaiting
	// UpstreamFailed means at least one dependency failed; the task must not run.
	UpstreamFailed
)

// UpstreamError reports the dependency that makes a task unrunnable.
type UpstreamError struct {
	TaskID           string
	FailedDependency string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("task %q failed due to upstream task %q", e.TaskID, e.FailedDependency)
}

// checkUpstream examines the persisted records of every dependency. Tasks
// with no dependencies are ready immediately. A failed dependency returns
// UpstreamFailed with an UpstreamError; otherwise any unfinished dependency
// returns UpstreamWaiting with the IDs still outstanding.
func checkUpstream(ctx context.Context, tasks *service.TaskService, task model.Task, workflowID string) (UpstreamOutcome, []string, error) {
	if len(task.DependsOn) == 0 {
		return UpstreamReady, nil, nil
	}

	records, err := tasks.GetByParent(ctx, workflowID)
	if err != nil {
		return UpstreamWaiting, nil, err
	}

	statuses := make(map[string]model.TaskStatus, len(records))
	for _, r := range records {
		statuses[r.ID] = r.Status
	}

	var waiting []string
	for _, dep := range task.DependsOn {
		status, ok := statuses[dep]
		if !ok {
			// The scheduler enqueues in topological order, but record writes
			// may race with delivery. Treat a missing record as unfinished.
			waiting = append(waiting, dep)
			continue
		}
		switch status {
		case model.TaskStatusFailure:
			return UpstreamFailed, nil, &UpstreamError{TaskID: task.ID, FailedDependency: dep}
		case model.TaskStatusPending, model.TaskStatusRunning:
			waiting = append(waiting, dep)
		}
	}

	if len(waiting) > 0 {
		return UpstreamWaiting, waiting, nil
	}
	return UpstreamReady, nil, nil
}
