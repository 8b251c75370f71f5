package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/internal/broker"
	"github.com/taskmesh/taskmesh/internal/workflow/model"
	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

// ErrMissingTasks is returned when the topological sort drops tasks, which
// happens when the dependency graph contains a cycle.
var ErrMissingTasks = errors.New("some tasks are missing from the schedule")

// Publisher is the slice of the broker the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, msg broker.TaskMessage) error
}

// Scheduler admits a submitted workflow: it persists the workflow and its
// tasks as pending and enqueues every task as an independent broker message
// in topological order. The order is advisory; workers re-verify upstream
// readiness on every delivery.
type Scheduler struct {
	workflows  *service.WorkflowService
	tasks      *service.TaskService
	aggregator *service.Aggregator
	publisher  Publisher
}

func New(workflows *service.WorkflowService, tasks *service.TaskService, aggregator *service.Aggregator, publisher Publisher) *Scheduler {
	return &Scheduler{
		workflows:  workflows,
		tasks:      tasks,
		aggregator: aggregator,
		publisher:  publisher,
	}
}

// Run validates, persists and enqueues the workflow. Returns the workflow ID.
func (s *Scheduler) Run(ctx context.Context, wf *model.Workflow) (string, error) {
	wf.ApplyDefaults()
	if err := wf.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := s.workflows.CreatePending(ctx, wf, now); err != nil {
		return "", err
	}

	// Workflow metadata is inherited by every task.
	for i := range wf.Tasks {
		wf.Tasks[i].Metadata.Merge(wf.Metadata)
	}

	order, err := SortTasks(wf)
	if err != nil {
		return "", err
	}

	index := make(map[string]model.Task, len(wf.Tasks))
	for _, t := range wf.Tasks {
		index[t.ID] = t
	}

	for _, taskID := range order {
		if err := s.enqueue(ctx, index[taskID], wf.ID, now); err != nil {
			return "", err
		}
	}

	// A workflow with no tasks settles immediately.
	if len(wf.Tasks) == 0 {
		if _, err := s.aggregator.Recompute(ctx, wf.ID); err != nil {
			return "", err
		}
	}

	slog.Info("workflow scheduled", "workflow_id", wf.ID, "tasks", len(wf.Tasks))
	return wf.ID, nil
}

func (s *Scheduler) enqueue(ctx context.Context, task model.Task, workflowID string, now time.Time) error {
	if err := s.tasks.Create(ctx, model.NewTaskRecord(workflowID, task, now)); err != nil {
		return err
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialise task %s: %w", task.ID, err)
	}

	msg := broker.TaskMessage{
		Queue:      task.Options.QueueName,
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Task:       payload,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return err
	}

	slog.Debug("task enqueued", "workflow_id", workflowID, "task_id", task.ID)
	return nil
}

// SortTasks computes a linear extension of the dependency DAG by iterative
// depth-first search in reverse post-order. Roots are tasks with no declared
// dependencies, visited in submission order. Returns ErrMissingTasks when the
// sort drops tasks (a cycle, or tasks only reachable through one).
func SortTasks(wf *model.Workflow) ([]string, error) {
	dependents := make(map[string][]string, len(wf.Tasks))
	var roots []string
	for _, t := range wf.Tasks {
		if len(t.DependsOn) == 0 {
			roots = append(roots, t.ID)
			continue
		}
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	type frame struct {
		id   string
		next int
	}

	seen := make(map[string]bool, len(wf.Tasks))
	var order []string

	for _, root := range roots {
		if seen[root] {
			continue
		}
		seen[root] = true
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := dependents[top.id]
			if top.next < len(children) {
				child := children[top.next]
				top.next++
				if !seen[child] {
					seen[child] = true
					stack = append(stack, frame{id: child})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}

	if len(order) != len(wf.Tasks) {
		return nil, fmt.Errorf("%w: sorted %d of %d tasks", ErrMissingTasks, len(order), len(wf.Tasks))
	}

	// Reverse the post-order to obtain the linear extension.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
