package executor

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

// Engine dispatches a task to the executor variant named by its type tag and
// returns the execution log.
type Engine struct {
	container *ContainerRunner
	http      *HTTPRunner
}

func NewEngine(container *ContainerRunner, http *HTTPRunner) *Engine {
	return &Engine{container: container, http: http}
}

// Execute runs one task in its working directory and returns the log text.
func (e *Engine) Execute(ctx context.Context, task model.Task, workdir string) (string, error) {
	switch task.Executor.Type {
	case model.ExecutorTypeContainer:
		return e.container.Execute(ctx, task.Executor.Container, workdir)
	case model.ExecutorTypeHTTP:
		return e.http.Execute(ctx, task.Executor.HTTP, task, workdir)
	default:
		return "", fmt.Errorf("task %s has unknown executor type %q", task.ID, task.Executor.Type)
	}
}
