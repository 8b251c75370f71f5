package model

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidWorkflow marks submission-time validation failures. Invalid
// workflows are rejected before anything is persisted or enqueued.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Task names end up in object names and container labels, so spaces and dots
// are rejected.
var taskNamePattern = regexp.MustCompile(`^[^ .]+$`)

var validate = validator.New()

// Validate checks the workflow submission: struct-level constraints, unique
// task IDs, clean task names, and that every depends_on and input source
// references a sibling task.
func (w *Workflow) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	ids := make(map[string]struct{}, len(w.Tasks))
	for _, t := range w.Tasks {
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidWorkflow, t.ID)
		}
		ids[t.ID] = struct{}{}
	}

	for _, t := range w.Tasks {
		if !taskNamePattern.MatchString(t.Name) {
			return fmt.Errorf("%w: task %q name must not contain spaces or dots", ErrInvalidWorkflow, t.ID)
		}
		if t.Executor.Container == nil && t.Executor.HTTP == nil {
			return fmt.Errorf("%w: task %q has no executor", ErrInvalidWorkflow, t.ID)
		}
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidWorkflow, t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidWorkflow, t.ID)
			}
		}
		for _, in := range t.Inputs {
			if in.Source == "" {
				continue
			}
			if _, ok := ids[in.Source]; !ok {
				return fmt.Errorf("%w: task %q input %q names unknown source task %q",
					ErrInvalidWorkflow, t.ID, in.Path, in.Source)
			}
		}
	}
	return nil
}
