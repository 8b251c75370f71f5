package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

// Log filename layout: DD-MM-YYYY-HH:MM:SS in the configured timezone.
const logTimeLayout = "02-01-2006-15:04:05"

// emptyLogPlaceholder is uploaded when the executor produced no output.
const emptyLogPlaceholder = "There were no logs produced for this task."

// ObjectStore is the slice of the artifact store the runner needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, objectName, filePath string) error
	DownloadFile(ctx context.Context, objectName, filePath string) error
}

// Executor runs one task in its working directory and returns the log text.
type Executor interface {
	Execute(ctx context.Context, task model.Task, workdir string) (string, error)
}

// Runner drives one task execution through its four phases: download inputs,
// execute, upload outputs, upload the log. Artifact paths are appended
// verbatim to the working directory and to the object-name prefixes, so a
// leading slash on an artifact path is preserved in both.
type Runner struct {
	store    ObjectStore
	executor Executor
	location *time.Location
}

func New(store ObjectStore, executor Executor, location *time.Location) *Runner {
	return &Runner{store: store, executor: executor, location: location}
}

// Run executes the task in the given working directory and returns the
// executor's log text. Each phase failure carries its classified error type.
func (r *Runner) Run(ctx context.Context, task model.Task, workflowID, workdir string) (string, error) {
	author := task.Metadata.Author()

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working directory %s: %w", workdir, err)
	}

	if err := r.downloadInputs(ctx, task, author, workflowID, workdir); err != nil {
		return "", err
	}

	logText, err := r.executor.Execute(ctx, task, workdir)
	if err != nil {
		return "", err
	}

	if err := r.uploadOutputs(ctx, task, author, workflowID, workdir); err != nil {
		return "", err
	}

	if err := r.uploadLog(ctx, task, author, workflowID, workdir, logText); err != nil {
		return "", err
	}

	return logText, nil
}

func (r *Runner) downloadInputs(ctx context.Context, task model.Task, author, workflowID, workdir string) error {
	for _, in := range task.Inputs {
		objectName := in.RemoteInputName(author, workflowID)
		filePath := workdir + in.Path

		if err := r.store.DownloadFile(ctx, objectName, filePath); err != nil {
			return &InputDownloadError{ObjectName: objectName, FilePath: filePath, Err: err}
		}
		slog.Debug("input downloaded", "task_id", task.ID, "object", objectName)
	}
	return nil
}

func (r *Runner) uploadOutputs(ctx context.Context, task model.Task, author, workflowID, workdir string) error {
	for _, out := range task.Outputs {
		filePath := workdir + out.Path
		if _, err := os.Stat(filePath); err != nil {
			return &FileNotFoundForUploadError{FilePath: filePath}
		}

		objectName := out.RemoteOutputName(author, workflowID, task.ID)
		if err := r.store.UploadFile(ctx, objectName, filePath); err != nil {
			return &UploadError{ObjectName: objectName, FilePath: filePath, Err: err}
		}
		slog.Debug("output uploaded", "task_id", task.ID, "object", objectName)
	}
	return nil
}

func (r *Runner) uploadLog(ctx context.Context, task model.Task, author, workflowID, workdir, logText string) error {
	fileName := time.Now().In(r.location).Format(logTimeLayout) + "-log.txt"
	filePath := filepath.Join(workdir, fileName)

	if logText == "" {
		logText = emptyLogPlaceholder
	}
	if err := os.WriteFile(filePath, []byte(logText), 0o644); err != nil {
		return fmt.Errorf("failed to write log file %s: %w", filePath, err)
	}

	objectName := path.Join(author, workflowID, task.ID, fileName)
	if err := r.store.UploadFile(ctx, objectName, filePath); err != nil {
		return &UploadError{ObjectName: objectName, FilePath: filePath, Err: err}
	}
	return nil
}
