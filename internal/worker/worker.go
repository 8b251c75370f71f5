package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskmesh/taskmesh/internal/broker"
	"github.com/taskmesh/taskmesh/internal/workflow/model"
	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

// Defer backoff bounds. The delay grows with the message's deferral count so
// a workflow with a slow upstream does not busy-loop the queue.
const (
	deferInitialDelay = 500 * time.Millisecond
	deferMaxDelay     = 30 * time.Second
)

// Publisher is the slice of the broker the worker needs for re-enqueueing.
type Publisher interface {
	Publish(ctx context.Context, msg broker.TaskMessage) error
}

// TaskRunner executes one task in a working directory and returns its log.
type TaskRunner interface {
	Run(ctx context.Context, task model.Task, workflowID, workdir string) (string, error)
}

// Worker is the per-message actor. Every delivery terminates in one of four
// states: deferred (re-enqueued), succeeded, failed (routed to the failure
// sink), or skipped because an upstream dependency failed. Each terminal
// state performs exactly one status write, and all writes are upserts on
// (parent, id), so redeliveries are harmless.
type Worker struct {
	publisher  Publisher
	workflows  *service.WorkflowService
	tasks      *service.TaskService
	aggregator *service.Aggregator
	runner     TaskRunner
	sink       *FailureSink

	dataDir    string
	maxRetries int
}

func New(
	publisher Publisher,
	workflows *service.WorkflowService,
	tasks *service.TaskService,
	aggregator *service.Aggregator,
	runner TaskRunner,
	sink *FailureSink,
	dataDir string,
	maxRetries int,
) *Worker {
	return &Worker{
		publisher:  publisher,
		workflows:  workflows,
		tasks:      tasks,
		aggregator: aggregator,
		runner:     runner,
		sink:       sink,
		dataDir:    dataDir,
		maxRetries: maxRetries,
	}
}

// Handle processes one task message. It never returns an error for outcomes
// it has already recorded; the returned error is diagnostic only and the
// message is acked by the consumer loop regardless.
func (w *Worker) Handle(ctx context.Context, msg broker.TaskMessage) error {
	var task model.Task
	if err := json.Unmarshal(msg.Task, &task); err != nil {
		return w.sink.Record(ctx, msg.WorkflowID, msg.TaskID, fmt.Errorf("failed to parse task payload: %w", err))
	}
	task.ApplyDefaults()

	log := slog.With(
		"message_id", msg.MessageID,
		"task_id", task.ID,
		"workflow_id", msg.WorkflowID,
	)
	log.Info("running task", "deferrals", msg.Deferrals, "retries", msg.Retries)

	record, err := w.workflows.GetByID(ctx, msg.WorkflowID)
	if err != nil {
		return w.sink.Record(ctx, msg.WorkflowID, task.ID, err)
	}
	if record.IsRevoked {
		// Still-queued tasks of a revoked workflow are dropped without
		// executing; their records stay pending.
		log.Info("dropping task of revoked workflow")
		return nil
	}

	outcome, waiting, err := checkUpstream(ctx, w.tasks, task, msg.WorkflowID)
	switch outcome {
	case UpstreamFailed:
		// Terminal for this task: record the failure locally so the message
		// referencing the failed dependency reaches the status endpoint.
		if recordErr := w.tasks.SetFailure(ctx, msg.WorkflowID, task.ID, err.Error()); recordErr != nil {
			return recordErr
		}
		if _, aggErr := w.aggregator.Recompute(ctx, msg.WorkflowID); aggErr != nil {
			return aggErr
		}
		log.Warn("task skipped", "error", err)
		return nil
	case UpstreamWaiting:
		if err != nil {
			// A store read error here is indistinguishable from a transient
			// outage; re-enqueue instead of burning the retry budget.
			log.Warn("upstream check could not read task records", "error", err)
		}
		return w.deferTask(ctx, msg, task, waiting, log)
	}

	return w.execute(ctx, msg, task, log)
}

// deferTask re-enqueues the message on its origin queue after a bounded
// exponential delay derived from the deferral count.
func (w *Worker) deferTask(ctx context.Context, msg broker.TaskMessage, task model.Task, waiting []string, log *slog.Logger) error {
	delay := deferDelay(msg.Deferrals)
	log.Debug("re-enqueueing task because upstream is not done yet",
		"waiting_on", waiting,
		"delay", delay,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	msg.Deferrals++
	if err := w.publisher.Publish(ctx, msg); err != nil {
		return w.fail(ctx, msg, task, err)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, msg broker.TaskMessage, task model.Task, log *slog.Logger) error {
	if err := w.tasks.SetRunning(ctx, msg.WorkflowID, task.ID); err != nil {
		return w.fail(ctx, msg, task, err)
	}
	if _, err := w.aggregator.Recompute(ctx, msg.WorkflowID); err != nil {
		return w.fail(ctx, msg, task, err)
	}

	workdir := filepath.Join(w.dataDir, task.Metadata.Author(), msg.WorkflowID, task.ID)

	logText, err := w.runner.Run(ctx, task, msg.WorkflowID, workdir)
	if err != nil {
		if task.Options.OnFailRemoveLocalDir {
			w.removeWorkdir(workdir, log)
		}
		return w.fail(ctx, msg, task, err)
	}

	if err := w.tasks.SetSuccess(ctx, msg.WorkflowID, task.ID, logText); err != nil {
		return w.fail(ctx, msg, task, err)
	}
	if _, err := w.aggregator.Recompute(ctx, msg.WorkflowID); err != nil {
		return err
	}

	if task.Options.OnFinishRemoveLocalDir {
		w.removeWorkdir(workdir, log)
	}

	log.Info("task finished successfully")
	return nil
}

// fail re-enqueues the message while the retry budget lasts, then hands the
// error to the failure sink for the single authoritative failure write.
func (w *Worker) fail(ctx context.Context, msg broker.TaskMessage, task model.Task, cause error) error {
	if msg.Retries < w.maxRetries {
		msg.Retries++
		slog.Warn("re-enqueueing failed task delivery",
			"workflow_id", msg.WorkflowID,
			"task_id", task.ID,
			"retries", msg.Retries,
			"error", cause,
		)
		if err := w.publisher.Publish(ctx, msg); err == nil {
			return nil
		}
		// Fall through: if the re-enqueue itself fails, record the failure now.
	}
	return w.sink.Record(ctx, msg.WorkflowID, task.ID, cause)
}

func (w *Worker) removeWorkdir(workdir string, log *slog.Logger) {
	log.Info("deleting local directory", "workdir", workdir)
	if err := os.RemoveAll(workdir); err != nil {
		log.Warn("failed to delete local directory", "workdir", workdir, "error", err)
	}
}

// deferDelay computes the bounded exponential delay for the nth deferral.
func deferDelay(deferrals int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = deferInitialDelay
	bo.MaxInterval = deferMaxDelay
	bo.RandomizationFactor = 0

	delay := bo.NextBackOff()
	for i := 0; i < deferrals; i++ {
		next := bo.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	if delay > deferMaxDelay {
		delay = deferMaxDelay
	}
	return delay
}
