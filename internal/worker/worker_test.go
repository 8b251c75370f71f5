package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmesh/taskmesh/internal/broker"
	"github.com/taskmesh/taskmesh/internal/workflow/model"
	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

type recordingPublisher struct {
	messages []broker.TaskMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg broker.TaskMessage) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

// stubRunner returns a fixed log or error and records the workdir it ran in.
type stubRunner struct {
	log     string
	err     error
	workdir string
}

func (r *stubRunner) Run(_ context.Context, _ model.Task, _ string, workdir string) (string, error) {
	r.workdir = workdir
	if r.err != nil {
		return "", r.err
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", err
	}
	return r.log, nil
}

type fixture struct {
	worker    *Worker
	publisher *recordingPublisher
	runner    *stubRunner
	workflows *service.WorkflowService
	tasks     *service.TaskService
	db        *gorm.DB
	dataDir   string
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.WorkflowRecord{}, &model.TaskRecord{}))

	workflows := service.NewWorkflowService(db)
	tasks := service.NewTaskService(db)
	aggregator := service.NewAggregator(workflows, tasks)
	publisher := &recordingPublisher{}
	runner := &stubRunner{log: "all good\n"}
	sink := NewFailureSink(tasks, aggregator)
	dataDir := t.TempDir()

	return &fixture{
		worker:    New(publisher, workflows, tasks, aggregator, runner, sink, dataDir, maxRetries),
		publisher: publisher,
		runner:    runner,
		workflows: workflows,
		tasks:     tasks,
		db:        db,
		dataDir:   dataDir,
	}
}

func (f *fixture) seedWorkflow(t *testing.T, id string) {
	t.Helper()
	wf := &model.Workflow{ID: id, Metadata: model.Metadata{"author": "alice"}}
	require.NoError(t, f.workflows.CreatePending(context.Background(), wf, time.Now().UTC()))
}

func (f *fixture) seedTask(t *testing.T, parent string, task model.Task) {
	t.Helper()
	require.NoError(t, f.tasks.Create(context.Background(), model.NewTaskRecord(parent, task, time.Now().UTC())))
}

func taskMessage(t *testing.T, workflowID string, task model.Task) broker.TaskMessage {
	t.Helper()
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	return broker.TaskMessage{
		MessageID:  uuid.New().String(),
		Queue:      "default",
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Task:       payload,
	}
}

func simpleTask(id string, deps ...string) model.Task {
	return model.Task{
		ID:   id,
		Name: id,
		Executor: model.ExecutorSpec{
			Type:      model.ExecutorTypeContainer,
			Container: &model.ContainerExecutor{Image: "alpine"},
		},
		DependsOn: deps,
		Options:   model.DefaultOptions(),
		Metadata:  model.Metadata{"author": "alice"},
	}
}

func TestHandleSuccess(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	f.seedTask(t, "workflow-1", task)

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	record, err := f.tasks.GetOne(ctx, "workflow-1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, record.Status)
	require.NotNil(t, record.Result)
	assert.Equal(t, "all good\n", record.Result.Log)

	wfRecord, err := f.workflows.GetByID(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusSuccess, wfRecord.Status)

	assert.Equal(t, filepath.Join(f.dataDir, "alice", "workflow-1", "a"), f.runner.workdir)
	assert.Empty(t, f.publisher.messages)
}

func TestHandleDropsRevokedWorkflow(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	f.seedTask(t, "workflow-1", task)
	_, err := f.workflows.Revoke(ctx, "workflow-1")
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	record, err := f.tasks.GetOne(ctx, "workflow-1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, record.Status)
	assert.Empty(t, f.publisher.messages)
}

func TestHandleDefersWhileUpstreamPending(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	f.seedTask(t, "workflow-1", simpleTask("a"))
	downstream := simpleTask("b", "a")
	f.seedTask(t, "workflow-1", downstream)

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", downstream)))

	require.Len(t, f.publisher.messages, 1)
	redelivered := f.publisher.messages[0]
	assert.Equal(t, "b", redelivered.TaskID)
	assert.Equal(t, 1, redelivered.Deferrals)

	record, err := f.tasks.GetOne(ctx, "workflow-1", "b")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, record.Status)
}

func TestHandleSkipsTaskWithFailedUpstream(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	f.seedTask(t, "workflow-1", simpleTask("a"))
	require.NoError(t, f.tasks.SetFailure(ctx, "workflow-1", "a", "boom"))
	downstream := simpleTask("b", "a")
	f.seedTask(t, "workflow-1", downstream)

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", downstream)))

	record, err := f.tasks.GetOne(ctx, "workflow-1", "b")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, record.Status)
	require.NotNil(t, record.Result)
	assert.Contains(t, record.Result.Message, `upstream task "a"`)

	wfRecord, err := f.workflows.GetByID(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusFailure, wfRecord.Status)
	assert.Empty(t, f.publisher.messages)
}

func TestHandleRoutesRunnerErrorToFailureSink(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	f.seedTask(t, "workflow-1", task)
	f.runner.err = errors.New("executor blew up")

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	record, err := f.tasks.GetOne(ctx, "workflow-1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, record.Status)
	require.NotNil(t, record.Result)
	assert.Equal(t, "executor blew up", record.Result.Message)

	wfRecord, err := f.workflows.GetByID(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusFailure, wfRecord.Status)
	assert.Empty(t, f.publisher.messages)
}

func TestHandleRetriesBeforeFailing(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	f.seedTask(t, "workflow-1", task)
	f.runner.err = errors.New("transient")

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	// The delivery is re-enqueued instead of being failed.
	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, 1, f.publisher.messages[0].Retries)

	record, err := f.tasks.GetOne(ctx, "workflow-1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, record.Status)

	// The retry budget runs out on the redelivered message.
	exhausted := f.publisher.messages[0]
	exhausted.Retries = 2
	require.NoError(t, f.worker.Handle(ctx, exhausted))

	record, err = f.tasks.GetOne(ctx, "workflow-1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, record.Status)
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	f.seedTask(t, "workflow-1", simpleTask("a"))

	msg := broker.TaskMessage{
		MessageID:  uuid.New().String(),
		WorkflowID: "workflow-1",
		TaskID:     "a",
		Task:       json.RawMessage(`{not json`),
	}
	require.NoError(t, f.worker.Handle(ctx, msg))

	record, err := f.tasks.GetOne(ctx, "workflow-1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, record.Status)
}

func TestHandleRemovesWorkdirOnFinish(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	task.Options.OnFinishRemoveLocalDir = true
	f.seedTask(t, "workflow-1", task)

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	_, err := os.Stat(f.runner.workdir)
	assert.True(t, os.IsNotExist(err))
}

func TestHandleDefersWhenUpstreamCheckCannotRead(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	f.seedTask(t, "workflow-1", simpleTask("a"))
	downstream := simpleTask("b", "a")
	f.seedTask(t, "workflow-1", downstream)

	// Make task reads fail while the workflow read still succeeds; the
	// message must be re-enqueued rather than routed to the failure sink.
	require.NoError(t, f.db.Migrator().DropTable(&model.TaskRecord{}))

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", downstream)))

	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, "b", f.publisher.messages[0].TaskID)
	assert.Equal(t, 1, f.publisher.messages[0].Deferrals)
}

func TestHandleKeepsWorkdirWhenFailureCleanupDisabled(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	task.Options.OnFailRemoveLocalDir = false
	f.seedTask(t, "workflow-1", task)
	f.runner.err = errors.New("executor blew up")

	// The message round-trips through JSON like a real delivery; the explicit
	// false must survive the decode and the defaulting.
	workdir := filepath.Join(f.dataDir, "alice", "workflow-1", "a")
	require.NoError(t, os.MkdirAll(workdir, 0o755))

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	info, err := os.Stat(workdir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestHandleRemovesWorkdirOnFailureByDefault(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.seedWorkflow(t, "workflow-1")
	task := simpleTask("a")
	f.seedTask(t, "workflow-1", task)
	f.runner.err = errors.New("executor blew up")

	workdir := filepath.Join(f.dataDir, "alice", "workflow-1", "a")
	require.NoError(t, os.MkdirAll(workdir, 0o755))

	require.NoError(t, f.worker.Handle(ctx, taskMessage(t, "workflow-1", task)))

	_, err := os.Stat(workdir)
	assert.True(t, os.IsNotExist(err))
}

func TestDeferDelayGrowsAndCaps(t *testing.T) {
	first := deferDelay(0)
	assert.Equal(t, deferInitialDelay, first)

	previous := first
	for i := 1; i < 6; i++ {
		next := deferDelay(i)
		assert.GreaterOrEqual(t, next, previous)
		previous = next
	}

	assert.Equal(t, deferMaxDelay, deferDelay(50))
}
