package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

func records(statuses ...model.TaskStatus) []model.TaskRecord {
	out := make([]model.TaskRecord, len(statuses))
	for i, s := range statuses {
		out[i] = model.TaskRecord{Status: s}
	}
	return out
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name    string
		revoked bool
		tasks   []model.TaskRecord
		want    model.WorkflowStatus
	}{
		{
			name:    "revoked wins over everything",
			revoked: true,
			tasks:   records(model.TaskStatusSuccess, model.TaskStatusSuccess),
			want:    model.WorkflowStatusRevoked,
		},
		{
			name:  "no tasks is pending",
			tasks: nil,
			want:  model.WorkflowStatusPending,
		},
		{
			name:  "all success",
			tasks: records(model.TaskStatusSuccess, model.TaskStatusSuccess),
			want:  model.WorkflowStatusSuccess,
		},
		{
			name:  "all pending",
			tasks: records(model.TaskStatusPending, model.TaskStatusPending),
			want:  model.WorkflowStatusPending,
		},
		{
			name:  "any failure wins over pending and running",
			tasks: records(model.TaskStatusFailure, model.TaskStatusRunning, model.TaskStatusPending),
			want:  model.WorkflowStatusFailure,
		},
		{
			name:  "pending work remaining",
			tasks: records(model.TaskStatusSuccess, model.TaskStatusPending),
			want:  model.WorkflowStatusPending,
		},
		{
			name:  "running with the rest finished",
			tasks: records(model.TaskStatusSuccess, model.TaskStatusRunning),
			want:  model.WorkflowStatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.revoked, tt.tasks))
		})
	}
}

func TestAggregatorRecompute(t *testing.T) {
	db := newTestDB(t)
	ws := NewWorkflowService(db)
	ts := NewTaskService(db)
	agg := NewAggregator(ws, ts)
	ctx := context.Background()

	seedWorkflow(t, ws, "workflow-1")
	seedTask(t, ts, "workflow-1", "a")
	seedTask(t, ts, "workflow-1", "b")

	status, err := agg.Recompute(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusPending, status)

	require.NoError(t, ts.SetRunning(ctx, "workflow-1", "a"))
	require.NoError(t, ts.SetSuccess(ctx, "workflow-1", "b", "ok"))

	status, err = agg.Recompute(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusRunning, status)

	require.NoError(t, ts.SetSuccess(ctx, "workflow-1", "a", "ok"))

	status, err = agg.Recompute(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusSuccess, status)

	record, err := ws.GetByID(ctx, "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusSuccess, record.Status)
}

func TestAggregatorRecomputeUnknownWorkflow(t *testing.T) {
	db := newTestDB(t)
	agg := NewAggregator(NewWorkflowService(db), NewTaskService(db))

	_, err := agg.Recompute(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}
