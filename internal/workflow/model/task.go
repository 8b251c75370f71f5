package model

import (
	"encoding/json"
	"path"
	"time"
)

// TaskStatus represents the persisted status of a task within a workflow.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending" // Task record exists but no worker has picked it up
	TaskStatusRunning TaskStatus = "running" // A worker is executing the task
	TaskStatusSuccess TaskStatus = "success" // Task finished and its outputs were uploaded
	TaskStatusFailure TaskStatus = "failure" // Task failed or an upstream dependency failed
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}

// Result holds the outcome of one task execution: the executor log on success,
// an error summary on failure.
type Result struct {
	Message string `json:"message,omitempty"`
	Log     string `json:"log,omitempty"`
}

// Options control queue routing and working-directory cleanup for one task.
type Options struct {
	OnFailForceInterruption bool   `json:"on_fail_force_interruption"`
	OnFailRemoveLocalDir    bool   `json:"on_fail_remove_local_dir"`
	OnFinishRemoveLocalDir  bool   `json:"on_finish_remove_local_dir"`
	QueueName               string `json:"queue_name,omitempty"`

	// set records that the options came from a submission, so an all-false
	// submission is not mistaken for absent options and overwritten with the
	// defaults.
	set bool
}

// DefaultOptions returns the option defaults applied when a submission omits them.
func DefaultOptions() Options {
	return Options{
		OnFailForceInterruption: true,
		OnFailRemoveLocalDir:    true,
		OnFinishRemoveLocalDir:  false,
	}
}

// UnmarshalJSON keeps the documented defaults for booleans that are absent from
// the submitted JSON rather than zeroing them.
func (o *Options) UnmarshalJSON(data []byte) error {
	var raw struct {
		OnFailForceInterruption *bool  `json:"on_fail_force_interruption"`
		OnFailRemoveLocalDir    *bool  `json:"on_fail_remove_local_dir"`
		OnFinishRemoveLocalDir  *bool  `json:"on_finish_remove_local_dir"`
		QueueName               string `json:"queue_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = DefaultOptions()
	if raw.OnFailForceInterruption != nil {
		o.OnFailForceInterruption = *raw.OnFailForceInterruption
	}
	if raw.OnFailRemoveLocalDir != nil {
		o.OnFailRemoveLocalDir = *raw.OnFailRemoveLocalDir
	}
	if raw.OnFinishRemoveLocalDir != nil {
		o.OnFinishRemoveLocalDir = *raw.OnFinishRemoveLocalDir
	}
	o.QueueName = raw.QueueName
	o.set = true
	return nil
}

// Artifact is a file reference transferred through the blob store. Path is the
// location inside the task working directory. For inputs, Source names the
// sibling task that produced the file and SourcePath its location inside that
// sibling's working directory.
type Artifact struct {
	Name       string `json:"name,omitempty"`
	Source     string `json:"source,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`
	Path       string `json:"path"`
}

// RemoteInputName composes the object name an input is fetched from. Artifact
// paths are appended verbatim, so a leading slash in SourcePath is preserved
// as a literal part of the name.
func (a Artifact) RemoteInputName(author, workflowID string) string {
	return path.Join(author, workflowID, a.Source) + a.SourcePath
}

// RemoteOutputName composes the object name an output is uploaded to.
func (a Artifact) RemoteOutputName(author, workflowID, taskID string) string {
	return path.Join(author, workflowID, taskID) + a.Path
}

// Task is the submission form of one executable unit within a workflow.
type Task struct {
	ID        string       `json:"id" validate:"required"`
	Name      string       `json:"name" validate:"required"`
	Executor  ExecutorSpec `json:"executor"`
	Inputs    []Artifact   `json:"inputs,omitempty"`
	Outputs   []Artifact   `json:"outputs,omitempty"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Options   Options      `json:"options"`
	Metadata  Metadata     `json:"metadata,omitempty"`
}

// ApplyDefaults normalises optional fields after JSON decoding.
func (t *Task) ApplyDefaults() {
	if t.Metadata == nil {
		t.Metadata = Metadata{}
	}
	var zero Options
	if !t.Options.set && t.Options == zero {
		t.Options = DefaultOptions()
	}
}

// TaskRecord is the persisted form of a task, keyed by (parent, id). Writes go
// through upserts on that key so that broker redeliveries are harmless.
type TaskRecord struct {
	Parent    string       `gorm:"type:varchar(100);column:parent;primaryKey" json:"parent"`
	ID        string       `gorm:"type:varchar(100);column:id;primaryKey" json:"id"`
	Name      string       `gorm:"type:varchar(100);column:name;not null" json:"name"`
	Executor  ExecutorSpec `gorm:"type:jsonb;column:executor;serializer:json" json:"executor"`
	Inputs    []Artifact   `gorm:"type:jsonb;column:inputs;serializer:json" json:"inputs,omitempty"`
	Outputs   []Artifact   `gorm:"type:jsonb;column:outputs;serializer:json" json:"outputs,omitempty"`
	DependsOn []string     `gorm:"type:jsonb;column:depends_on;serializer:json" json:"depends_on,omitempty"`
	Options   Options      `gorm:"type:jsonb;column:options;serializer:json" json:"options"`
	Metadata  Metadata     `gorm:"type:jsonb;column:metadata;serializer:json" json:"metadata,omitempty"`
	CreatedAt time.Time    `gorm:"type:timestamptz;column:created_at" json:"created_at"`
	UpdatedAt time.Time    `gorm:"type:timestamptz;column:updated_at" json:"updated_at"`
	Result    *Result      `gorm:"type:jsonb;column:result;serializer:json" json:"result,omitempty"`
	Status    TaskStatus   `gorm:"type:varchar(20);column:status;not null" json:"status"`
}

func (TaskRecord) TableName() string {
	return "tasks"
}

// NewTaskRecord builds the pending record the scheduler persists for a task.
func NewTaskRecord(parent string, t Task, now time.Time) TaskRecord {
	return TaskRecord{
		Parent:    parent,
		ID:        t.ID,
		Name:      t.Name,
		Executor:  t.Executor,
		Inputs:    t.Inputs,
		Outputs:   t.Outputs,
		DependsOn: t.DependsOn,
		Options:   t.Options,
		Metadata:  t.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    TaskStatusPending,
	}
}

// Task converts the record back to its submission form.
func (r TaskRecord) Task() Task {
	return Task{
		ID:        r.ID,
		Name:      r.Name,
		Executor:  r.Executor,
		Inputs:    r.Inputs,
		Outputs:   r.Outputs,
		DependsOn: r.DependsOn,
		Options:   r.Options,
		Metadata:  r.Metadata,
	}
}
