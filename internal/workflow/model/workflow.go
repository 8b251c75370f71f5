package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the derived status of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending WorkflowStatus = "pending" // No task has produced a terminal result yet
	WorkflowStatusRunning WorkflowStatus = "running" // At least one task is executing
	WorkflowStatusSuccess WorkflowStatus = "success" // Every task finished successfully
	WorkflowStatusFailure WorkflowStatus = "failure" // At least one task failed
	WorkflowStatusRevoked WorkflowStatus = "revoked" // Workflow was revoked by the submitter
)

// MetadataAuthorKey is the one metadata field every workflow carries. The author
// is the first component of every artifact object name.
const MetadataAuthorKey = "author"

// DefaultAuthor is used when a submission carries no author metadata.
const DefaultAuthor = "anonymous"

// Metadata is an open-ended mapping attached to workflows and propagated into
// their tasks at scheduling time.
type Metadata map[string]any

// Author returns the author field, falling back to DefaultAuthor.
func (m Metadata) Author() string {
	if author, ok := m[MetadataAuthorKey].(string); ok && author != "" {
		return author
	}
	return DefaultAuthor
}

// Merge copies all entries of other into m, overwriting existing keys.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		m[k] = v
	}
}

// Workflow is the submission form of a workflow: a named DAG of tasks executed
// as a single unit.
type Workflow struct {
	ID       string   `json:"id"`
	Label    string   `json:"label,omitempty"`
	Tasks    []Task   `json:"tasks" validate:"dive"`
	Metadata Metadata `json:"metadata"`
}

// ApplyDefaults fills in a generated ID, the author metadata fallback and
// per-task defaults. It must be called before Validate.
func (w *Workflow) ApplyDefaults() {
	if w.ID == "" {
		w.ID = fmt.Sprintf("workflow-%s", uuid.New().String()[:8])
	}
	if w.Metadata == nil {
		w.Metadata = Metadata{}
	}
	if _, ok := w.Metadata[MetadataAuthorKey]; !ok {
		w.Metadata[MetadataAuthorKey] = DefaultAuthor
	}
	for i := range w.Tasks {
		w.Tasks[i].ApplyDefaults()
	}
}

// WorkflowRecord is the persisted form of a workflow. Status and UpdatedAt are
// rewritten by the aggregator after every task transition; last writer wins.
type WorkflowRecord struct {
	ID        string         `gorm:"type:varchar(100);column:id;primaryKey" json:"id"`
	Label     string         `gorm:"type:text;column:label" json:"label,omitempty"`
	Metadata  Metadata       `gorm:"type:jsonb;column:metadata;serializer:json" json:"metadata"`
	CreatedAt time.Time      `gorm:"type:timestamptz;column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;column:updated_at" json:"updated_at"`
	Status    WorkflowStatus `gorm:"type:varchar(20);column:status;not null" json:"status"`
	IsRevoked bool           `gorm:"column:is_revoked;not null;default:false" json:"is_revoked"`

	// Tasks is populated on read by the status endpoint; it is not a stored column.
	Tasks []TaskRecord `gorm:"-" json:"tasks"`
}

func (WorkflowRecord) TableName() string {
	return "workflows"
}
