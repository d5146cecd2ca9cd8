package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is the lifecycle state of one media x analysis-type unit of work.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskAwaitingQA    TaskStatus = "awaiting_qa"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskManualReview  TaskStatus = "manual_review"
)

// IsTerminal reports whether the task will never transition again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskManualReview
}

// Task is one (media, analysis type) pair queued for a vision-model call
// followed by the three-tier QA pipeline. A Task survives its Process
// (invariant 1) and is never deleted once created.
type Task struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProcessID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_task_media_analysis,unique" json:"process_id"`

	ExternalMediaID string `gorm:"column:external_media_id;not null;index;index:idx_task_media_analysis,unique" json:"external_media_id"`
	// ExternalAnalysisID is the Job Registry's identifier for this
	// analysis type on this job, distinct from AnalysisType (our internal
	// queue-keyed slug) — the registry's submission endpoint addresses
	// analyses by this id, not by slug.
	ExternalAnalysisID string `gorm:"column:external_analysis_id" json:"external_analysis_id,omitempty"`
	AnalysisType       string `gorm:"column:analysis_type;not null;index:idx_task_media_analysis,unique" json:"analysis_type"`
	// MediaKey composes ExternalMediaID into a single lock key so the
	// worker pool can serialize analyses of one image (spec invariant:
	// at most one in-flight analysis per media item).
	MediaKey string `gorm:"column:media_key;not null;index" json:"media_key"`

	// OptimisedPath/GreyscalePath mirror the media descriptor the Job
	// Registry returned when this task's Process was acquired, so the
	// Image Provider can fetch bytes without a second registry round trip.
	OptimisedPath string `gorm:"column:optimised_path" json:"optimised_path,omitempty"`
	GreyscalePath string `gorm:"column:greyscale_path" json:"greyscale_path,omitempty"`

	Status   TaskStatus `gorm:"column:status;not null;index" json:"status"`
	Priority int        `gorm:"column:priority;not null;default:0" json:"priority"`

	Attempts    int `gorm:"column:attempts;not null;default:0" json:"attempts"`
	QAAttempts  int `gorm:"column:qa_attempts;not null;default:0" json:"qa_attempts"`

	ProfileVersion string `gorm:"column:profile_version" json:"profile_version,omitempty"`

	LeaseOwner    string     `gorm:"column:lease_owner" json:"lease_owner,omitempty"`
	LeaseExpires  *time.Time `gorm:"column:lease_expires" json:"lease_expires,omitempty"`

	RawOutput     datatypes.JSON `gorm:"column:raw_output;type:jsonb" json:"raw_output,omitempty"`
	FinalOutput   datatypes.JSON `gorm:"column:final_output;type:jsonb" json:"final_output,omitempty"`
	LastError     string         `gorm:"column:last_error" json:"last_error,omitempty"`

	// ResultSubmittedAt is set the first time the Job Orchestrator
	// successfully reports this task's result to the registry, so a retry
	// of on_task_completed never double-submits the same task.
	ResultSubmittedAt *time.Time `gorm:"column:result_submitted_at" json:"result_submitted_at,omitempty"`

	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "task" }
