package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProcessStatus is the lifecycle state of one acquired external job.
type ProcessStatus string

const (
	ProcessInitializing ProcessStatus = "initializing"
	ProcessProcessing   ProcessStatus = "processing"
	ProcessCompleted    ProcessStatus = "completed"
	ProcessFailed       ProcessStatus = "failed"
)

// IsTerminal reports whether no further lifecycle transition is expected.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessCompleted || s == ProcessFailed
}

// Process is one run of one external job: a client/project pair expanded
// into media x analysis tasks. Tasks outlive their Process for audit
// purposes, so deletion of a Process must never cascade (invariant 1).
type Process struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	ExternalClientID  string `gorm:"column:external_client_id;not null;index" json:"external_client_id"`
	ExternalClientSlug string `gorm:"column:external_client_slug" json:"external_client_slug,omitempty"`
	ExternalProjectID string `gorm:"column:external_project_id;not null;uniqueIndex" json:"external_project_id"`
	ExternalProjectSlug string `gorm:"column:external_project_slug" json:"external_project_slug,omitempty"`

	Status ProcessStatus `gorm:"column:status;not null;index" json:"status"`

	TotalTasks        int `gorm:"column:total_tasks;not null;default:0" json:"total_tasks"`
	CompletedTasks     int `gorm:"column:completed_tasks;not null;default:0" json:"completed_tasks"`
	FailedTasks        int `gorm:"column:failed_tasks;not null;default:0" json:"failed_tasks"`
	ManualReviewTasks  int `gorm:"column:manual_review_tasks;not null;default:0" json:"manual_review_tasks"`

	// ConfigSnapshot freezes the profile versions in effect when this
	// process was acquired, so tasks pin behavior even across a later
	// Configuration Registry reload (spec invariant: profile version is
	// pinned per-task at QA entry).
	ConfigSnapshot datatypes.JSON `gorm:"column:config_snapshot;type:jsonb" json:"config_snapshot,omitempty"`

	// CircuitBreakerOpen is set once the process-level failure rate trips
	// the 30% threshold; new task enqueues halt but in-flight tasks finish.
	CircuitBreakerOpen bool `gorm:"column:circuit_breaker_open;not null;default:false" json:"circuit_breaker_open"`

	ProcessingSubmittedAt *time.Time `gorm:"column:processing_submitted_at" json:"processing_submitted_at,omitempty"`
	CompletedSubmittedAt  *time.Time `gorm:"column:completed_submitted_at" json:"completed_submitted_at,omitempty"`

	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Process) TableName() string { return "process" }

// Settled reports whether every task accounted for has reached a terminal
// state (invariant 3: completed + failed + manual_review <= total, with
// equality implying a terminal process status).
func (p *Process) Settled() bool {
	if p == nil {
		return false
	}
	return p.CompletedTasks+p.FailedTasks+p.ManualReviewTasks >= p.TotalTasks
}
