package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditEventKind enumerates the mutations this system records for replay
// and operator inspection. Modeled on the teacher's job-run event kinds,
// widened to cover process/task/QA lifecycle transitions.
type AuditEventKind string

const (
	AuditProcessCreated   AuditEventKind = "process_created"
	AuditProcessStatus    AuditEventKind = "process_status_changed"
	AuditTaskCreated      AuditEventKind = "task_created"
	AuditTaskLeased       AuditEventKind = "task_leased"
	AuditTaskStatus       AuditEventKind = "task_status_changed"
	AuditQAAttempt        AuditEventKind = "qa_attempt_recorded"
	AuditCircuitBreaker   AuditEventKind = "circuit_breaker_tripped"
	AuditConfigReload     AuditEventKind = "config_reloaded"
	AuditLeaseReclaimed   AuditEventKind = "lease_reclaimed"
)

// Severity buckets an audit event for operator triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEvent is an append-only row written in the same transaction as the
// mutation it describes, so replay of the audit log reconstructs state
// history without relying on UpdatedAt diffing.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProcessID *uuid.UUID `gorm:"type:uuid;index" json:"process_id,omitempty"`
	TaskID    *uuid.UUID `gorm:"type:uuid;index" json:"task_id,omitempty"`

	Kind     AuditEventKind `gorm:"column:kind;not null;index" json:"kind"`
	Severity Severity       `gorm:"column:severity;not null;default:'info'" json:"severity"`
	Message  string         `gorm:"column:message" json:"message,omitempty"`
	Data     datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (AuditEvent) TableName() string { return "audit_event" }
