package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// QATier identifies which stage of the three-tier QA pipeline produced an attempt.
type QATier string

const (
	QATierStructural     QATier = "structural"
	QATierContentQuality QATier = "content_quality"
	QATierDomainExpert   QATier = "domain_expert"
)

// QAOutcome is the verdict of one QA attempt at one tier.
type QAOutcome string

const (
	QAOutcomePass QAOutcome = "pass"
	QAOutcomeFail QAOutcome = "fail"
)

// QAAttempt is an append-only record of one evaluation of a task's output
// at a given tier, including the corrective pass count that produced it.
type QAAttempt struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index" json:"task_id"`

	Tier          QATier    `gorm:"column:tier;not null;index" json:"tier"`
	AttemptNumber int       `gorm:"column:attempt_number;not null" json:"attempt_number"`
	Outcome       QAOutcome `gorm:"column:outcome;not null" json:"outcome"`
	Confidence    float64   `gorm:"column:confidence" json:"confidence,omitempty"`

	FailureReasons datatypes.JSON `gorm:"column:failure_reasons;type:jsonb" json:"failure_reasons,omitempty"`
	Evaluation     datatypes.JSON `gorm:"column:evaluation;type:jsonb" json:"evaluation,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (QAAttempt) TableName() string { return "qa_attempt" }
