package store

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// AuditRepo persists append-only AuditEvent rows. Callers are expected to
// pass a Ctx carrying the same transaction as the mutation being audited,
// so a failed commit never leaves an orphaned audit trail.
type AuditRepo interface {
	Emit(dbc Ctx, event *domain.AuditEvent) error
	ListByProcess(dbc Ctx, processID uuid.UUID, limit int) ([]*domain.AuditEvent, error)
}

type auditRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditRepo(db *gorm.DB, baseLog *logger.Logger) AuditRepo {
	return &auditRepo{db: db, log: baseLog.With("repo", "AuditRepo")}
}

func (r *auditRepo) Emit(dbc Ctx, event *domain.AuditEvent) error {
	return dbc.tx(r.db).WithContext(dbc.Ctx).Create(event).Error
}

func (r *auditRepo) ListByProcess(dbc Ctx, processID uuid.UUID, limit int) ([]*domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.AuditEvent
	if err := dbc.tx(r.db).WithContext(dbc.Ctx).
		Where("process_id = ?", processID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
