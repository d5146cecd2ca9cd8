package store

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// QAAttemptRepo persists the append-only record of every QA tier evaluation.
type QAAttemptRepo interface {
	Record(dbc Ctx, attempt *domain.QAAttempt) error
	ListByTask(dbc Ctx, taskID uuid.UUID) ([]*domain.QAAttempt, error)
	CountByTaskAndTier(dbc Ctx, taskID uuid.UUID, tier domain.QATier) (int64, error)
}

type qaAttemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQAAttemptRepo(db *gorm.DB, baseLog *logger.Logger) QAAttemptRepo {
	return &qaAttemptRepo{db: db, log: baseLog.With("repo", "QAAttemptRepo")}
}

func (r *qaAttemptRepo) Record(dbc Ctx, attempt *domain.QAAttempt) error {
	return dbc.tx(r.db).WithContext(dbc.Ctx).Create(attempt).Error
}

func (r *qaAttemptRepo) ListByTask(dbc Ctx, taskID uuid.UUID) ([]*domain.QAAttempt, error) {
	var out []*domain.QAAttempt
	if err := dbc.tx(r.db).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *qaAttemptRepo) CountByTaskAndTier(dbc Ctx, taskID uuid.UUID, tier domain.QATier) (int64, error) {
	var count int64
	err := dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.QAAttempt{}).
		Where("task_id = ? AND tier = ?", taskID, tier).
		Count(&count).Error
	return count, err
}
