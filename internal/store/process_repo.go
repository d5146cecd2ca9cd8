package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// ProcessRepo persists Process rows and the counters tasks roll up into.
type ProcessRepo interface {
	Create(dbc Ctx, p *domain.Process) error
	GetByID(dbc Ctx, id uuid.UUID) (*domain.Process, error)
	GetByExternalProjectID(dbc Ctx, externalProjectID string) (*domain.Process, error)
	TransitionStatus(dbc Ctx, id uuid.UUID, disallowed []domain.ProcessStatus, status domain.ProcessStatus) (bool, error)
	IncrementCounters(dbc Ctx, id uuid.UUID, completed, failed, manualReview int) error
	SetCircuitBreakerOpen(dbc Ctx, id uuid.UUID, open bool) error
}

type processRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProcessRepo(db *gorm.DB, baseLog *logger.Logger) ProcessRepo {
	return &processRepo{db: db, log: baseLog.With("repo", "ProcessRepo")}
}

func (r *processRepo) Create(dbc Ctx, p *domain.Process) error {
	return dbc.tx(r.db).WithContext(dbc.Ctx).Create(p).Error
}

func (r *processRepo) GetByID(dbc Ctx, id uuid.UUID) (*domain.Process, error) {
	var p domain.Process
	if err := dbc.tx(r.db).WithContext(dbc.Ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *processRepo) GetByExternalProjectID(dbc Ctx, externalProjectID string) (*domain.Process, error) {
	var p domain.Process
	if err := dbc.tx(r.db).WithContext(dbc.Ctx).
		Where("external_project_id = ?", externalProjectID).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// TransitionStatus applies a CAS-style status change: it succeeds only if
// the row's current status is not in disallowed, mirroring the conditional
// job-run update pattern used to guard against overwriting a canceled job.
func (r *processRepo) TransitionStatus(dbc Ctx, id uuid.UUID, disallowed []domain.ProcessStatus, status domain.ProcessStatus) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status.IsTerminal() {
		updates["completed_at"] = now
	}

	q := dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Process{}).Where("id = ?", id)
	switch len(disallowed) {
	case 0:
	case 1:
		q = q.Where("status <> ?", disallowed[0])
	default:
		q = q.Where("status NOT IN ?", disallowed)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *processRepo) IncrementCounters(dbc Ctx, id uuid.UUID, completed, failed, manualReview int) error {
	return dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Process{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_tasks":     gorm.Expr("completed_tasks + ?", completed),
			"failed_tasks":        gorm.Expr("failed_tasks + ?", failed),
			"manual_review_tasks": gorm.Expr("manual_review_tasks + ?", manualReview),
			"updated_at":          time.Now(),
		}).Error
}

func (r *processRepo) SetCircuitBreakerOpen(dbc Ctx, id uuid.UUID, open bool) error {
	return dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Process{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"circuit_breaker_open": open,
			"updated_at":           time.Now(),
		}).Error
}
