package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// TaskRepo persists Task rows and implements the lease-based claim
// protocol the worker pool uses to pull work without double-processing
// the same media item.
type TaskRepo interface {
	CreateBatch(dbc Ctx, tasks []*domain.Task) error
	GetByID(dbc Ctx, id uuid.UUID) (*domain.Task, error)
	LeaseNext(dbc Ctx, owner string, leaseTTL time.Duration, analysisTypes []string) (*domain.Task, error)
	RenewLease(dbc Ctx, id uuid.UUID, owner string, leaseTTL time.Duration) (bool, error)
	ReleaseLease(dbc Ctx, id uuid.UUID, owner string) error
	TransitionStatus(dbc Ctx, id uuid.UUID, disallowed []domain.TaskStatus, updates map[string]interface{}) (bool, error)
	ReclaimExpired(dbc Ctx) ([]domain.Task, error)
	CountByProcessAndStatus(dbc Ctx, processID uuid.UUID) (map[domain.TaskStatus]int64, error)
	// MarkResultSubmitted records the first successful registry submission
	// for a task, returning false (no error) if it was already submitted —
	// callers use this to suppress duplicate on_task_completed retries.
	MarkResultSubmitted(dbc Ctx, id uuid.UUID) (bool, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) CreateBatch(dbc Ctx, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return dbc.tx(r.db).WithContext(dbc.Ctx).Create(&tasks).Error
}

func (r *taskRepo) GetByID(dbc Ctx, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	if err := dbc.tx(r.db).WithContext(dbc.Ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LeaseNext claims the highest-priority, oldest pending task (or one whose
// prior lease has expired), locking the row with SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent workers never double-claim it.
func (r *taskRepo) LeaseNext(dbc Ctx, owner string, leaseTTL time.Duration, analysisTypes []string) (*domain.Task, error) {
	transaction := dbc.tx(r.db)
	now := time.Now()
	var claimed *domain.Task
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				(
					status = ?
					OR (status = ? AND lease_expires IS NOT NULL AND lease_expires < ?)
				)
			`, domain.TaskPending, domain.TaskRunning, now)
		if len(analysisTypes) > 0 {
			q = q.Where("analysis_type IN ?", analysisTypes)
		}
		var task domain.Task
		qErr := q.Order("priority DESC, created_at ASC").First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		expires := now.Add(leaseTTL)
		uErr := txx.Model(&domain.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
			"status":        domain.TaskRunning,
			"attempts":      gorm.Expr("attempts + 1"),
			"lease_owner":   owner,
			"lease_expires": expires,
			"updated_at":    now,
		}).Error
		if uErr != nil {
			return uErr
		}
		task.Status = domain.TaskRunning
		task.LeaseOwner = owner
		task.LeaseExpires = &expires
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewLease extends an in-flight task's lease; it fails silently (returns
// false) if another owner has since reclaimed the task.
func (r *taskRepo) RenewLease(dbc Ctx, id uuid.UUID, owner string, leaseTTL time.Duration) (bool, error) {
	now := time.Now()
	res := dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("id = ? AND lease_owner = ? AND status = ?", id, owner, domain.TaskRunning).
		Updates(map[string]interface{}{
			"lease_expires": now.Add(leaseTTL),
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) ReleaseLease(dbc Ctx, id uuid.UUID, owner string) error {
	return dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]interface{}{
			"lease_owner":   "",
			"lease_expires": nil,
			"updated_at":    time.Now(),
		}).Error
}

// TransitionStatus applies updates only if the task's current status is
// not among disallowed, returning false (no error) on a lost race.
func (r *taskRepo) TransitionStatus(dbc Ctx, id uuid.UUID, disallowed []domain.TaskStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Task{}).Where("id = ?", id)
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

// ReclaimExpired resets any running or awaiting_qa task whose lease has
// lapsed back to pending, incrementing its attempt count, so a dead
// worker can't strand work indefinitely. It returns the reclaimed rows
// (as they stood before the reset) so callers can audit-log each one.
func (r *taskRepo) ReclaimExpired(dbc Ctx) ([]domain.Task, error) {
	now := time.Now()
	var reclaimed []domain.Task
	err := dbc.tx(r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Model(&domain.Task{}).
			Where("status IN ? AND lease_expires IS NOT NULL AND lease_expires < ?",
				[]domain.TaskStatus{domain.TaskRunning, domain.TaskAwaitingQA}, now).
			Find(&reclaimed).Error
		if err != nil || len(reclaimed) == 0 {
			return err
		}

		ids := make([]uuid.UUID, len(reclaimed))
		for i, t := range reclaimed {
			ids[i] = t.ID
		}
		return txx.Model(&domain.Task{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":        domain.TaskPending,
			"attempts":      gorm.Expr("attempts + 1"),
			"lease_owner":   "",
			"lease_expires": nil,
			"updated_at":    now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (r *taskRepo) MarkResultSubmitted(dbc Ctx, id uuid.UUID) (bool, error) {
	res := dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("id = ? AND result_submitted_at IS NULL", id).
		Updates(map[string]interface{}{
			"result_submitted_at": time.Now(),
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) CountByProcessAndStatus(dbc Ctx, processID uuid.UUID) (map[domain.TaskStatus]int64, error) {
	var rows []struct {
		Status domain.TaskStatus
		Count  int64
	}
	if err := dbc.tx(r.db).WithContext(dbc.Ctx).Model(&domain.Task{}).
		Select("status, count(*) as count").
		Where("process_id = ?", processID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.TaskStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
