package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Process{}, &domain.Task{}, &domain.QAAttempt{}, &domain.AuditEvent{}))
	return db
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func seedTask(t *testing.T, db *gorm.DB, status domain.TaskStatus, priority int) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:              uuid.New(),
		ProcessID:       uuid.New(),
		ExternalMediaID: "media-1",
		AnalysisType:    "lighting_quality",
		MediaKey:        "media-1",
		Status:          status,
		Priority:        priority,
	}
	require.NoError(t, db.Create(task).Error)
	return task
}

func TestTaskRepo_LeaseNext_ClaimsPendingInPriorityOrder(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	seedTask(t, db, domain.TaskPending, 0)
	high := seedTask(t, db, domain.TaskPending, 10)

	claimed, err := repo.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, high.ID, claimed.ID)
	require.Equal(t, domain.TaskRunning, claimed.Status)
	require.Equal(t, "worker-1", claimed.LeaseOwner)
}

func TestTaskRepo_LeaseNext_ReclaimsExpiredLease(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	task := seedTask(t, db, domain.TaskRunning, 0)
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&domain.Task{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{"lease_owner": "dead-worker", "lease_expires": expired}).Error)

	claimed, err := repo.LeaseNext(ctx, "worker-2", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, "worker-2", claimed.LeaseOwner)
}

func TestTaskRepo_LeaseNext_NoRunnableReturnsNil(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	claimed, err := repo.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestTaskRepo_TransitionStatus_RejectsWhenDisallowed(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	task := seedTask(t, db, domain.TaskManualReview, 0)

	ok, err := repo.TransitionStatus(ctx, task.ID, []domain.TaskStatus{domain.TaskManualReview}, map[string]interface{}{
		"status": domain.TaskCompleted,
	})
	require.NoError(t, err)
	require.False(t, ok)

	var fresh domain.Task
	require.NoError(t, db.Where("id = ?", task.ID).First(&fresh).Error)
	require.Equal(t, domain.TaskManualReview, fresh.Status)
}

func TestTaskRepo_TransitionStatus_SucceedsWhenAllowed(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	task := seedTask(t, db, domain.TaskAwaitingQA, 0)

	ok, err := repo.TransitionStatus(ctx, task.ID, []domain.TaskStatus{domain.TaskManualReview}, map[string]interface{}{
		"status": domain.TaskCompleted,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTaskRepo_ReclaimExpired(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	task := seedTask(t, db, domain.TaskRunning, 0)
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&domain.Task{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{"lease_expires": expired}).Error)

	reclaimed, err := repo.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, task.ID, reclaimed[0].ID)

	var fresh domain.Task
	require.NoError(t, db.Where("id = ?", task.ID).First(&fresh).Error)
	require.Equal(t, domain.TaskPending, fresh.Status)
	require.Empty(t, fresh.LeaseOwner)
	require.Equal(t, 1, fresh.Attempts)
}

func TestTaskRepo_ReclaimExpired_AlsoCoversAwaitingQA(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepo(db, newTestLogger(t))
	ctx := Ctx{Ctx: context.Background()}

	task := seedTask(t, db, domain.TaskAwaitingQA, 0)
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&domain.Task{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{"lease_expires": expired}).Error)

	reclaimed, err := repo.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	var fresh domain.Task
	require.NoError(t, db.Where("id = ?", task.ID).First(&fresh).Error)
	require.Equal(t, domain.TaskPending, fresh.Status)
}
