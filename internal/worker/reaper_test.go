package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

type countingBroker struct {
	fakeBroker
	reclaimCalls []string
	reclaimEach  int
}

func (b *countingBroker) ReclaimInflight(_ context.Context, queueKey string) (int, error) {
	b.reclaimCalls = append(b.reclaimCalls, queueKey)
	return b.reclaimEach, nil
}

func TestReaper_Sweep_ReclaimsEveryQueueAndExpiredLeases(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Process{}, &domain.Task{}, &domain.AuditEvent{}))

	taskRepo := store.NewTaskRepo(db, testLog(t))
	auditRepo := store.NewAuditRepo(db, testLog(t))

	expired := time.Now().Add(-time.Minute)
	stranded := &domain.Task{
		ID:           uuid.New(),
		ProcessID:    uuid.New(),
		AnalysisType: "lighting_quality",
		Status:       domain.TaskRunning,
		LeaseOwner:   "dead-worker",
		LeaseExpires: &expired,
	}
	require.NoError(t, db.Create(stranded).Error)

	b := &countingBroker{reclaimEach: 1}
	r := NewReaper(testLog(t), b, taskRepo, auditRepo)
	r.sweep(context.Background())

	require.Len(t, b.reclaimCalls, len(broker.AnalysisQueues)+3)
	require.Contains(t, b.reclaimCalls, "lighting_quality")
	require.Contains(t, b.reclaimCalls, broker.QueueManualReview)

	dbc := store.Ctx{Ctx: context.Background()}
	reclaimedTask, err := taskRepo.GetByID(dbc, stranded.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, reclaimedTask.Status)
	require.Empty(t, reclaimedTask.LeaseOwner)
	require.Equal(t, 1, reclaimedTask.Attempts)

	events, err := auditRepo.ListByProcess(dbc, stranded.ProcessID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.AuditLeaseReclaimed, events[0].Kind)
}

func TestReaper_Sweep_NoopWhenNothingStranded(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Process{}, &domain.Task{}, &domain.AuditEvent{}))

	taskRepo := store.NewTaskRepo(db, testLog(t))
	auditRepo := store.NewAuditRepo(db, testLog(t))
	b := &countingBroker{reclaimEach: 0}
	r := NewReaper(testLog(t), b, taskRepo, auditRepo)

	require.NotPanics(t, func() { r.sweep(context.Background()) })
}
