package worker

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

// Reaper periodically reclaims work stranded by a crashed or stalled
// worker: broker items whose inflight lease deadline has lapsed (moved
// back onto their origin queue for the next dequeue) and any task row
// still marked running or awaiting_qa past its own row-level
// lease_expires, set by the worker at the point it claims the task. Per
// spec.md §4.C, "reclaim_inflight() — delegated to State Store on a timer".
type Reaper struct {
	log       *logger.Logger
	broker    broker.Broker
	taskRepo  store.TaskRepo
	auditRepo store.AuditRepo
}

// NewReaper wires a Reaper over the same broker, task repo, and audit
// repo the worker pool already uses.
func NewReaper(baseLog *logger.Logger, b broker.Broker, taskRepo store.TaskRepo, auditRepo store.AuditRepo) *Reaper {
	return &Reaper{
		log:       baseLog.With("component", "LeaseReaper"),
		broker:    b,
		taskRepo:  taskRepo,
		auditRepo: auditRepo,
	}
}

// Start runs the reclaim sweep on a fixed interval until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	interval := getEnvDuration("REAPER_INTERVAL", 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("starting lease reaper", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("lease reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("reaper sweep panic", "panic", rec)
		}
	}()

	queues := make([]string, 0, len(broker.AnalysisQueues)+3)
	queues = append(queues, broker.AnalysisQueues...)
	queues = append(queues, broker.QueueManualReview, broker.QueuePriority, broker.QueueBatchCompletion)

	var reclaimed int
	for _, q := range queues {
		n, err := r.broker.ReclaimInflight(ctx, q)
		if err != nil {
			r.log.Warn("broker reclaim failed", "queue", q, "error", err)
			continue
		}
		reclaimed += n
	}

	dbc := store.Ctx{Ctx: ctx}
	dbReclaimed, err := r.taskRepo.ReclaimExpired(dbc)
	if err != nil {
		r.log.Warn("task repo reclaim failed", "error", err)
	}
	for _, t := range dbReclaimed {
		taskID := t.ID
		processID := t.ProcessID
		if err := r.auditRepo.Emit(dbc, &domain.AuditEvent{
			ProcessID: &processID,
			TaskID:    &taskID,
			Kind:      domain.AuditLeaseReclaimed,
			Severity:  domain.SeverityWarning,
			Message:   "task lease expired under owner " + t.LeaseOwner + ", reset to pending",
		}); err != nil {
			r.log.Warn("failed to emit lease reclaim audit event", "task_id", taskID, "error", err)
		}
	}

	total := reclaimed + len(dbReclaimed)
	if total == 0 {
		return
	}
	r.log.Info("lease reaper reclaimed stranded work", "broker_items", reclaimed, "task_rows", len(dbReclaimed))
	if metrics := observability.Current(); metrics != nil {
		for i := 0; i < total; i++ {
			metrics.IncLeaseReclaimed()
		}
	}
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}
