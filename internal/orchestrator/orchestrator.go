// Package orchestrator drives the top-level job lifecycle: acquiring work
// from the external Job Registry, expanding it into Tasks for the worker
// pool, and reporting results back as tasks and processes settle.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/config"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/external/notify"
	"github.com/STSynthetic/GF-25-v3/internal/external/registry"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/httpx"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

// Orchestrator polls the Job Registry for new jobs, expands each one into
// Tasks on the broker, and reports per-task and per-process outcomes back
// to the registry as the worker pool settles them.
type Orchestrator struct {
	log            *logger.Logger
	db             *gorm.DB
	registryClient registry.Client
	configRegistry *config.Registry
	broker         broker.Broker
	processRepo    store.ProcessRepo
	taskRepo       store.TaskRepo
	auditRepo      store.AuditRepo
	notify         notify.Sink
	circuit        *CircuitBreaker
}

// New builds an Orchestrator ready for Start.
func New(
	baseLog *logger.Logger,
	db *gorm.DB,
	registryClient registry.Client,
	configRegistry *config.Registry,
	b broker.Broker,
	processRepo store.ProcessRepo,
	taskRepo store.TaskRepo,
	auditRepo store.AuditRepo,
	sink notify.Sink,
) *Orchestrator {
	return &Orchestrator{
		log:            baseLog.With("component", "JobOrchestrator"),
		db:             db,
		registryClient: registryClient,
		configRegistry: configRegistry,
		broker:         b,
		processRepo:    processRepo,
		taskRepo:       taskRepo,
		auditRepo:      auditRepo,
		notify:         sink,
		circuit:        NewCircuitBreaker(taskRepo, processRepo, auditRepo),
	}
}

// Start runs the acquisition loop until ctx is canceled. It is the
// acquisition analogue of the worker pool's runLoop: a ticker drives
// polling, and a 404 from NextJob ("no job available") is treated as
// nothing-to-do rather than an error.
func (o *Orchestrator) Start(ctx context.Context) {
	interval := getEnvDuration("ORCHESTRATOR_POLL_INTERVAL", 10*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("starting job orchestrator acquisition loop", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			o.log.Info("job orchestrator stopped")
			return
		case <-ticker.C:
			o.acquireAndExpand(ctx)
		}
	}
}

func (o *Orchestrator) acquireAndExpand(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("acquisition loop panic", "panic", r)
		}
	}()

	job, err := o.registryClient.NextJob(ctx)
	if err != nil {
		o.log.Warn("next_job request failed", "error", err)
		return
	}
	if job == nil {
		return
	}

	process, err := o.acquireJob(ctx, job)
	if err != nil {
		o.log.Error("failed to acquire job", "error", err, "project_id", job.Project.ID)
		return
	}
	if process == nil {
		// Already acquired in a prior run (duplicate NextJob delivery); skip.
		return
	}

	if err := o.expandAndEnqueue(ctx, process, job); err != nil {
		o.log.Error("failed to expand job into tasks", "error", err, "process_id", process.ID)
	}
}

// acquireJob validates the registry's job shape and creates the Process
// row plus its frozen ConfigSnapshot. It returns (nil, nil) if a Process
// already exists for this external project (idempotent re-delivery).
func (o *Orchestrator) acquireJob(ctx context.Context, job *registry.Job) (*domain.Process, error) {
	if err := validateJob(job); err != nil {
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}

	dbc := store.Ctx{Ctx: ctx}
	if existing, err := o.processRepo.GetByExternalProjectID(dbc, job.Project.ID); err == nil && existing != nil {
		return nil, nil
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	analysisVersions := map[string]string{}
	if o.configRegistry != nil {
		analysisVersions = o.configRegistry.AnalysisVersions()
	}
	snapshot, err := json.Marshal(map[string]interface{}{
		"acquired_at":       time.Now().UTC().Format(time.RFC3339),
		"analysis_versions": analysisVersions,
	})
	if err != nil {
		return nil, err
	}

	process := &domain.Process{
		ID:                  uuid.New(),
		ExternalClientID:    job.Client.ID,
		ExternalClientSlug:  job.Client.Slug,
		ExternalProjectID:   job.Project.ID,
		ExternalProjectSlug: job.Project.Slug,
		Status:              domain.ProcessInitializing,
		TotalTasks:          len(job.Media) * len(job.Analyses),
		ConfigSnapshot:      snapshot,
	}

	var created *domain.Process
	err = o.db.Transaction(func(tx *gorm.DB) error {
		txc := store.Ctx{Ctx: ctx, Tx: tx}
		if err := o.processRepo.Create(txc, process); err != nil {
			return err
		}
		return o.auditRepo.Emit(txc, &domain.AuditEvent{
			ID:        uuid.New(),
			ProcessID: &process.ID,
			Kind:      domain.AuditProcessCreated,
			Severity:  domain.SeverityInfo,
			Message:   fmt.Sprintf("acquired job for project %s", job.Project.ID),
		})
	})
	if err != nil {
		return nil, err
	}
	created = process

	o.notify.Notify(ctx, notify.ChannelBatchManifest, "process.acquired", map[string]any{
		"process_id":         created.ID.String(),
		"external_project_id": created.ExternalProjectID,
		"total_tasks":        created.TotalTasks,
	})
	return created, nil
}

func validateJob(job *registry.Job) error {
	if job.Project.ID == "" {
		return errors.New("project.id missing")
	}
	if job.Client.ID == "" {
		return errors.New("client.id missing")
	}
	if len(job.Media) == 0 {
		return errors.New("media list empty")
	}
	if len(job.Analyses) == 0 {
		return errors.New("analyses list empty")
	}
	for _, m := range job.Media {
		if m.ID == "" {
			return errors.New("media entry missing id")
		}
	}
	for _, a := range job.Analyses {
		if a.ID == "" {
			return errors.New("analysis entry missing id")
		}
	}
	return nil
}

// expandAndEnqueue creates one Task per (media, analysis) pair inside a
// single transaction, then enqueues each onto its analysis-type queue.
// Broker backpressure is allowed to block this call; the spec treats that
// as acceptable application of backpressure rather than a failure.
func (o *Orchestrator) expandAndEnqueue(ctx context.Context, process *domain.Process, job *registry.Job) error {
	externalIDByType := make(map[string]string, len(job.Analyses))
	for _, a := range job.Analyses {
		key := a.Slug
		if key == "" {
			key = a.Name
		}
		externalIDByType[key] = a.ID
	}

	tasks := make([]*domain.Task, 0, len(job.Media)*len(job.Analyses))
	for _, media := range job.Media {
		for _, analysis := range job.Analyses {
			analysisType := analysis.Slug
			if analysisType == "" {
				analysisType = analysis.Name
			}
			tasks = append(tasks, &domain.Task{
				ID:                 uuid.New(),
				ProcessID:          process.ID,
				ExternalMediaID:    media.ID,
				ExternalAnalysisID: externalIDByType[analysisType],
				AnalysisType:       analysisType,
				MediaKey:           media.ID,
				OptimisedPath:      media.OptimisedPath,
				GreyscalePath:      media.GreyscalePath,
				Status:             domain.TaskPending,
			})
		}
	}

	if err := o.db.Transaction(func(tx *gorm.DB) error {
		txc := store.Ctx{Ctx: ctx, Tx: tx}
		if err := o.taskRepo.CreateBatch(txc, tasks); err != nil {
			return err
		}
		return o.auditRepo.Emit(txc, &domain.AuditEvent{
			ID:        uuid.New(),
			ProcessID: &process.ID,
			Kind:      domain.AuditTaskCreated,
			Severity:  domain.SeverityInfo,
			Message:   fmt.Sprintf("expanded %d tasks", len(tasks)),
		})
	}); err != nil {
		return err
	}

	if err := o.enqueueAll(ctx, process, tasks); err != nil && !errors.Is(err, domain.ErrCircuitOpen) {
		return err
	}

	dbc := store.Ctx{Ctx: ctx}
	if _, err := o.processRepo.TransitionStatus(dbc, process.ID, []domain.ProcessStatus{domain.ProcessCompleted, domain.ProcessFailed}, domain.ProcessProcessing); err != nil {
		o.log.Warn("failed to transition process to processing", "process_id", process.ID, "error", err)
	}

	if err := o.submitProcessing(ctx, process); err != nil {
		o.log.Warn("failed to submit processing status", "process_id", process.ID, "error", err)
	}
	return nil
}

// enqueueAll pushes every task onto its analysis-type queue, checking the
// circuit breaker ahead of each one and halting the remaining tasks for
// this process the moment it trips, per spec.md's "the orchestrator halts
// new enqueues for remaining tasks" behavior. Halted tasks stay in the
// task store as pending rows; they are picked up again once an operator
// clears the breaker and something re-drives enqueue for the process.
func (o *Orchestrator) enqueueAll(ctx context.Context, process *domain.Process, tasks []*domain.Task) error {
	for i, t := range tasks {
		if o.circuit.Open(ctx, process.ID) {
			o.log.Warn("circuit breaker open, halting enqueue for remaining tasks",
				"process_id", process.ID, "enqueued", i, "remaining", len(tasks)-i)
			return fmt.Errorf("process %s: %w", process.ID, domain.ErrCircuitOpen)
		}
		if err := o.enqueueOne(ctx, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Error("failed to enqueue task", "task_id", t.ID, "analysis_type", t.AnalysisType, "error", err)
		}
	}
	return nil
}

// enqueueOne blocks on broker.ErrQueueFull with jittered, doubling
// backoff until the task is accepted or the context is canceled. Per
// spec.md §4.C, a queue at its depth limit backs off the producer; it
// never drops the task.
func (o *Orchestrator) enqueueOne(ctx context.Context, t *domain.Task) error {
	const (
		backoffBase = 500 * time.Millisecond
		backoffMax  = 10 * time.Second
	)
	backoff := backoffBase
	for {
		err := o.broker.Enqueue(ctx, t.AnalysisType, t.ID, broker.PriorityNormal)
		if err == nil {
			return nil
		}
		if !errors.Is(err, broker.ErrQueueFull) {
			return err
		}
		sleep := httpx.JitterSleep(backoff)
		o.log.Warn("queue at depth limit, backing off before retry",
			"task_id", t.ID, "analysis_type", t.AnalysisType, "sleep", sleep.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// submitProcessing sends the single "processing" status update the spec
// requires once, guarded by ProcessingSubmittedAt so a retry of this call
// (e.g. after a crash mid-expand) never double-submits.
func (o *Orchestrator) submitProcessing(ctx context.Context, process *domain.Process) error {
	res := o.db.WithContext(ctx).Model(&domain.Process{}).
		Where("id = ? AND processing_submitted_at IS NULL", process.ID).
		Updates(map[string]interface{}{"processing_submitted_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return o.registryClient.UpdateProjectStatus(ctx, process.ExternalProjectID, "processing")
}

// OnTaskCompleted is wired as the worker pool's completion callback. It
// submits the task's result to the registry (suppressing duplicates via
// MarkResultSubmitted), rolls the outcome into the Process counters, and
// checks whether the process has now settled.
func (o *Orchestrator) OnTaskCompleted(ctx context.Context, task *domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("OnTaskCompleted panic", "task_id", task.ID, "panic", r)
		}
	}()

	dbc := store.Ctx{Ctx: ctx}
	process, err := o.processRepo.GetByID(dbc, task.ProcessID)
	if err != nil {
		o.log.Error("failed to load process for completed task", "task_id", task.ID, "process_id", task.ProcessID, "error", err)
		return
	}

	if err := o.submitTaskResult(ctx, process, task); err != nil {
		o.log.Error("failed to submit task result", "task_id", task.ID, "error", err)
	}

	var completed, failed, manualReview int
	switch task.Status {
	case domain.TaskCompleted:
		completed = 1
	case domain.TaskFailed:
		failed = 1
	case domain.TaskManualReview:
		manualReview = 1
	}
	if err := o.processRepo.IncrementCounters(dbc, process.ID, completed, failed, manualReview); err != nil {
		o.log.Error("failed to increment process counters", "process_id", process.ID, "error", err)
		return
	}

	if failed == 1 {
		o.circuit.RecordFailure(ctx, process.ID)
	}

	refreshed, err := o.processRepo.GetByID(dbc, process.ID)
	if err != nil {
		o.log.Error("failed to reload process after counters update", "process_id", process.ID, "error", err)
		return
	}
	if refreshed.Settled() {
		o.onProcessComplete(ctx, refreshed)
	}
}

// submitTaskResult addresses the registry by ExternalAnalysisID (the
// registry's own identifier for this analysis on this job), not by the
// internal AnalysisType slug used for queue routing.
func (o *Orchestrator) submitTaskResult(ctx context.Context, process *domain.Process, task *domain.Task) error {
	dbc := store.Ctx{Ctx: ctx}
	marked, err := o.taskRepo.MarkResultSubmitted(dbc, task.ID)
	if err != nil {
		return err
	}
	if !marked {
		o.log.Info("task result already submitted, skipping", "task_id", task.ID)
		return nil
	}

	status := "completed"
	if task.Status == domain.TaskFailed {
		status = "failed"
	} else if task.Status == domain.TaskManualReview {
		status = "manual_review"
	}

	body := registry.AnalysisResultSubmission{
		Status:         status,
		AnalysisResult: json.RawMessage(task.FinalOutput),
	}
	if len(body.AnalysisResult) == 0 {
		body.AnalysisResult = json.RawMessage(task.RawOutput)
	}

	analysisID := task.ExternalAnalysisID
	if analysisID == "" {
		analysisID = task.AnalysisType
	}

	err = o.registryClient.SubmitAnalysisResult(ctx, process.ExternalProjectID, task.ExternalMediaID, analysisID, body)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			// Non-retryable per spec: the registry rejected the shape of
			// this submission. Audit and abandon rather than retry forever.
			o.emitTaskAudit(ctx, task, domain.AuditTaskStatus, domain.SeverityCritical,
				fmt.Sprintf("registry rejected result submission: %v", err))
			if metrics := observability.Current(); metrics != nil {
				metrics.IncClientError("registry_submit_result_rejected")
			}
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) emitTaskAudit(ctx context.Context, task *domain.Task, kind domain.AuditEventKind, severity domain.Severity, message string) {
	dbc := store.Ctx{Ctx: ctx}
	taskID := task.ID
	if err := o.auditRepo.Emit(dbc, &domain.AuditEvent{
		ID:        uuid.New(),
		ProcessID: &task.ProcessID,
		TaskID:    &taskID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
	}); err != nil {
		o.log.Error("failed to emit audit event", "task_id", task.ID, "error", err)
	}
}

// onProcessComplete builds and submits the final report once every task
// accounted for has reached a terminal state, then marks the Process
// completed and sends the single "completed" status update.
func (o *Orchestrator) onProcessComplete(ctx context.Context, process *domain.Process) {
	dbc := store.Ctx{Ctx: ctx}

	res := o.db.WithContext(ctx).Model(&domain.Process{}).
		Where("id = ? AND completed_submitted_at IS NULL", process.ID).
		Updates(map[string]interface{}{"completed_submitted_at": time.Now()})
	if res.Error != nil {
		o.log.Error("failed to claim completed-report submission", "process_id", process.ID, "error", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	successRate := 0.0
	if process.TotalTasks > 0 {
		successRate = float64(process.CompletedTasks) / float64(process.TotalTasks)
	}
	var mediaCount int64
	if err := o.db.WithContext(ctx).Model(&domain.Task{}).
		Where("process_id = ?", process.ID).
		Distinct("external_media_id").
		Count(&mediaCount).Error; err != nil {
		o.log.Error("failed to count processed media", "process_id", process.ID, "error", err)
	}
	details := registry.ReportDetails{
		TotalMediaProcessed:    int(mediaCount),
		TotalAnalysesCompleted: process.CompletedTasks,
		SuccessRate:            successRate,
	}
	summary := fmt.Sprintf("process %s settled: %d completed, %d failed, %d manual review",
		process.ExternalProjectID, process.CompletedTasks, process.FailedTasks, process.ManualReviewTasks)

	if err := o.registryClient.SubmitReport(ctx, process.ExternalProjectID, summary, details); err != nil {
		o.log.Error("failed to submit final report", "process_id", process.ID, "error", err)
	}
	if err := o.registryClient.UpdateProjectStatus(ctx, process.ExternalProjectID, "completed"); err != nil {
		o.log.Error("failed to submit completed status", "process_id", process.ID, "error", err)
	}

	finalStatus := domain.ProcessCompleted
	if process.FailedTasks > 0 && process.CompletedTasks == 0 {
		finalStatus = domain.ProcessFailed
	}
	if _, err := o.processRepo.TransitionStatus(dbc, process.ID, []domain.ProcessStatus{domain.ProcessCompleted, domain.ProcessFailed}, finalStatus); err != nil {
		o.log.Error("failed to transition process to terminal status", "process_id", process.ID, "error", err)
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.IncProcessTransition(finalStatus)
	}
	o.notify.Notify(ctx, notify.ChannelBatchReport, "process.completed", map[string]any{
		"process_id":     process.ID.String(),
		"completed":      process.CompletedTasks,
		"failed":         process.FailedTasks,
		"manual_review":  process.ManualReviewTasks,
		"success_rate":   successRate,
	})
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
