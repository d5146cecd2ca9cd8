// Package worker is the Analysis Worker: it leases queued tasks from the
// broker, materializes a vision-model call, and hands the raw output to
// the QA pipeline before reporting the outcome back to the Task Store.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/config"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/external/imageprovider"
	"github.com/STSynthetic/GF-25-v3/internal/external/notify"
	"github.com/STSynthetic/GF-25-v3/internal/external/vision"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/httpx"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/promptutil"
	"github.com/STSynthetic/GF-25-v3/internal/qa"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

const (
	leaseTTL     = 2 * time.Minute
	modelTimeout = 60 * time.Second
	maxAttempts  = 3
)

// OnTaskCompleted is invoked once a task reaches a terminal state, so the
// Job Orchestrator can submit the result and update process counters
// without the worker importing the registry client directly.
type OnTaskCompleted func(ctx context.Context, task *domain.Task)

// Worker pulls tasks off the analysis-type queues and runs them through
// model invocation and QA.
type Worker struct {
	log         *logger.Logger
	broker      broker.Broker
	registry    *config.Registry
	taskRepo    store.TaskRepo
	auditRepo   store.AuditRepo
	images      imageprovider.Provider
	vision      vision.Client
	qaPipeline  *qa.Pipeline
	notify      notify.Sink
	onCompleted OnTaskCompleted
	modelSem    *semaphore.Weighted
	mediaLocks  sync.Map // string (media key) -> *sync.Mutex
	ownerID     string
}

// semaphoreClient routes the QA pipeline's model calls through the
// worker's model-call semaphore.
type semaphoreClient struct {
	inner vision.Client
	sem   *semaphore.Weighted
}

func (c semaphoreClient) Analyze(ctx context.Context, req vision.Request) (*vision.Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.inner.Analyze(ctx, req)
}

// New wires a Worker. modelConcurrency caps simultaneous vision-model
// calls shared between primary analysis and QA corrective regeneration.
func New(
	baseLog *logger.Logger,
	b broker.Broker,
	registry *config.Registry,
	taskRepo store.TaskRepo,
	auditRepo store.AuditRepo,
	images imageprovider.Provider,
	visionClient vision.Client,
	qaRepo store.QAAttemptRepo,
	sink notify.Sink,
	onCompleted OnTaskCompleted,
	modelConcurrency int,
	ownerID string,
) *Worker {
	if modelConcurrency < 1 {
		modelConcurrency = 8
	}
	log := baseLog.With("component", "AnalysisWorker")
	modelSem := semaphore.NewWeighted(int64(modelConcurrency))
	return &Worker{
		log:         log,
		broker:      b,
		registry:    registry,
		taskRepo:    taskRepo,
		auditRepo:   auditRepo,
		images:      images,
		vision:      visionClient,
		qaPipeline:  qa.NewPipeline(registry, semaphoreClient{inner: visionClient, sem: modelSem}, qaRepo, log),
		notify:      sink,
		onCompleted: onCompleted,
		modelSem:    modelSem,
		ownerID:     ownerID,
	}
}

// Start launches WORKER_CONCURRENCY goroutines (default 8), each polling
// the analysis-type queues in broker.AnalysisQueues order.
func (w *Worker) Start(ctx context.Context) {
	concurrency := getEnvInt("WORKER_CONCURRENCY", 8)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("starting analysis worker pool", "concurrency", concurrency, "queues", len(broker.AnalysisQueues))
	for i := 0; i < concurrency; i++ {
		go w.runLoop(ctx, i+1)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			item, queueKey := w.dequeueAny(ctx)
			if item == nil {
				continue
			}
			w.processItem(ctx, workerID, queueKey, item)
		}
	}
}

// dequeueAny tries every analysis queue in turn and returns the first
// leased item. This is a fixed-order poll: every call starts from the
// first queue in broker.AnalysisQueues, so earlier queues are served
// first; the broker itself already orders within each queue by priority
// then age.
func (w *Worker) dequeueAny(ctx context.Context) (*broker.Item, string) {
	for _, queueKey := range broker.AnalysisQueues {
		item, err := w.broker.Dequeue(ctx, queueKey, leaseTTL)
		if err != nil {
			w.log.Warn("dequeue failed", "queue", queueKey, "error", err)
			continue
		}
		if item != nil {
			return item, queueKey
		}
	}
	return nil, ""
}

func (w *Worker) processItem(ctx context.Context, workerID int, queueKey string, item *broker.Item) {
	dbc := store.Ctx{Ctx: ctx}

	task, err := w.taskRepo.GetByID(dbc, item.TaskID)
	if err != nil {
		w.log.Warn("task lookup failed after lease", "task_id", item.TaskID, "error", err)
		return
	}

	mu := w.lockFor(task.MediaKey)
	mu.Lock()
	defer mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task handler panic", "worker_id", workerID, "task_id", task.ID, "panic", r)
			w.failTask(dbc, task, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := w.run(ctx, dbc, task); err != nil {
		w.log.Warn("task run failed", "worker_id", workerID, "task_id", task.ID, "queue", queueKey, "error", err)
		w.failTask(dbc, task, err)
		return
	}

	if err := w.broker.Ack(ctx, queueKey, task.ID); err != nil {
		w.log.Warn("broker ack failed", "task_id", task.ID, "queue", queueKey, "error", err)
	}
}

func (w *Worker) lockFor(mediaKey string) *sync.Mutex {
	v, _ := w.mediaLocks.LoadOrStore(mediaKey, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// run performs the four-step task lifecycle: materialize context, invoke
// the model, parse the output, and submit it to QA.
func (w *Worker) run(ctx context.Context, dbc store.Ctx, task *domain.Task) error {
	ctx, span := observability.StartSpan(ctx, "worker.run_task",
		attribute.String("analysis_type", task.AnalysisType),
		attribute.String("task_id", task.ID.String()),
		attribute.Int("attempt", task.Attempts+1),
	)
	defer span.End()

	task.Attempts++
	leaseExpires := time.Now().Add(leaseTTL)
	if _, err := w.taskRepo.TransitionStatus(dbc, task.ID, []domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed}, map[string]interface{}{
		"status":        domain.TaskRunning,
		"attempts":      gorm.Expr("attempts + 1"),
		"lease_owner":   w.ownerID,
		"lease_expires": &leaseExpires,
	}); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	// Step 1: materialize context.
	profile, err := w.registry.GetAnalysisProfile(task.AnalysisType)
	if err != nil {
		return fmt.Errorf("%w: analysis profile %s: %v", domain.ErrConfiguration, task.AnalysisType, err)
	}

	imageBytes, mimeType, err := w.images.Fetch(ctx, imageprovider.MediaRef{
		ExternalMediaID: task.ExternalMediaID,
		OptimisedPath:   task.OptimisedPath,
		GreyscalePath:   task.GreyscalePath,
	})
	if err != nil {
		return fmt.Errorf("%w: image fetch: %v", domain.ErrTransientIO, err)
	}

	imageB64 := base64.StdEncoding.EncodeToString(imageBytes)
	systemPrompt, err := promptutil.Render(profile.SystemPromptTemplate, imageB64, "")
	if err != nil {
		return fmt.Errorf("render system prompt: %w", err)
	}
	prompt, err := promptutil.Render(profile.UserPromptTemplate, imageB64, "")
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}

	// Step 2: invoke the model, bounded by the shared concurrency cap and
	// a hard per-call timeout so one stuck call can't starve the pool.
	callCtx, cancel := context.WithTimeout(ctx, modelTimeout)
	defer cancel()

	resp, err := w.invokeModel(callCtx, vision.Request{
		AnalysisType:  task.AnalysisType,
		Model:         profile.Model,
		SystemPrompt:  systemPrompt,
		Prompt:        prompt,
		ImageBytes:    imageBytes,
		MimeType:      mimeType,
		Temperature:   profile.Temperature,
		TopP:          profile.TopP,
		TopK:          profile.TopK,
		ContextSize:   profile.ContextSize,
		MaxOutputSize: profile.MaxOutputSize,
	})
	if err != nil {
		return fmt.Errorf("%w: model invocation: %v", domain.ErrTransientIO, err)
	}

	// Step 3: parse output. A malformed payload still proceeds into QA —
	// the structural tier is what's responsible for rejecting it and
	// driving the corrective loop.
	rawOutput := resp.RawJSON
	storedRawOutput := datatypes.JSON(rawOutput)
	if !json.Valid([]byte(rawOutput)) {
		w.log.Warn("model returned non-JSON output, routing through QA anyway", "task_id", task.ID)
		w.emitAudit(dbc, task, domain.AuditTaskStatus, domain.SeverityWarning, "model output not valid JSON")
		// Wrap as a JSON string so the jsonb column still accepts it; the
		// structural tier sees the same raw text via the QA snapshot.
		wrapped, _ := json.Marshal(rawOutput)
		storedRawOutput = datatypes.JSON(wrapped)
	}

	qaLeaseExpires := time.Now().Add(leaseTTL)
	if _, err := w.taskRepo.TransitionStatus(dbc, task.ID, []domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed}, map[string]interface{}{
		"status":        domain.TaskAwaitingQA,
		"raw_output":    storedRawOutput,
		"lease_expires": &qaLeaseExpires,
	}); err != nil {
		return fmt.Errorf("transition to awaiting_qa: %w", err)
	}
	if observability.Current() != nil {
		observability.Current().IncTaskTransition(domain.TaskAwaitingQA)
	}

	// Step 4: submit to QA.
	result, err := w.qaPipeline.Run(ctx, dbc, task, profile, imageBytes, rawOutput)
	if err != nil {
		return fmt.Errorf("qa pipeline: %w", err)
	}

	finalOutput := datatypes.JSON(result.FinalOutput)
	if !json.Valid([]byte(result.FinalOutput)) {
		wrapped, _ := json.Marshal(result.FinalOutput)
		finalOutput = datatypes.JSON(wrapped)
	}
	updates := map[string]interface{}{
		"status":       result.Status,
		"final_output": finalOutput,
	}
	if result.Status == domain.TaskCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}
	if _, err := w.taskRepo.TransitionStatus(dbc, task.ID, nil, updates); err != nil {
		return fmt.Errorf("transition to terminal status: %w", err)
	}
	if observability.Current() != nil {
		observability.Current().IncTaskTransition(result.Status)
	}

	task.Status = result.Status
	task.FinalOutput = finalOutput

	if result.Status == domain.TaskManualReview {
		w.notify.Notify(ctx, notify.ChannelQADomain, "task.manual_review", map[string]any{
			"task_id":       task.ID,
			"analysis_type": task.AnalysisType,
		})
	}

	if w.onCompleted != nil {
		w.onCompleted(ctx, task)
	}
	return nil
}

// invokeModel retries transient transport errors with exponential backoff,
// bounded by the shared semaphore so QA's corrective calls and primary
// analysis calls never exceed the configured model concurrency together.
func (w *Worker) invokeModel(ctx context.Context, req vision.Request) (*vision.Response, error) {
	ctx, span := observability.StartSpan(ctx, "worker.invoke_model",
		attribute.String("analysis_type", req.AnalysisType),
		attribute.String("model", req.Model),
	)
	defer span.End()

	if err := w.modelSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.modelSem.Release(1)

	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		resp, err := w.vision.Analyze(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !httpx.IsRetryableError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(httpx.JitterSleep(backoff))
		backoff *= 2
	}
	return nil, lastErr
}

func (w *Worker) failTask(dbc store.Ctx, task *domain.Task, cause error) {
	if task.Attempts >= maxAttempts {
		if _, err := w.taskRepo.TransitionStatus(dbc, task.ID, nil, map[string]interface{}{
			"status":     domain.TaskFailed,
			"last_error": cause.Error(),
		}); err != nil {
			w.log.Warn("failed to mark task failed", "task_id", task.ID, "error", err)
		}
		if observability.Current() != nil {
			observability.Current().IncTaskTransition(domain.TaskFailed)
			observability.Current().IncCircuitBreakerTrip("task_exhausted_retries")
		}
		w.emitAudit(dbc, task, domain.AuditTaskStatus, domain.SeverityCritical, "task failed: "+cause.Error())
		return
	}
	if err := w.taskRepo.ReleaseLease(dbc, task.ID, w.ownerID); err != nil {
		w.log.Warn("failed to release lease for retry", "task_id", task.ID, "error", err)
	}
	if _, err := w.taskRepo.TransitionStatus(dbc, task.ID, []domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed, domain.TaskManualReview}, map[string]interface{}{
		"status":     domain.TaskPending,
		"last_error": cause.Error(),
	}); err != nil {
		w.log.Warn("failed to requeue task", "task_id", task.ID, "error", err)
	}
}

func (w *Worker) emitAudit(dbc store.Ctx, task *domain.Task, kind domain.AuditEventKind, severity domain.Severity, message string) {
	if w.auditRepo == nil {
		return
	}
	taskID := task.ID
	event := &domain.AuditEvent{
		ProcessID: &task.ProcessID,
		TaskID:    &taskID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
	}
	if err := w.auditRepo.Emit(dbc, event); err != nil {
		w.log.Warn("audit emit failed", "task_id", task.ID, "error", err)
	}
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
