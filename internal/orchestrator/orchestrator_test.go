package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/external/notify"
	"github.com/STSynthetic/GF-25-v3/internal/external/registry"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

type fakeRegistry struct {
	mu sync.Mutex

	jobs              []*registry.Job
	submissions       []registry.AnalysisResultSubmission
	statusUpdates     []string
	reports           []registry.ReportDetails
	submitResultErr   error
}

func (f *fakeRegistry) NextJob(context.Context) (*registry.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeRegistry) UpdateProjectStatus(_ context.Context, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeRegistry) SubmitAnalysisResult(_ context.Context, _, _, _ string, body registry.AnalysisResultSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitResultErr != nil {
		return f.submitResultErr
	}
	f.submissions = append(f.submissions, body)
	return nil
}

func (f *fakeRegistry) SubmitReport(_ context.Context, _, _ string, details registry.ReportDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, details)
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	// failUntil, when > 0, makes Enqueue return broker.ErrQueueFull for
	// the first failUntil calls before succeeding.
	failUntil int
	calls     int
}

func (b *fakeBroker) Enqueue(_ context.Context, _ string, taskID uuid.UUID, _ broker.Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failUntil {
		return broker.ErrQueueFull
	}
	b.enqueued = append(b.enqueued, taskID)
	return nil
}
func (b *fakeBroker) Dequeue(context.Context, string, time.Duration) (*broker.Item, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(context.Context, string, uuid.UUID) error         { return nil }
func (b *fakeBroker) Depth(context.Context, string) (int64, error)         { return 0, nil }
func (b *fakeBroker) ReclaimInflight(context.Context, string) (int, error) { return 0, nil }

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func newFixture(t *testing.T, reg *fakeRegistry) (*Orchestrator, *gorm.DB, *fakeBroker) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Process{}, &domain.Task{}, &domain.AuditEvent{}))

	processRepo := store.NewProcessRepo(db, testLog(t))
	taskRepo := store.NewTaskRepo(db, testLog(t))
	auditRepo := store.NewAuditRepo(db, testLog(t))
	b := &fakeBroker{}

	o := New(testLog(t), db, reg, nil, b, processRepo, taskRepo, auditRepo, notify.NewSink(testLog(t)))
	return o, db, b
}

func sampleJob() *registry.Job {
	return &registry.Job{
		Client:  registry.ClientRef{ID: "c1", Slug: "client-one"},
		Project: registry.ProjectRef{ID: "p1", Slug: "project-one"},
		Media: []registry.MediaDescriptor{
			{ID: "m1", OptimisedPath: "m1-opt.jpg", GreyscalePath: "m1-grey.jpg"},
		},
		Analyses: []registry.AnalysisRef{
			{ID: "a1", Slug: "lighting_quality", Name: "Lighting Quality"},
			{ID: "a2", Slug: "focus_sharpness", Name: "Focus Sharpness"},
		},
	}
}

func TestAcquireAndExpand_CreatesTasksAndEnqueues(t *testing.T) {
	reg := &fakeRegistry{jobs: []*registry.Job{sampleJob()}}
	o, db, b := newFixture(t, reg)

	o.acquireAndExpand(context.Background())

	var processes []domain.Process
	require.NoError(t, db.Find(&processes).Error)
	require.Len(t, processes, 1)
	require.Equal(t, domain.ProcessProcessing, processes[0].Status)
	require.Equal(t, 2, processes[0].TotalTasks)

	var tasks []domain.Task
	require.NoError(t, db.Find(&tasks).Error)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.NotEmpty(t, task.ExternalAnalysisID)
	}

	require.Len(t, b.enqueued, 2)
	require.Contains(t, reg.statusUpdates, "processing")
}

func TestAcquireAndExpand_NoJobAvailable_NoOp(t *testing.T) {
	reg := &fakeRegistry{}
	o, db, b := newFixture(t, reg)

	o.acquireAndExpand(context.Background())

	var count int64
	require.NoError(t, db.Model(&domain.Process{}).Count(&count).Error)
	require.Zero(t, count)
	require.Empty(t, b.enqueued)
}

func TestOnTaskCompleted_SuppressesDuplicateSubmission(t *testing.T) {
	reg := &fakeRegistry{}
	o, db, _ := newFixture(t, reg)

	process := &domain.Process{ID: uuid.New(), ExternalProjectID: "p1", Status: domain.ProcessProcessing, TotalTasks: 1}
	require.NoError(t, db.Create(process).Error)
	task := &domain.Task{
		ID:                 uuid.New(),
		ProcessID:          process.ID,
		ExternalMediaID:    "m1",
		ExternalAnalysisID: "a1",
		AnalysisType:       "lighting_quality",
		MediaKey:           "m1",
		Status:             domain.TaskCompleted,
		FinalOutput:        []byte(`{"score":0.9}`),
	}
	require.NoError(t, db.Create(task).Error)

	o.OnTaskCompleted(context.Background(), task)
	o.OnTaskCompleted(context.Background(), task)

	require.Len(t, reg.submissions, 1)
}

func TestOnTaskCompleted_SettlesProcessAndSubmitsReport(t *testing.T) {
	reg := &fakeRegistry{}
	o, db, _ := newFixture(t, reg)

	process := &domain.Process{ID: uuid.New(), ExternalProjectID: "p1", Status: domain.ProcessProcessing, TotalTasks: 1}
	require.NoError(t, db.Create(process).Error)
	task := &domain.Task{
		ID:                 uuid.New(),
		ProcessID:          process.ID,
		ExternalMediaID:    "m1",
		ExternalAnalysisID: "a1",
		AnalysisType:       "lighting_quality",
		MediaKey:           "m1",
		Status:             domain.TaskCompleted,
		FinalOutput:        []byte(`{"score":0.9}`),
	}
	require.NoError(t, db.Create(task).Error)

	o.OnTaskCompleted(context.Background(), task)

	require.Len(t, reg.reports, 1)
	require.Contains(t, reg.statusUpdates, "completed")

	var stored domain.Process
	require.NoError(t, db.First(&stored, "id = ?", process.ID).Error)
	require.Equal(t, domain.ProcessCompleted, stored.Status)
}

func TestCircuitBreaker_TripsAboveFailureThreshold(t *testing.T) {
	reg := &fakeRegistry{}
	_, db, _ := newFixture(t, reg)

	taskRepo := store.NewTaskRepo(db, testLog(t))
	processRepo := store.NewProcessRepo(db, testLog(t))
	auditRepo := store.NewAuditRepo(db, testLog(t))
	cb := NewCircuitBreaker(taskRepo, processRepo, auditRepo)

	process := &domain.Process{ID: uuid.New(), ExternalProjectID: "p2", Status: domain.ProcessProcessing, TotalTasks: 10}
	require.NoError(t, db.Create(process).Error)

	for i := 0; i < 6; i++ {
		require.NoError(t, db.Create(&domain.Task{
			ID: uuid.New(), ProcessID: process.ID, ExternalMediaID: uuid.NewString(), AnalysisType: "lighting_quality",
			MediaKey: "m", Status: domain.TaskCompleted,
		}).Error)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, db.Create(&domain.Task{
			ID: uuid.New(), ProcessID: process.ID, ExternalMediaID: uuid.NewString(), AnalysisType: "lighting_quality",
			MediaKey: "m", Status: domain.TaskFailed,
		}).Error)
	}

	cb.RecordFailure(context.Background(), process.ID)

	require.True(t, cb.Open(context.Background(), process.ID))
}

func TestEnqueueOne_RetriesOnQueueFullUntilSuccess(t *testing.T) {
	reg := &fakeRegistry{}
	o, _, b := newFixture(t, reg)
	b.failUntil = 2

	task := &domain.Task{ID: uuid.New(), AnalysisType: "lighting_quality"}
	err := o.enqueueOne(context.Background(), task)

	require.NoError(t, err)
	require.Equal(t, 3, b.calls)
	require.Contains(t, b.enqueued, task.ID)
}

func TestEnqueueAll_HaltsRemainingTasksWhenCircuitBreakerOpen(t *testing.T) {
	reg := &fakeRegistry{}
	o, db, b := newFixture(t, reg)

	process := &domain.Process{ID: uuid.New(), ExternalProjectID: "p3", Status: domain.ProcessProcessing, CircuitBreakerOpen: true}
	require.NoError(t, db.Create(process).Error)

	tasks := []*domain.Task{
		{ID: uuid.New(), ProcessID: process.ID, AnalysisType: "lighting_quality"},
		{ID: uuid.New(), ProcessID: process.ID, AnalysisType: "focus_sharpness"},
	}

	err := o.enqueueAll(context.Background(), process, tasks)

	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.Empty(t, b.enqueued)
}
