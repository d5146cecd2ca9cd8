package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority is the coarse priority tier used to order work within a queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int64 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ManagementQueue names the three non-analysis-type queues.
const (
	QueueManualReview     = "manual_review"
	QueuePriority         = "priority"
	QueueBatchCompletion  = "batch_completion"
)

// CorrectiveQueue returns the queue key for the corrective channel of a QA tier.
func CorrectiveQueue(tier string) string {
	return "corrective:" + tier
}

// Item is one queued reference to a Task awaiting a worker.
type Item struct {
	TaskID   uuid.UUID
	QueueKey string
	Priority Priority
}

// Broker fans work out to per-analysis-type priority FIFO queues with
// bounded depth and peek-and-lease dequeue semantics.
type Broker interface {
	Enqueue(ctx context.Context, queueKey string, taskID uuid.UUID, priority Priority) error
	Dequeue(ctx context.Context, queueKey string, leaseTTL time.Duration) (*Item, error)
	Ack(ctx context.Context, queueKey string, taskID uuid.UUID) error
	Depth(ctx context.Context, queueKey string) (int64, error)
	ReclaimInflight(ctx context.Context, queueKey string) (int, error)
}

// AnalysisQueues lists the 21 per-analysis-type queue keys this deployment
// ships with. Each name also identifies the YAML profile under
// config/analyses/<name>.yaml.
var AnalysisQueues = []string{
	"lighting_quality",
	"focus_sharpness",
	"composition_framing",
	"color_accuracy",
	"exposure_balance",
	"noise_grain",
	"white_balance",
	"dynamic_range",
	"subject_isolation",
	"background_clutter",
	"occlusion_detection",
	"resolution_adequacy",
	"artifact_detection",
	"duplicate_detection",
	"watermark_detection",
	"text_legibility",
	"product_completeness",
	"brand_compliance",
	"safety_content",
	"orientation_correctness",
	"metadata_consistency",
}
