package qa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/STSynthetic/GF-25-v3/internal/config"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/external/vision"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/promptutil"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

// Result is what the Pipeline hands back to the caller (the Analysis
// Worker) once a task has either cleared all three tiers or been routed
// to manual review.
type Result struct {
	Status      domain.TaskStatus // TaskCompleted or TaskManualReview
	FinalOutput string
}

// Pipeline runs the three-tier QA state machine described in the QA
// pipeline design: up to the tier's corrective max_attempts per tier (3
// when no corrective profile sets it), corrective regeneration on
// failure, manual_review on exhaustion.
type Pipeline struct {
	registry *config.Registry
	client   vision.Client
	qaRepo   store.QAAttemptRepo
	log      *logger.Logger
}

// NewPipeline wires the three tiers in their fixed sequence.
func NewPipeline(registry *config.Registry, client vision.Client, qaRepo store.QAAttemptRepo, log *logger.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		client:   client,
		qaRepo:   qaRepo,
		log:      log.With("component", "QAPipeline"),
	}
}

func (p *Pipeline) tiers() []Tier {
	return []Tier{
		NewStructuralTier(),
		NewContentQualityTier(p.client, p.log),
		NewDomainExpertTier(p.client, p.log),
	}
}

// Run evaluates rawOutput through every tier in sequence, applying the
// corrective loop within each tier, and returns the terminal outcome.
func (p *Pipeline) Run(ctx context.Context, dbc store.Ctx, task *domain.Task, profile *domain.AnalysisProfile, imageBytes []byte, rawOutput string) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "qa.pipeline_run",
		attribute.String("analysis_type", task.AnalysisType),
		attribute.String("task_id", task.ID.String()),
	)
	defer span.End()

	snap := Snapshot{
		TaskID:        task.ID,
		AnalysisType:  task.AnalysisType,
		ImageBytes:    imageBytes,
		CurrentOutput: rawOutput,
	}

	for _, tier := range p.tiers() {
		corrective, cErr := p.registry.GetCorrectiveProfile(task.AnalysisType, tier.Name())
		if cErr != nil && tier.Name() != domain.QATierStructural {
			// T2/T3 cannot run without a corrective profile to source
			// their validation prompt and model identity.
			return Result{}, fmt.Errorf("qa: %w", cErr)
		}

		maxAttempts := 3
		if corrective != nil && corrective.MaxAttempts > 0 {
			maxAttempts = corrective.MaxAttempts
		}

		passed := false
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			tierCtx, tierSpan := observability.StartSpan(ctx, "qa.tier_validate",
				attribute.String("tier", string(tier.Name())),
				attribute.Int("attempt", attempt),
			)
			outcome, err := tier.Validate(tierCtx, profile, corrective, snap)
			tierSpan.End()
			if err != nil {
				return Result{}, fmt.Errorf("qa: %s tier validate: %w", tier.Name(), err)
			}

			p.record(ctx, dbc, task.ID, tier.Name(), attempt, outcome)
			if observability.Current() != nil {
				outcomeKind := domain.QAOutcomeFail
				if outcome.Pass {
					outcomeKind = domain.QAOutcomePass
				}
				observability.Current().IncQAAttempt(tier.Name(), outcomeKind)
			}

			if outcome.Pass {
				passed = true
				break
			}

			if attempt == maxAttempts {
				break
			}

			corrected, cgErr := p.correct(ctx, corrective, snap)
			if cgErr != nil {
				p.log.Warn("corrective generation failed, exhausting tier early",
					"task_id", task.ID, "tier", tier.Name(), "attempt", attempt, "error", cgErr)
				break
			}
			snap.CurrentOutput = corrected
		}

		if !passed {
			return Result{Status: domain.TaskManualReview, FinalOutput: snap.CurrentOutput}, nil
		}
	}

	return Result{Status: domain.TaskCompleted, FinalOutput: snap.CurrentOutput}, nil
}

// correct renders the tier's corrective prompt with {{IMAGE}} and
// {{PRIOR_OUTPUT}} and calls the QA model to produce a replacement output.
func (p *Pipeline) correct(ctx context.Context, corrective *domain.CorrectiveProfile, snap Snapshot) (string, error) {
	if corrective == nil {
		return "", fmt.Errorf("no corrective profile available to repair output")
	}
	system, err := promptutil.Render(corrective.SystemPromptTemplate, snap.imageBase64(), snap.CurrentOutput)
	if err != nil {
		return "", fmt.Errorf("render corrective system prompt: %w", err)
	}
	rendered, err := promptutil.Render(corrective.UserPromptTemplate, snap.imageBase64(), snap.CurrentOutput)
	if err != nil {
		return "", fmt.Errorf("render corrective prompt: %w", err)
	}
	resp, err := p.client.Analyze(ctx, vision.Request{
		AnalysisType:  snap.AnalysisType,
		Model:         corrective.Model,
		SystemPrompt:  system,
		Prompt:        rendered,
		ImageBytes:    snap.ImageBytes,
		Temperature:   corrective.Temperature,
		TopP:          corrective.TopP,
		TopK:          corrective.TopK,
		ContextSize:   corrective.ContextSize,
		MaxOutputSize: corrective.MaxOutputSize,
	})
	if err != nil {
		return "", fmt.Errorf("corrective model call: %w", err)
	}
	return resp.RawJSON, nil
}

func (p *Pipeline) record(_ context.Context, dbc store.Ctx, taskID uuid.UUID, tier domain.QATier, attempt int, outcome Outcome) {
	outcomeKind := domain.QAOutcomeFail
	if outcome.Pass {
		outcomeKind = domain.QAOutcomePass
	}
	reasons, _ := json.Marshal(outcome.FailureReasons)
	attemptRow := &domain.QAAttempt{
		TaskID:         taskID,
		Tier:           tier,
		AttemptNumber:  attempt,
		Outcome:        outcomeKind,
		Confidence:     outcome.Confidence,
		FailureReasons: reasons,
		Evaluation:     outcome.Evaluation,
	}
	if err := p.qaRepo.Record(dbc, attemptRow); err != nil {
		p.log.Warn("qa attempt record failed", "tier", tier, "attempt", attempt, "error", err)
	}
}
