package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/external/vision"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/promptutil"
)

// modelVerdict is the JSON document the QA-model agent is instructed to
// return for a T2/T3 validation call.
type modelVerdict struct {
	Pass       bool     `json:"pass"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// modelTier implements the two model-backed QA stages (content_quality,
// domain_expert). They differ in name, in the instruction wrapper placed
// around the corrective profile's prompt template for the validation call
// itself, and in their extra checks: T2 scans for the profile's prohibited
// phrases, T3 gates on its confidence threshold (0.8 when unset).
type modelTier struct {
	tier        domain.QATier
	client      vision.Client
	log         *logger.Logger
	instruction string
	// gateOnConfidence enables the profile's ConfidenceThreshold check;
	// T2 is plain pass/fail, T3 additionally gates on confidence.
	gateOnConfidence bool
	// checkProhibited enables the profile's ProhibitedPhrases scan; only
	// T2 (content_quality) applies it.
	checkProhibited bool
}

// NewContentQualityTier is T2: scans output for prohibited phrasing,
// meta-descriptive language, and tone violations at low temperature.
func NewContentQualityTier(client vision.Client, log *logger.Logger) Tier {
	return &modelTier{
		tier:   domain.QATierContentQuality,
		client: client,
		log:    log.With("component", "QAPipeline", "tier", "content_quality"),
		instruction: "You are a content-quality reviewer. Inspect the analysis output below for prohibited " +
			"phrasing, first-person or image-referential language, and tone violations. " +
			`Respond with JSON only: {"pass":bool,"confidence":number,"reasons":[string]}.`,
		gateOnConfidence: false,
		checkProhibited:  true,
	}
}

// NewDomainExpertTier is T3: applies a domain-expert rubric and rejects
// outputs whose self-reported confidence falls below the threshold.
func NewDomainExpertTier(client vision.Client, log *logger.Logger) Tier {
	return &modelTier{
		tier:   domain.QATierDomainExpert,
		client: client,
		log:    log.With("component", "QAPipeline", "tier", "domain_expert"),
		instruction: "You are a domain expert reviewing the analysis output below for correctness and " +
			`completeness. Respond with JSON only: {"pass":bool,"confidence":number,"reasons":[string]}.`,
		gateOnConfidence: true,
	}
}

func (t *modelTier) Name() domain.QATier { return t.tier }

// firstProhibitedPhrase returns the first phrase from list found in output
// (case insensitive), or "" if the list is empty or none match. An empty
// list is a deliberate no-op: it must not reject output T2 would otherwise accept.
func firstProhibitedPhrase(output string, phrases []string) string {
	lower := strings.ToLower(output)
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}

func (t *modelTier) Validate(ctx context.Context, profile *domain.AnalysisProfile, corrective *domain.CorrectiveProfile, snap Snapshot) (Outcome, error) {
	if corrective == nil {
		return Outcome{}, fmt.Errorf("qa: no corrective profile configured for %s/%s", snap.AnalysisType, t.tier)
	}

	prompt := t.instruction + "\n\n" + corrective.UserPromptTemplate + "\n\nOutput under review:\n" + snap.CurrentOutput
	rendered, err := promptutil.Render(prompt, snap.imageBase64(), snap.CurrentOutput)
	if err != nil {
		return Outcome{}, fmt.Errorf("qa: render validation prompt: %w", err)
	}
	system, err := promptutil.Render(corrective.SystemPromptTemplate, snap.imageBase64(), snap.CurrentOutput)
	if err != nil {
		return Outcome{}, fmt.Errorf("qa: render validation system prompt: %w", err)
	}

	resp, err := t.client.Analyze(ctx, vision.Request{
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
		return Outcome{}, fmt.Errorf("qa: %s validation call: %w", t.tier, err)
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(resp.RawJSON), &verdict); err != nil {
		return Outcome{
			Pass:           false,
			FailureReasons: []string{fmt.Sprintf("qa model returned non-JSON verdict: %v", err)},
			Evaluation:     []byte(resp.RawJSON),
		}, nil
	}

	pass := verdict.Pass
	if t.checkProhibited {
		if hit := firstProhibitedPhrase(snap.CurrentOutput, profile.ProhibitedPhrases); hit != "" {
			pass = false
			verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("output contains prohibited phrase %q", hit))
		}
	}
	if t.gateOnConfidence {
		threshold := profile.ConfidenceThreshold
		if threshold <= 0 {
			threshold = 0.8
		}
		if verdict.Confidence < threshold {
			pass = false
			verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", verdict.Confidence, threshold))
		}
	}

	return Outcome{
		Pass:           pass,
		Confidence:     verdict.Confidence,
		FailureReasons: verdict.Reasons,
		Evaluation:     []byte(resp.RawJSON),
	}, nil
}
