package qa

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
)

// Snapshot is the slice of task state a Tier needs to validate one
// analysis output, without pulling the Tier implementations into a
// dependency on the store package.
type Snapshot struct {
	TaskID        uuid.UUID
	AnalysisType  string
	ImageBytes    []byte
	CurrentOutput string
}

func (s Snapshot) imageBase64() string {
	return base64.StdEncoding.EncodeToString(s.ImageBytes)
}

// Outcome is the verdict a Tier reaches for one attempt.
type Outcome struct {
	Pass           bool
	Confidence     float64
	FailureReasons []string
	Evaluation     []byte // raw JSON the tier produced, for audit/QAAttempt storage
}

// Tier validates one analysis output at one stage of the three-tier
// pipeline. Implementations never mutate state themselves; the Pipeline
// records QAAttempt rows and drives the corrective loop around them.
type Tier interface {
	Name() domain.QATier
	// Validate checks snap.CurrentOutput against profile. corrective is
	// the tier's (analysis type, tier) corrective profile, used by the
	// T2/T3 tiers to source their validation prompt and QA model
	// identity; structural validation ignores it.
	Validate(ctx context.Context, profile *domain.AnalysisProfile, corrective *domain.CorrectiveProfile, snap Snapshot) (Outcome, error)
}
