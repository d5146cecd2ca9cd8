package qa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/external/vision"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

type fakeModelTierVisionClient struct {
	rawJSON string
}

func (f *fakeModelTierVisionClient) Analyze(_ context.Context, _ vision.Request) (*vision.Response, error) {
	return &vision.Response{RawJSON: f.rawJSON}, nil
}

func TestContentQualityTier_AcceptsWhenModelPassesAndNoProhibitedPhrase(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	client := &fakeModelTierVisionClient{rawJSON: `{"pass":true,"confidence":0.9,"reasons":[]}`}
	tier := NewContentQualityTier(client, log)

	profile := &domain.AnalysisProfile{ProhibitedPhrases: nil}
	corrective := &domain.CorrectiveProfile{UserPromptTemplate: "Review {{PRIOR_OUTPUT}} against {{IMAGE}}"}
	snap := Snapshot{CurrentOutput: `{"score":0.9,"reasoning":"sharp and well lit"}`}

	out, err := tier.Validate(context.Background(), profile, corrective, snap)
	require.NoError(t, err)
	require.True(t, out.Pass)
}

func TestContentQualityTier_RejectsProhibitedPhraseEvenWhenModelPasses(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	client := &fakeModelTierVisionClient{rawJSON: `{"pass":true,"confidence":0.95,"reasons":[]}`}
	tier := NewContentQualityTier(client, log)

	profile := &domain.AnalysisProfile{ProhibitedPhrases: []string{"as an ai"}}
	corrective := &domain.CorrectiveProfile{UserPromptTemplate: "Review {{PRIOR_OUTPUT}} against {{IMAGE}}"}
	snap := Snapshot{CurrentOutput: `{"reasoning":"As an AI, I observe good lighting."}`}

	out, err := tier.Validate(context.Background(), profile, corrective, snap)
	require.NoError(t, err)
	require.False(t, out.Pass)
	require.Contains(t, out.FailureReasons[len(out.FailureReasons)-1], "prohibited phrase")
}

func TestContentQualityTier_EmptyProhibitedListNeverRejectsOnPhrase(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	client := &fakeModelTierVisionClient{rawJSON: `{"pass":true,"confidence":0.95,"reasons":[]}`}
	tier := NewContentQualityTier(client, log)

	profile := &domain.AnalysisProfile{ProhibitedPhrases: []string{}}
	corrective := &domain.CorrectiveProfile{UserPromptTemplate: "Review {{PRIOR_OUTPUT}} against {{IMAGE}}"}
	snap := Snapshot{CurrentOutput: `{"reasoning":"as an ai this looks fine"}`}

	out, err := tier.Validate(context.Background(), profile, corrective, snap)
	require.NoError(t, err)
	require.True(t, out.Pass)
}

func TestDomainExpertTier_RejectsBelowConfidenceThreshold(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	client := &fakeModelTierVisionClient{rawJSON: `{"pass":true,"confidence":0.5,"reasons":[]}`}
	tier := NewDomainExpertTier(client, log)

	profile := &domain.AnalysisProfile{ConfidenceThreshold: 0.8}
	corrective := &domain.CorrectiveProfile{UserPromptTemplate: "Review {{PRIOR_OUTPUT}} against {{IMAGE}}"}
	snap := Snapshot{CurrentOutput: `{"reasoning":"borderline"}`}

	out, err := tier.Validate(context.Background(), profile, corrective, snap)
	require.NoError(t, err)
	require.False(t, out.Pass)
}
