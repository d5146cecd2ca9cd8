package config

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

// writeCompleteProfileSet writes a minimal but valid analysis profile plus
// all three corrective tiers for every type in broker.AnalysisQueues, so
// reload tests exercise the closed-set check without tripping it.
func writeCompleteProfileSet(t *testing.T, root string) {
	t.Helper()
	for _, analysisType := range broker.AnalysisQueues {
		writeFile(t, filepath.Join(root, "analyses", analysisType+".yaml"), fmt.Sprintf(`
type: %s
system_prompt_template: "Respond with JSON only."
user_prompt_template: "Assess {{IMAGE}}"
engine_type: loopback
model: vision-primary
`, analysisType))
		for _, tier := range []string{"structural", "content_quality", "domain_expert"} {
			writeFile(t, filepath.Join(root, "corrective", analysisType, tier+".yaml"), fmt.Sprintf(`
analysis_type: %s
tier: %s
model: vision-qa
system_prompt_template: "Respond with JSON only."
user_prompt_template: "Correct {{PRIOR_OUTPUT}} for {{IMAGE}}"
`, analysisType, tier))
		}
	}
}

func TestRegistry_GetAnalysisProfile_NotFound(t *testing.T) {
	root := t.TempDir()
	reg, report := NewRegistry(root, testLogger(t))
	require.True(t, report.Failed)

	_, err := reg.GetAnalysisProfile("lighting_quality")
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRegistry_ReloadSwapsActiveSet(t *testing.T) {
	root := t.TempDir()
	writeCompleteProfileSet(t, root)

	reg, report := NewRegistry(root, testLogger(t))
	require.False(t, report.Failed)

	p, err := reg.GetAnalysisProfile("lighting_quality")
	require.NoError(t, err)
	require.Equal(t, "lighting_quality", p.Type)
}

func TestRegistry_ReloadLeavesPriorSetOnValidationFailure(t *testing.T) {
	root := t.TempDir()
	writeCompleteProfileSet(t, root)

	reg, report := NewRegistry(root, testLogger(t))
	require.False(t, report.Failed)

	// Corrupt one analysis profile; the whole reload must be rejected and
	// the previously active, fully-valid set must remain in place.
	writeFile(t, filepath.Join(root, "analyses", "lighting_quality.yaml"), `
type: lighting_quality
system_prompt_template: ""
user_prompt_template: ""
engine_type: loopback
model: vision-primary
`)
	report = reg.Reload()
	require.True(t, report.Failed)
	require.False(t, report.Changed)

	p, err := reg.GetAnalysisProfile("lighting_quality")
	require.NoError(t, err)
	require.NotEmpty(t, p.UserPromptTemplate)
}

func TestRegistry_ReloadNoopWhenContentUnchanged(t *testing.T) {
	root := t.TempDir()
	writeCompleteProfileSet(t, root)

	reg, report := NewRegistry(root, testLogger(t))
	require.False(t, report.Failed)

	report = reg.Reload()
	require.False(t, report.Failed)
	require.False(t, report.Changed)
}

func TestRegistry_SubscribeNotifiedOnChange(t *testing.T) {
	root := t.TempDir()
	writeCompleteProfileSet(t, root)
	reg, report := NewRegistry(root, testLogger(t))
	require.False(t, report.Failed)

	notified := make(chan *ProfileSet, 1)
	reg.Subscribe(func(set *ProfileSet) { notified <- set })

	writeFile(t, filepath.Join(root, "analyses", "color_accuracy.yaml"), `
type: color_accuracy
system_prompt_template: "Respond with JSON only."
user_prompt_template: "Assess {{IMAGE}} color accuracy more closely"
engine_type: loopback
model: vision-primary
`)
	reg.Reload()

	select {
	case set := <-notified:
		require.Contains(t, set.Analyses, "color_accuracy")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}
}
