package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoadTree_AnalysesAndCorrective(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "analyses", "lighting_quality.yaml"), `
type: lighting_quality
version: "1"
system_prompt_template: "Respond with JSON only."
user_prompt_template: "Assess lighting quality of {{IMAGE}}"
engine_type: loopback
model: vision-1
confidence_threshold: 0.85
max_qa_attempts: 3
schema_fields:
  - name: score
    type: number
    required: true
`)
	writeFile(t, filepath.Join(root, "corrective", "lighting_quality", "structural.yaml"), `
analysis_type: lighting_quality
tier: structural
version: "1"
model: vision-qa
system_prompt_template: "Re-emit valid JSON only."
user_prompt_template: "Fix the JSON for {{PRIOR_OUTPUT}}, re-examining {{IMAGE}}"
max_attempts: 3
`)

	set, errs := loadTree(root)
	require.Empty(t, errs)
	require.Contains(t, set.Analyses, "lighting_quality")
	require.Equal(t, 0.85, set.Analyses["lighting_quality"].ConfidenceThreshold)
	require.Contains(t, set.Corrective, "lighting_quality/structural")
}

func TestLoadTree_InvalidProfileReportsError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "analyses", "broken.yaml"), `
type: ""
user_prompt_template: "x"
engine_type: loopback
`)

	set, errs := loadTree(root)
	require.Len(t, errs, 1)
	require.Empty(t, set.Analyses)
}

func TestLoadTree_DefaultsAppliedWhenMissing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "analyses", "focus_sharpness.yaml"), `
type: focus_sharpness
user_prompt_template: "Assess {{IMAGE}} focus"
engine_type: loopback
model: vision-1
`)

	set, errs := loadTree(root)
	require.Empty(t, errs)
	p := set.Analyses["focus_sharpness"]
	require.Equal(t, 0.8, p.ConfidenceThreshold)
	require.Equal(t, 3, p.MaxQAAttempts)
	require.Equal(t, 8192, p.ContextSize)
	require.Equal(t, 1024, p.MaxOutputSize)
}

func TestValidateAnalysisProfile_RejectsUnknownPlaceholder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "analyses", "focus_sharpness.yaml"), `
type: focus_sharpness
user_prompt_template: "Assess {{IMAGE}} and {{BOGUS}}"
engine_type: loopback
model: vision-1
`)

	_, errs := loadTree(root)
	require.Len(t, errs, 1)
}

func TestValidateAnalysisProfile_RejectsOutOfRangeTemperature(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "analyses", "focus_sharpness.yaml"), `
type: focus_sharpness
user_prompt_template: "Assess {{IMAGE}}"
engine_type: loopback
model: vision-1
temperature: 3.5
`)

	_, errs := loadTree(root)
	require.Len(t, errs, 1)
}

func TestValidateCorrectiveProfile_RequiresImageAndPriorOutputPlaceholders(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "corrective", "focus_sharpness", "structural.yaml"), `
analysis_type: focus_sharpness
tier: structural
model: vision-qa
user_prompt_template: "Fix the JSON"
`)

	_, errs := loadTree(root)
	require.Len(t, errs, 1)
}
